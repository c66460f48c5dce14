package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/petrijr/extask/pkg/api"
)

// EngineError is an engine error response that maps to no api sentinel.
// The worker treats it as transient.
type EngineError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *EngineError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("rest: engine returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rest: engine returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classify turns a non-2xx response into an error.
func classify(path string, status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Message == "" {
		eb.Message = strings.TrimSpace(string(body))
		if eb.Message == "" {
			eb.Message = http.StatusText(status)
		}
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("rest: %s: %w: %s", path, api.ErrNotFoundOrLockExpired, eb.Message)
	case (status == http.StatusInternalServerError || status == http.StatusBadRequest) && mentionsLock(eb.Message):
		return fmt.Errorf("rest: %s: %w: %s", path, api.ErrNotFoundOrLockExpired, eb.Message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("rest: %s: %w: status %d: %s", path, api.ErrTransportMisconfigured, status, eb.Message)
	default:
		return &EngineError{StatusCode: status, Type: eb.Type, Message: eb.Message}
	}
}

func mentionsLock(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "lock")
}
