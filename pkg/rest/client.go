// Package rest implements api.EngineClient against the Camunda 7 external
// task REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

const maxErrorBody = 64 << 10

// Client talks to the external task endpoints of an engine's REST API.
// It is safe for concurrent use.
type Client struct {
	base *url.URL
	opts Options
}

var (
	_ api.EngineClient = (*Client)(nil)
	_ api.LockManager  = (*Client)(nil)
)

// New returns a client for the REST API rooted at baseURL, for example
// "http://localhost:8080/engine-rest".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("rest: %w: invalid base URL %q", api.ErrTransportMisconfigured, baseURL)
	}

	o := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			o = fn(o)
		}
	}
	return &Client{base: u, opts: o}, nil
}

type fetchTopic struct {
	TopicName    string   `json:"topicName"`
	LockDuration int64    `json:"lockDuration"`
	Variables    []string `json:"variables,omitempty"`
	BusinessKey  string   `json:"businessKey,omitempty"`
}

type fetchRequest struct {
	WorkerID             string       `json:"workerId"`
	MaxTasks             int          `json:"maxTasks"`
	UsePriority          bool         `json:"usePriority"`
	AsyncResponseTimeout int64        `json:"asyncResponseTimeout,omitempty"`
	Topics               []fetchTopic `json:"topics"`
}

type lockedTask struct {
	ID                   string                `json:"id"`
	WorkerID             string                `json:"workerId"`
	TopicName            string                `json:"topicName"`
	Retries              *int                  `json:"retries"`
	LockExpirationTime   string                `json:"lockExpirationTime"`
	BusinessKey          string                `json:"businessKey"`
	ProcessInstanceID    string                `json:"processInstanceId"`
	ProcessDefinitionKey string                `json:"processDefinitionKey"`
	ActivityID           string                `json:"activityId"`
	Priority             int64                 `json:"priority"`
	ErrorMessage         string                `json:"errorMessage"`
	ErrorDetails         string                `json:"errorDetails"`
	Variables            map[string]TypedValue `json:"variables"`
}

// toTask never drops a locked task: undecodable variables are recorded on
// the task instead, so the worker can still report it.
func (t lockedTask) toTask() *api.ExternalTask {
	task := &api.ExternalTask{
		ID:                   t.ID,
		WorkerID:             t.WorkerID,
		TopicName:            t.TopicName,
		Retries:              t.Retries,
		BusinessKey:          t.BusinessKey,
		ProcessInstanceID:    t.ProcessInstanceID,
		ProcessDefinitionKey: t.ProcessDefinitionKey,
		ActivityID:           t.ActivityID,
		Priority:             t.Priority,
		ErrorMessage:         t.ErrorMessage,
		ErrorDetails:         t.ErrorDetails,
	}
	vars, err := DecodeVariables(t.Variables)
	if err != nil {
		task.Variables = map[string]any{}
		task.DecodeError = fmt.Errorf("rest: task %s: %w", t.ID, err)
	} else {
		task.Variables = vars
	}
	if t.LockExpirationTime != "" {
		if ts, err := parseTime(t.LockExpirationTime); err == nil {
			task.LockExpirationTime = ts
		}
	}
	return task
}

// FetchAndLock implements api.EngineClient. The call is bounded by the
// request's AsyncResponseTimeout plus the configured timeout delta.
func (c *Client) FetchAndLock(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	body := fetchRequest{
		WorkerID:             req.WorkerID,
		MaxTasks:             req.MaxTasks,
		UsePriority:          req.UsePriority,
		AsyncResponseTimeout: req.AsyncResponseTimeout.Milliseconds(),
	}
	for _, t := range req.Topics {
		body.Topics = append(body.Topics, fetchTopic{
			TopicName:    t.Name,
			LockDuration: t.LockDuration.Milliseconds(),
			Variables:    t.Variables,
			BusinessKey:  t.BusinessKey,
		})
	}

	var locked []lockedTask
	if err := c.post(ctx, req.AsyncResponseTimeout+c.opts.TimeoutDelta, "/external-task/fetchAndLock", body, &locked); err != nil {
		return nil, err
	}

	tasks := make([]*api.ExternalTask, 0, len(locked))
	for _, lt := range locked {
		tasks = append(tasks, lt.toTask())
	}
	return tasks, nil
}

type completeRequest struct {
	WorkerID       string                `json:"workerId"`
	Variables      map[string]TypedValue `json:"variables,omitempty"`
	LocalVariables map[string]TypedValue `json:"localVariables,omitempty"`
}

// Complete implements api.EngineClient.
func (c *Client) Complete(ctx context.Context, taskID, workerID string, vars, localVars map[string]any) error {
	v, err := EncodeVariables(vars)
	if err != nil {
		return err
	}
	lv, err := EncodeVariables(localVars)
	if err != nil {
		return err
	}
	body := completeRequest{WorkerID: workerID, Variables: v, LocalVariables: lv}
	return c.post(ctx, c.opts.RequestTimeout, taskPath(taskID, "complete"), body, nil)
}

type failureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// HandleFailure implements api.EngineClient.
func (c *Client) HandleFailure(ctx context.Context, taskID, workerID string, report api.FailureReport) error {
	body := failureRequest{
		WorkerID:     workerID,
		ErrorMessage: report.ErrorMessage,
		ErrorDetails: report.ErrorDetails,
		Retries:      report.Retries,
		RetryTimeout: report.RetryTimeout.Milliseconds(),
	}
	return c.post(ctx, c.opts.RequestTimeout, taskPath(taskID, "failure"), body, nil)
}

type bpmnErrorRequest struct {
	WorkerID     string                `json:"workerId"`
	ErrorCode    string                `json:"errorCode"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
	Variables    map[string]TypedValue `json:"variables,omitempty"`
}

// HandleBpmnError implements api.EngineClient.
func (c *Client) HandleBpmnError(ctx context.Context, taskID, workerID, errorCode, errorMessage string, vars map[string]any) error {
	v, err := EncodeVariables(vars)
	if err != nil {
		return err
	}
	body := bpmnErrorRequest{WorkerID: workerID, ErrorCode: errorCode, ErrorMessage: errorMessage, Variables: v}
	return c.post(ctx, c.opts.RequestTimeout, taskPath(taskID, "bpmnError"), body, nil)
}

type extendLockRequest struct {
	WorkerID    string `json:"workerId"`
	NewDuration int64  `json:"newDuration"`
}

// ExtendLock implements api.LockManager.
func (c *Client) ExtendLock(ctx context.Context, taskID, workerID string, newDuration time.Duration) error {
	body := extendLockRequest{WorkerID: workerID, NewDuration: newDuration.Milliseconds()}
	return c.post(ctx, c.opts.RequestTimeout, taskPath(taskID, "extendLock"), body, nil)
}

// Unlock implements api.LockManager.
func (c *Client) Unlock(ctx context.Context, taskID string) error {
	return c.post(ctx, c.opts.RequestTimeout, taskPath(taskID, "unlock"), nil, nil)
}

func taskPath(taskID, action string) string {
	return "/external-task/" + url.PathEscape(taskID) + "/" + action
}

func (c *Client) post(ctx context.Context, timeout time.Duration, path string, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rest: %s: encode request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.opts.Logger.Debug("engine request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classify(path, resp.StatusCode, raw)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: %s: decode response: %w", path, err)
	}
	return nil
}
