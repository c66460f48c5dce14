package api

import (
	"context"
	"time"
)

// TopicRequest selects one topic in a fetch-and-lock call.
type TopicRequest struct {
	Name         string
	LockDuration time.Duration

	// Variables restricts the returned variables. Empty means all.
	Variables []string

	// BusinessKey restricts the fetch to one business key. Empty means any.
	BusinessKey string
}

// FetchAndLockRequest describes one fetch-and-lock call.
type FetchAndLockRequest struct {
	WorkerID             string
	MaxTasks             int
	UsePriority          bool
	AsyncResponseTimeout time.Duration
	Topics               []TopicRequest
}

// NewFetchAndLockRequest builds the request a worker sends for one topic.
func NewFetchAndLockRequest(workerID, topic string, cfg Config) FetchAndLockRequest {
	return FetchAndLockRequest{
		WorkerID:             workerID,
		MaxTasks:             cfg.MaxTasks,
		UsePriority:          cfg.UsePriority,
		AsyncResponseTimeout: cfg.AsyncResponseTimeout,
		Topics: []TopicRequest{{
			Name:         topic,
			LockDuration: cfg.LockDuration,
			Variables:    append([]string(nil), cfg.Variables...),
			BusinessKey:  cfg.BusinessKey,
		}},
	}
}

// FailureReport is the payload of a failure report.
type FailureReport struct {
	ErrorMessage string
	ErrorDetails string
	Retries      int
	RetryTimeout time.Duration
}

// EngineClient is the transport to the workflow engine.
//
// Implementations must be safe for concurrent use: every worker of a pool
// shares one client.
type EngineClient interface {
	// FetchAndLock returns up to MaxTasks tasks, each already locked for
	// WorkerID. It may block up to AsyncResponseTimeout waiting for work and
	// returns an empty slice when none arrived. Tasks returned alongside an
	// error are locked and must still be handled.
	FetchAndLock(ctx context.Context, req FetchAndLockRequest) ([]*ExternalTask, error)

	// Complete completes a locked task.
	Complete(ctx context.Context, taskID, workerID string, vars, localVars map[string]any) error

	// HandleFailure reports a technical failure. Retries == 0 makes the
	// failure terminal; surfacing it as an incident is the engine's job.
	HandleFailure(ctx context.Context, taskID, workerID string, report FailureReport) error

	// HandleBpmnError reports a business error.
	HandleBpmnError(ctx context.Context, taskID, workerID, errorCode, errorMessage string, vars map[string]any) error
}

// LockManager is implemented by clients that can extend or release locks.
type LockManager interface {
	ExtendLock(ctx context.Context, taskID, workerID string, newDuration time.Duration) error
	Unlock(ctx context.Context, taskID string) error
}
