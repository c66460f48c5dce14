package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// MemoryEngine keeps tasks in memory. It is safe for concurrent use.
type MemoryEngine struct {
	opts Options
	seq  sequencer

	mu      sync.Mutex
	tasks   map[string]*TaskRecord
	changed chan struct{}
}

var _ Engine = (*MemoryEngine)(nil)

// NewInMemoryEngine returns an empty MemoryEngine.
func NewInMemoryEngine(opts ...Option) *MemoryEngine {
	return &MemoryEngine{
		opts:    applyOptions(opts),
		tasks:   make(map[string]*TaskRecord),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes long-polling fetchers. e.mu must be held.
func (e *MemoryEngine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *MemoryEngine) changedCh() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// Publish stores a new open task and returns its id.
func (e *MemoryEngine) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if err := validatePublish(req); err != nil {
		return "", err
	}
	rec := newRecord(uuid.NewString(), req, e.seq.next(e.opts.Now()))

	e.mu.Lock()
	e.tasks[rec.ID] = rec
	e.notifyLocked()
	e.mu.Unlock()

	e.opts.Logger.Debug("task published", zap.String("task_id", rec.ID), zap.String("topic", rec.Topic))
	return rec.ID, nil
}

// Get returns a copy of the task with the given id.
func (e *MemoryEngine) Get(ctx context.Context, id string) (*TaskRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("engine: task %s: %w", id, api.ErrTaskNotFound)
	}
	return rec.clone(), nil
}

// List returns copies of the matching tasks in creation order.
func (e *MemoryEngine) List(ctx context.Context, filter Filter) ([]*TaskRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*TaskRecord
	for _, rec := range e.tasks {
		if filter.match(rec) {
			out = append(out, rec.clone())
		}
	}
	sortCandidates(out, false)
	return out, nil
}

// FetchAndLock implements api.EngineClient.
func (e *MemoryEngine) FetchAndLock(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	if err := validateFetch(req); err != nil {
		return nil, err
	}
	return longPoll(ctx, req.AsyncResponseTimeout, e.opts.PollInterval, e.changedCh, func() ([]*api.ExternalTask, error) {
		return e.claim(req), nil
	})
}

func (e *MemoryEngine) claim(req api.FetchAndLockRequest) []*api.ExternalTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now()
	var candidates []*TaskRecord
	for _, rec := range e.tasks {
		if _, ok := topicFor(req, rec); ok && rec.fetchable(now) {
			candidates = append(candidates, rec)
		}
	}
	sortCandidates(candidates, req.UsePriority)
	if len(candidates) > req.MaxTasks {
		candidates = candidates[:req.MaxTasks]
	}

	tasks := make([]*api.ExternalTask, 0, len(candidates))
	for _, rec := range candidates {
		topic, _ := topicFor(req, rec)
		lock(rec, req.WorkerID, topic.LockDuration, now)
		tasks = append(tasks, toExternalTask(rec, topic))
	}
	if len(tasks) > 0 {
		e.opts.Logger.Debug("tasks locked", zap.String("worker_id", req.WorkerID), zap.Int("count", len(tasks)))
	}
	return tasks
}

// update runs fn on the task after checking that workerID holds its lock.
func (e *MemoryEngine) update(id, workerID string, fn func(rec *TaskRecord, now time.Time) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now()
	rec := e.tasks[id]
	if err := checkLock(rec, id, workerID, now); err != nil {
		return err
	}

	// Work on a copy so a rejected update leaves the record untouched.
	next := rec.clone()
	if err := fn(next, now); err != nil {
		return err
	}
	e.tasks[id] = next
	e.notifyLocked()
	return nil
}

// Complete implements api.EngineClient.
func (e *MemoryEngine) Complete(ctx context.Context, taskID, workerID string, vars, localVars map[string]any) error {
	return e.update(taskID, workerID, func(rec *TaskRecord, _ time.Time) error {
		applyComplete(rec, vars, localVars)
		return nil
	})
}

// HandleFailure implements api.EngineClient. A report with zero retries
// raises an incident.
func (e *MemoryEngine) HandleFailure(ctx context.Context, taskID, workerID string, report api.FailureReport) error {
	err := e.update(taskID, workerID, func(rec *TaskRecord, now time.Time) error {
		return applyFailure(rec, report, now)
	})
	if err == nil && report.Retries == 0 {
		e.opts.Logger.Info("incident raised", zap.String("task_id", taskID), zap.String("error", report.ErrorMessage))
	}
	return err
}

// HandleBpmnError implements api.EngineClient.
func (e *MemoryEngine) HandleBpmnError(ctx context.Context, taskID, workerID, errorCode, errorMessage string, vars map[string]any) error {
	return e.update(taskID, workerID, func(rec *TaskRecord, _ time.Time) error {
		return applyBpmnError(rec, errorCode, errorMessage, vars)
	})
}

// ExtendLock implements api.LockManager.
func (e *MemoryEngine) ExtendLock(ctx context.Context, taskID, workerID string, newDuration time.Duration) error {
	return e.update(taskID, workerID, func(rec *TaskRecord, now time.Time) error {
		return applyExtendLock(rec, newDuration, now)
	})
}

// Unlock implements api.LockManager. It releases the lock whoever holds it.
func (e *MemoryEngine) Unlock(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.tasks[taskID]
	if !ok || rec.State != StateOpen {
		return fmt.Errorf("engine: task %s: %w", taskID, api.ErrNotFoundOrLockExpired)
	}
	unlock(rec)
	e.notifyLocked()
	return nil
}
