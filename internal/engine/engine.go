// Package engine is an embedded external task engine. It plays the
// workflow engine's side of the external task protocol for local runs,
// tests and single-process deployments.
//
// Two stores share the same semantics: MemoryEngine keeps tasks in maps and
// SQLEngine persists them in SQLite or PostgreSQL.
package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// State is the lifecycle state of a stored task.
type State string

const (
	// StateOpen tasks are waiting for a worker or locked by one.
	StateOpen State = "open"
	// StateCompleted tasks were completed by a worker.
	StateCompleted State = "completed"
	// StateBpmnError tasks ended with a business error.
	StateBpmnError State = "bpmn_error"
	// StateIncident tasks ran out of retries and are no longer fetchable.
	StateIncident State = "incident"
)

// TaskRecord is the stored form of one external task.
type TaskRecord struct {
	ID    string
	Topic string
	State State

	Variables      map[string]any
	LocalVariables map[string]any

	// Retries is nil until the first failure report.
	Retries      *int
	ErrorMessage string
	ErrorDetails string
	ErrorCode    string

	Priority             int64
	BusinessKey          string
	ProcessInstanceID    string
	ProcessDefinitionKey string
	ActivityID           string

	// WorkerID and LockExpiresAt describe the current lock. An empty WorkerID
	// means unlocked.
	WorkerID      string
	LockExpiresAt time.Time

	NotBefore time.Time
	CreatedAt time.Time
}

// Locked reports whether the record holds an unexpired lock at now.
func (r *TaskRecord) Locked(now time.Time) bool {
	return r.WorkerID != "" && r.LockExpiresAt.After(now)
}

func (r *TaskRecord) fetchable(now time.Time) bool {
	return r.State == StateOpen && !r.Locked(now) && !r.NotBefore.After(now)
}

func (r *TaskRecord) clone() *TaskRecord {
	c := *r
	c.Variables = maps.Clone(r.Variables)
	c.LocalVariables = maps.Clone(r.LocalVariables)
	if r.Retries != nil {
		n := *r.Retries
		c.Retries = &n
	}
	return &c
}

// PublishRequest creates a task.
type PublishRequest struct {
	Topic     string
	Variables map[string]any

	// Retries seeds the retry count. Nil leaves it to the worker's default.
	Retries *int

	Priority             int64
	BusinessKey          string
	ProcessInstanceID    string
	ProcessDefinitionKey string
	ActivityID           string

	// NotBefore delays the first fetch. Zero means immediately.
	NotBefore time.Time
}

// Filter selects records in List. Empty fields match everything.
type Filter struct {
	Topic       string
	State       State
	BusinessKey string
}

func (f Filter) match(r *TaskRecord) bool {
	return (f.Topic == "" || f.Topic == r.Topic) &&
		(f.State == "" || f.State == r.State) &&
		(f.BusinessKey == "" || f.BusinessKey == r.BusinessKey)
}

// Engine is the embedded engine API. Both stores implement it.
type Engine interface {
	api.EngineClient
	api.LockManager

	Publish(ctx context.Context, req PublishRequest) (string, error)
	Get(ctx context.Context, id string) (*TaskRecord, error)
	List(ctx context.Context, filter Filter) ([]*TaskRecord, error)
}

// DefaultPollInterval is how often a long-polling fetch re-checks the store.
const DefaultPollInterval = 20 * time.Millisecond

// Options configures an engine.
type Options struct {
	// Now is the engine clock. Lock expiry and retry timeouts are measured
	// against it.
	Now          func() time.Time
	PollInterval time.Duration
	Logger       *zap.Logger
}

func defaultOptions() Options {
	return Options{
		Now:          time.Now,
		PollInterval: DefaultPollInterval,
		Logger:       zap.NewNop(),
	}
}

// Option defines a functional option for configuring an engine.
type Option func(Options) Options

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) Option {
	return func(o Options) Options {
		if now != nil {
			o.Now = now
		}
		return o
	}
}

// WithPollInterval sets the long-poll re-check interval.
func WithPollInterval(d time.Duration) Option {
	return func(o Options) Options {
		if d > 0 {
			o.PollInterval = d
		}
		return o
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o Options) Options {
		if l != nil {
			o.Logger = l
		}
		return o
	}
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			o = fn(o)
		}
	}
	return o
}

// sequencer hands out strictly increasing creation timestamps so that
// creation order survives a coarse or frozen clock.
type sequencer struct {
	mu   sync.Mutex
	last int64
}

func (s *sequencer) next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := now.UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return time.Unix(0, n)
}

func validatePublish(req PublishRequest) error {
	if req.Topic == "" {
		return fmt.Errorf("engine: %w: empty topic", api.ErrInvalidConfig)
	}
	if req.Retries != nil && *req.Retries < 0 {
		return fmt.Errorf("engine: %w: negative retries", api.ErrInvalidConfig)
	}
	return nil
}

func newRecord(id string, req PublishRequest, created time.Time) *TaskRecord {
	rec := &TaskRecord{
		ID:                   id,
		Topic:                req.Topic,
		State:                StateOpen,
		Variables:            maps.Clone(req.Variables),
		LocalVariables:       map[string]any{},
		Priority:             req.Priority,
		BusinessKey:          req.BusinessKey,
		ProcessInstanceID:    req.ProcessInstanceID,
		ProcessDefinitionKey: req.ProcessDefinitionKey,
		ActivityID:           req.ActivityID,
		NotBefore:            req.NotBefore,
		CreatedAt:            created,
	}
	if rec.Variables == nil {
		rec.Variables = map[string]any{}
	}
	if req.Retries != nil {
		n := *req.Retries
		rec.Retries = &n
	}
	return rec
}

func validateFetch(req api.FetchAndLockRequest) error {
	switch {
	case req.WorkerID == "":
		return fmt.Errorf("engine: %w: empty worker id", api.ErrInvalidConfig)
	case req.MaxTasks < 1:
		return fmt.Errorf("engine: %w: max tasks must be >= 1", api.ErrInvalidConfig)
	case len(req.Topics) == 0:
		return fmt.Errorf("engine: %w: no topics", api.ErrInvalidConfig)
	}
	for _, t := range req.Topics {
		if t.Name == "" || t.LockDuration <= 0 {
			return fmt.Errorf("engine: %w: topic %q needs a name and a positive lock duration", api.ErrInvalidConfig, t.Name)
		}
	}
	return nil
}

// topicFor returns the topic request that selects rec, if any.
func topicFor(req api.FetchAndLockRequest, rec *TaskRecord) (api.TopicRequest, bool) {
	for _, t := range req.Topics {
		if t.Name == rec.Topic && (t.BusinessKey == "" || t.BusinessKey == rec.BusinessKey) {
			return t, true
		}
	}
	return api.TopicRequest{}, false
}

// sortCandidates orders fetchable records by priority (when requested) and
// creation order.
func sortCandidates(recs []*TaskRecord, usePriority bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		if usePriority && recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func lock(rec *TaskRecord, workerID string, d time.Duration, now time.Time) {
	rec.WorkerID = workerID
	rec.LockExpiresAt = now.Add(d)
}

func unlock(rec *TaskRecord) {
	rec.WorkerID = ""
	rec.LockExpiresAt = time.Time{}
}

// toExternalTask builds the task handed to a worker, restricted to the
// variables the topic asked for.
func toExternalTask(rec *TaskRecord, topic api.TopicRequest) *api.ExternalTask {
	vars := make(map[string]any, len(rec.Variables))
	if len(topic.Variables) == 0 {
		maps.Copy(vars, rec.Variables)
	} else {
		for _, name := range topic.Variables {
			if v, ok := rec.Variables[name]; ok {
				vars[name] = v
			}
		}
	}

	task := &api.ExternalTask{
		ID:                   rec.ID,
		WorkerID:             rec.WorkerID,
		TopicName:            rec.Topic,
		Variables:            vars,
		LockExpirationTime:   rec.LockExpiresAt,
		BusinessKey:          rec.BusinessKey,
		ProcessInstanceID:    rec.ProcessInstanceID,
		ProcessDefinitionKey: rec.ProcessDefinitionKey,
		ActivityID:           rec.ActivityID,
		Priority:             rec.Priority,
		ErrorMessage:         rec.ErrorMessage,
		ErrorDetails:         rec.ErrorDetails,
	}
	if rec.Retries != nil {
		n := *rec.Retries
		task.Retries = &n
	}
	return task
}

// checkLock fails unless workerID holds an unexpired lock on rec.
func checkLock(rec *TaskRecord, id, workerID string, now time.Time) error {
	if rec == nil || rec.State != StateOpen || rec.WorkerID != workerID || !rec.Locked(now) {
		return fmt.Errorf("engine: task %s, worker %s: %w", id, workerID, api.ErrNotFoundOrLockExpired)
	}
	return nil
}

func applyComplete(rec *TaskRecord, vars, localVars map[string]any) {
	maps.Copy(rec.Variables, vars)
	maps.Copy(rec.LocalVariables, localVars)
	rec.State = StateCompleted
	unlock(rec)
}

func applyFailure(rec *TaskRecord, report api.FailureReport, now time.Time) error {
	if report.Retries < 0 {
		return fmt.Errorf("engine: %w: negative retries", api.ErrInvalidConfig)
	}
	retries := report.Retries
	rec.Retries = &retries
	rec.ErrorMessage = report.ErrorMessage
	rec.ErrorDetails = report.ErrorDetails
	rec.NotBefore = now.Add(max(report.RetryTimeout, 0))
	unlock(rec)
	if retries == 0 {
		rec.State = StateIncident
	}
	return nil
}

func applyBpmnError(rec *TaskRecord, code, message string, vars map[string]any) error {
	if code == "" {
		return fmt.Errorf("engine: %w: empty error code", api.ErrInvalidConfig)
	}
	maps.Copy(rec.Variables, vars)
	rec.ErrorCode = code
	rec.ErrorMessage = message
	rec.State = StateBpmnError
	unlock(rec)
	return nil
}

func applyExtendLock(rec *TaskRecord, d time.Duration, now time.Time) error {
	if d <= 0 {
		return fmt.Errorf("engine: %w: lock duration must be > 0", api.ErrInvalidConfig)
	}
	rec.LockExpiresAt = now.Add(d)
	return nil
}

// longPoll calls claim until it returns tasks, timeout elapses or ctx is
// done. changed, when non-nil, returns a channel closed on the next store
// change so waiters wake before the poll interval.
func longPoll(
	ctx context.Context,
	timeout, interval time.Duration,
	changed func() <-chan struct{},
	claim func() ([]*api.ExternalTask, error),
) ([]*api.ExternalTask, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	tick := time.NewTimer(interval)
	defer tick.Stop()

	for {
		var wake <-chan struct{}
		if changed != nil {
			wake = changed()
		}

		tasks, err := claim()
		if err != nil || len(tasks) > 0 || deadline == nil {
			return tasks, err
		}

		if !tick.Stop() {
			select {
			case <-tick.C:
			default:
			}
		}
		tick.Reset(interval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		case <-tick.C:
		}
	}
}
