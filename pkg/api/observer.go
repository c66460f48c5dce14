package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from workers for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task handling. Callbacks for different
// tasks may arrive concurrently.
type Observer interface {
	// OnTaskFetched is called for every task returned by fetch-and-lock,
	// before its handler runs.
	OnTaskFetched(ctx context.Context, task *ExternalTask)

	// OnTaskHandled is called after an outcome was reported successfully.
	OnTaskHandled(ctx context.Context, task *ExternalTask, outcome Outcome, duration time.Duration)

	// OnHandlerFault is called when a handler returned an error, panicked
	// or returned no outcome.
	OnHandlerFault(ctx context.Context, task *ExternalTask, err error)

	// OnReportFailed is called when the engine rejected an outcome report.
	OnReportFailed(ctx context.Context, task *ExternalTask, outcome Outcome, err error)

	// OnFetchFailed is called when a fetch-and-lock call failed.
	OnFetchFailed(ctx context.Context, topic, workerID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskFetched(ctx context.Context, task *ExternalTask) {}
func (NoopObserver) OnTaskHandled(ctx context.Context, task *ExternalTask, outcome Outcome, d time.Duration) {
}
func (NoopObserver) OnHandlerFault(ctx context.Context, task *ExternalTask, err error) {}
func (NoopObserver) OnReportFailed(ctx context.Context, task *ExternalTask, outcome Outcome, err error) {
}
func (NoopObserver) OnFetchFailed(ctx context.Context, topic, workerID string, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskFetched(ctx context.Context, task *ExternalTask) {
	for _, o := range c.observers {
		o.OnTaskFetched(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskHandled(ctx context.Context, task *ExternalTask, outcome Outcome, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskHandled(ctx, task, outcome, d)
	}
}

func (c *CompositeObserver) OnHandlerFault(ctx context.Context, task *ExternalTask, err error) {
	for _, o := range c.observers {
		o.OnHandlerFault(ctx, task, err)
	}
}

func (c *CompositeObserver) OnReportFailed(ctx context.Context, task *ExternalTask, outcome Outcome, err error) {
	for _, o := range c.observers {
		o.OnReportFailed(ctx, task, outcome, err)
	}
}

func (c *CompositeObserver) OnFetchFailed(ctx context.Context, topic, workerID string, err error) {
	for _, o := range c.observers {
		o.OnFetchFailed(ctx, topic, workerID, err)
	}
}

// LoggingObserver writes task lifecycle events to a zap.Logger.
// Lifecycle events are logged at debug level; faults and failures at
// warn/error level.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events.
// If logger is nil, the global zap logger is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func taskFields(task *ExternalTask) []zap.Field {
	return []zap.Field{
		zap.String("worker_id", task.WorkerID),
		zap.String("task_id", task.ID),
		zap.String("topic", task.TopicName),
	}
}

func (o *LoggingObserver) OnTaskFetched(ctx context.Context, task *ExternalTask) {
	o.Logger.Debug("task_fetched", taskFields(task)...)
}

func (o *LoggingObserver) OnTaskHandled(ctx context.Context, task *ExternalTask, outcome Outcome, d time.Duration) {
	o.Logger.Debug("task_handled", append(taskFields(task),
		zap.String("state", string(outcome.State())),
		zap.Duration("duration", d),
	)...)
}

func (o *LoggingObserver) OnHandlerFault(ctx context.Context, task *ExternalTask, err error) {
	o.Logger.Warn("handler_fault", append(taskFields(task), zap.Error(err))...)
}

func (o *LoggingObserver) OnReportFailed(ctx context.Context, task *ExternalTask, outcome Outcome, err error) {
	o.Logger.Error("report_failed", append(taskFields(task),
		zap.String("state", string(outcome.State())),
		zap.Error(err),
	)...)
}

func (o *LoggingObserver) OnFetchFailed(ctx context.Context, topic, workerID string, err error) {
	o.Logger.Error("fetch_failed",
		zap.String("worker_id", workerID),
		zap.String("topic", topic),
		zap.Error(err),
	)
}

// BasicMetrics collects simple counters and aggregate handler durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksFetched    atomic.Int64
	tasksCompleted  atomic.Int64
	tasksFailed     atomic.Int64
	bpmnErrors      atomic.Int64
	handlerFaults   atomic.Int64
	reportFailures  atomic.Int64
	fetchFailures   atomic.Int64
	totalHandleTime atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksFetched   int64
	TasksCompleted int64
	TasksFailed    int64
	BpmnErrors     int64
	HandlerFaults  int64
	ReportFailures int64
	FetchFailures  int64

	// InFlight is fetched tasks whose outcome was neither reported nor
	// rejected yet.
	InFlight int64

	AvgHandleDuration time.Duration
}

func (m *BasicMetrics) OnTaskFetched(ctx context.Context, task *ExternalTask) {
	m.tasksFetched.Add(1)
}

func (m *BasicMetrics) OnTaskHandled(ctx context.Context, task *ExternalTask, outcome Outcome, d time.Duration) {
	switch outcome.(type) {
	case CompleteOutcome:
		m.tasksCompleted.Add(1)
	case FailureOutcome:
		m.tasksFailed.Add(1)
	case BpmnErrorOutcome:
		m.bpmnErrors.Add(1)
	}
	m.totalHandleTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnHandlerFault(ctx context.Context, task *ExternalTask, err error) {
	m.handlerFaults.Add(1)
}

func (m *BasicMetrics) OnReportFailed(ctx context.Context, task *ExternalTask, outcome Outcome, err error) {
	m.reportFailures.Add(1)
}

func (m *BasicMetrics) OnFetchFailed(ctx context.Context, topic, workerID string, err error) {
	m.fetchFailures.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	fetched := m.tasksFetched.Load()
	completed := m.tasksCompleted.Load()
	failed := m.tasksFailed.Load()
	bpmn := m.bpmnErrors.Load()
	rejected := m.reportFailures.Load()

	var avg time.Duration
	if handled := completed + failed + bpmn; handled > 0 {
		avg = time.Duration(m.totalHandleTime.Load() / handled)
	}

	return BasicMetricsSnapshot{
		TasksFetched:      fetched,
		TasksCompleted:    completed,
		TasksFailed:       failed,
		BpmnErrors:        bpmn,
		HandlerFaults:     m.handlerFaults.Load(),
		ReportFailures:    rejected,
		FetchFailures:     m.fetchFailures.Load(),
		InFlight:          fetched - completed - failed - bpmn - rejected,
		AvgHandleDuration: avg,
	}
}
