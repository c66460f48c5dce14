package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

var (
	// ErrNoOutcome is the handler fault recorded when a handler returns
	// neither an outcome nor an error.
	ErrNoOutcome = errors.New("worker: handler returned no outcome")

	// ErrInvalidSubscription is returned by Subscribe for an empty topic or
	// a nil handler.
	ErrInvalidSubscription = errors.New("worker: invalid subscription")

	// ErrUndecodableVariables is the fault recorded for a task whose
	// variables the transport could not decode. Its handler is not run.
	ErrUndecodableVariables = errors.New("worker: task variables could not be decoded")
)

// Messages of the failures reported on behalf of faulty handlers.
const (
	HandlerFailedMessage   = "task handler failed"
	HandlerPanickedMessage = "task handler panicked"
	UndecodableMessage     = "task variables could not be decoded"
)

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: handler panicked: %v", e.Value)
}

// Worker polls one topic of a workflow engine, dispatches every locked task
// to a handler and reports the outcome.
type Worker struct {
	client api.EngineClient
	opts   Options

	// sleep pauses between poll cycles. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration)

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a Worker that talks to the engine through client.
func New(client api.EngineClient, options ...Option) *Worker {
	return &Worker{
		client: client,
		opts:   applyOptions(defaultOptions(), options...),
		sleep:  sleepContext,
		active: make(map[string]struct{}),
	}
}

// ID returns the worker id used for locking.
func (w *Worker) ID() string { return w.opts.ID }

// Config returns the worker's base configuration.
func (w *Worker) Config() api.Config { return api.ApplyConfigOptions(w.opts.Config) }

// Subscribe polls topic until ctx is cancelled, handing every fetched task
// to handler. opts override the worker's Config for this topic.
//
// Cancellation is checked between poll cycles only: a cycle in progress
// finishes its fetch, runs every handler of the batch to completion and
// reports every outcome before Subscribe returns nil.
//
// Transient fetch and report errors are logged and never end the loop. An
// error wrapping api.ErrTransportMisconfigured is returned.
func (w *Worker) Subscribe(ctx context.Context, topic string, handler api.Handler, opts ...api.ConfigOption) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidSubscription)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for topic %q", ErrInvalidSubscription, topic)
	}
	cfg := api.ApplyConfigOptions(w.opts.Config, opts...)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("worker: topic %q: %w", topic, err)
	}

	log := w.opts.Logger.With(zap.String("worker_id", w.opts.ID), zap.String("topic", topic))
	log.Info("subscribed",
		zap.Int("max_tasks", cfg.MaxTasks),
		zap.Duration("lock_duration", cfg.LockDuration),
		zap.Duration("sleep_interval", cfg.SleepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("subscription stopped")
			return nil
		default:
		}

		if _, err := w.poll(ctx, topic, handler, cfg, log); err != nil {
			if errors.Is(err, api.ErrTransportMisconfigured) {
				log.Error("fetch and lock failed, giving up", zap.Error(err))
				return fmt.Errorf("worker %s: topic %q: %w", w.opts.ID, topic, err)
			}
			log.Warn("fetch and lock failed", zap.Error(err))
		}

		w.sleep(ctx, cfg.SleepInterval)
	}
}

// PollOnce runs a single fetch-dispatch-report cycle for topic without
// sleeping. It returns the number of tasks dispatched to handler and the
// fetch error, if any. Tasks the engine locked before failing are still
// dispatched, so both may be set.
func (w *Worker) PollOnce(ctx context.Context, topic string, handler api.Handler, opts ...api.ConfigOption) (int, error) {
	if topic == "" || handler == nil {
		return 0, ErrInvalidSubscription
	}
	cfg := api.ApplyConfigOptions(w.opts.Config, opts...)
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	log := w.opts.Logger.With(zap.String("worker_id", w.opts.ID), zap.String("topic", topic))
	return w.poll(ctx, topic, handler, cfg, log)
}

func (w *Worker) poll(ctx context.Context, topic string, handler api.Handler, cfg api.Config, log *zap.Logger) (int, error) {
	// Neither the fetch nor the handling below may be cut short by
	// cancellation; in-flight work always runs to its report.
	runCtx := context.WithoutCancel(ctx)

	tasks, err := w.client.FetchAndLock(runCtx, api.NewFetchAndLockRequest(w.opts.ID, topic, cfg))
	if err != nil {
		w.notify(log, "fetch_failed", func(o api.Observer) { o.OnFetchFailed(runCtx, topic, w.opts.ID, err) })
		if len(tasks) == 0 {
			return 0, err
		}
		// Tasks locked before the error are ours; leaving them unhandled
		// would strand them until their lock expires.
		log.Warn("fetch and lock failed after locking tasks, handling them",
			zap.Int("count", len(tasks)),
			zap.Error(err),
		)
	}
	if len(tasks) == 0 {
		log.Debug("no tasks available")
		return 0, nil
	}
	log.Debug("tasks fetched", zap.Int("count", len(tasks)))

	var wg sync.WaitGroup
	dispatched := 0
	for _, task := range tasks {
		if task == nil {
			continue
		}
		if task.WorkerID == "" {
			task.WorkerID = w.opts.ID
		}
		if task.TopicName == "" {
			task.TopicName = topic
		}
		if !w.acquire(task.ID) {
			log.Warn("task already being handled, skipping", zap.String("task_id", task.ID))
			continue
		}

		dispatched++
		wg.Add(1)
		go func(task *api.ExternalTask) {
			defer wg.Done()
			defer w.release(task.ID)
			w.execute(runCtx, task, handler, cfg, log.With(zap.String("task_id", task.ID)))
		}(task)
	}
	wg.Wait()

	return dispatched, err
}

// acquire marks id as active. It fails if id is already active.
func (w *Worker) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.active[id]; busy {
		return false
	}
	w.active[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

func (w *Worker) execute(ctx context.Context, task *api.ExternalTask, handler api.Handler, cfg api.Config, log *zap.Logger) {
	w.notify(log, "task_fetched", func(o api.Observer) { o.OnTaskFetched(ctx, task) })
	start := time.Now()

	var (
		outcome api.Outcome
		err     error
	)
	if task.DecodeError != nil {
		err = fmt.Errorf("%w: %w", ErrUndecodableVariables, task.DecodeError)
	} else {
		outcome, err = w.invoke(ctx, task, handler)
	}
	if err != nil {
		log.Error("task handler failed", zap.Error(err))
		w.notify(log, "handler_fault", func(o api.Observer) { o.OnHandlerFault(ctx, task, err) })
		outcome = faultOutcome(err)
	}
	outcome = resolveOutcome(outcome, task, cfg)

	if err := w.report(ctx, task, outcome); err != nil {
		// Not retried: the lock expires on the engine side and the task
		// becomes fetchable again.
		log.Error("failed to report task outcome",
			zap.String("state", string(outcome.State())),
			zap.Error(err),
		)
		w.notify(log, "report_failed", func(o api.Observer) { o.OnReportFailed(ctx, task, outcome, err) })
		return
	}

	d := time.Since(start)
	fields := []zap.Field{zap.String("state", string(outcome.State())), zap.Duration("duration", d)}
	if f, ok := outcome.(api.FailureOutcome); ok {
		fields = append(fields, zap.Int("retries", *f.Retries))
	}
	log.Info("task outcome reported", fields...)
	w.notify(log, "task_handled", func(o api.Observer) { o.OnTaskHandled(ctx, task, outcome, d) })
}

// notify delivers one observer event. A panicking observer is logged and
// never aborts the cycle.
func (w *Worker) notify(log *zap.Logger, event string, fn func(api.Observer)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("observer panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn(w.opts.Observer)
}

// invoke runs handler, turning panics and missing outcomes into errors.
func (w *Worker) invoke(ctx context.Context, task *api.ExternalTask, handler api.Handler) (outcome api.Outcome, err error) {
	if w.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	outcome, err = handler(ctx, task)
	if err == nil && isNilOutcome(outcome) {
		err = ErrNoOutcome
	}
	return outcome, err
}

// isNilOutcome also catches nil pointers to the outcome structs.
func isNilOutcome(outcome api.Outcome) bool {
	switch o := outcome.(type) {
	case nil:
		return true
	case *api.CompleteOutcome:
		return o == nil
	case *api.FailureOutcome:
		return o == nil
	case *api.BpmnErrorOutcome:
		return o == nil
	}
	return false
}

func faultOutcome(err error) api.Outcome {
	var pe *PanicError
	if errors.As(err, &pe) {
		return api.FailureOutcome{
			ErrorMessage: HandlerPanickedMessage,
			ErrorDetails: fmt.Sprintf("%v\n%s", pe.Value, pe.Stack),
		}
	}
	if errors.Is(err, ErrUndecodableVariables) {
		return api.FailureOutcome{
			ErrorMessage: UndecodableMessage,
			ErrorDetails: err.Error(),
		}
	}
	return api.FailureOutcome{
		ErrorMessage: HandlerFailedMessage,
		ErrorDetails: err.Error(),
	}
}

// resolveOutcome normalizes pointer outcomes and fills in the failure
// bookkeeping the handler left to the worker.
func resolveOutcome(outcome api.Outcome, task *api.ExternalTask, cfg api.Config) api.Outcome {
	switch o := outcome.(type) {
	case *api.CompleteOutcome:
		outcome = *o
	case *api.FailureOutcome:
		outcome = *o
	case *api.BpmnErrorOutcome:
		outcome = *o
	}

	f, ok := outcome.(api.FailureOutcome)
	if !ok {
		return outcome
	}

	retries := api.RemainingRetries(task, cfg.DefaultRetries)
	if f.Retries != nil {
		retries = max(*f.Retries, 0)
	}
	timeout := cfg.RetryTimeout
	if f.RetryTimeout != nil {
		timeout = max(*f.RetryTimeout, 0)
	}
	f.Retries = &retries
	f.RetryTimeout = &timeout
	return f
}

func (w *Worker) report(ctx context.Context, task *api.ExternalTask, outcome api.Outcome) error {
	switch o := outcome.(type) {
	case api.CompleteOutcome:
		return w.client.Complete(ctx, task.ID, w.opts.ID, o.Variables, o.LocalVariables)
	case api.FailureOutcome:
		return w.client.HandleFailure(ctx, task.ID, w.opts.ID, api.FailureReport{
			ErrorMessage: o.ErrorMessage,
			ErrorDetails: o.ErrorDetails,
			Retries:      *o.Retries,
			RetryTimeout: *o.RetryTimeout,
		})
	case api.BpmnErrorOutcome:
		return w.client.HandleBpmnError(ctx, task.ID, w.opts.ID, o.ErrorCode, o.ErrorMessage, o.Variables)
	default:
		return fmt.Errorf("worker: unsupported outcome %T", outcome)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
