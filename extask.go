package extask

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/petrijr/extask/internal/engine"
	"github.com/petrijr/extask/pkg/api"
	"github.com/petrijr/extask/pkg/pool"
	"github.com/petrijr/extask/pkg/rest"
	"github.com/petrijr/extask/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Config               = api.Config
	ConfigOption         = api.ConfigOption
	ExternalTask         = api.ExternalTask
	Handler              = api.Handler
	Subscription         = api.Subscription
	Outcome              = api.Outcome
	CompleteOutcome      = api.CompleteOutcome
	FailureOutcome       = api.FailureOutcome
	BpmnErrorOutcome     = api.BpmnErrorOutcome
	TaskState            = api.TaskState
	EngineClient         = api.EngineClient
	LockManager          = api.LockManager
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Embedded engine types.

type (
	Engine         = engine.Engine
	TaskRecord     = engine.TaskRecord
	PublishRequest = engine.PublishRequest
	Filter         = engine.Filter
	State          = engine.State
	EngineOption   = engine.Option
)

// Stored task states.

const (
	StateOpen      = engine.StateOpen
	StateCompleted = engine.StateCompleted
	StateBpmnError = engine.StateBpmnError
	StateIncident  = engine.StateIncident
)

// Sentinel errors.

var (
	ErrNotFoundOrLockExpired  = api.ErrNotFoundOrLockExpired
	ErrTransportMisconfigured = api.ErrTransportMisconfigured
	ErrInvalidConfig          = api.ErrInvalidConfig
	ErrTaskNotFound           = api.ErrTaskNotFound
)

// Config and outcome helpers.

var (
	DefaultConfig            = api.DefaultConfig
	ApplyConfigOptions       = api.ApplyConfigOptions
	WithMaxTasks             = api.WithMaxTasks
	WithLockDuration         = api.WithLockDuration
	WithAsyncResponseTimeout = api.WithAsyncResponseTimeout
	WithDefaultRetries       = api.WithDefaultRetries
	WithRetryTimeout         = api.WithRetryTimeout
	WithSleepInterval        = api.WithSleepInterval
	WithPriority             = api.WithPriority
	WithVariables            = api.WithVariables
	WithBusinessKey          = api.WithBusinessKey

	Complete  = api.Complete
	BpmnError = api.BpmnError

	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Engine options.

var (
	WithEngineClock        = engine.WithClock
	WithEnginePollInterval = engine.WithPollInterval
	WithEngineLogger       = engine.WithLogger
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine that keeps tasks in memory.
func NewInMemoryEngine(opts ...EngineOption) Engine {
	return engine.NewInMemoryEngine(opts...)
}

// NewSQLiteEngine returns an Engine that persists tasks in a SQLite
// database opened with the "sqlite" driver.
func NewSQLiteEngine(db *sql.DB, opts ...EngineOption) (Engine, error) {
	eng, err := engine.NewSQLEngine(db, engine.DialectSQLite, opts...)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// NewPostgresEngine returns an Engine that persists tasks in PostgreSQL,
// typically opened with the "pgx" driver.
func NewPostgresEngine(db *sql.DB, opts ...EngineOption) (Engine, error) {
	eng, err := engine.NewSQLEngine(db, engine.DialectPostgres, opts...)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// NewRESTClient returns an EngineClient for the Camunda 7 REST API rooted at
// baseURL, e.g. http://localhost:8080/engine-rest.
func NewRESTClient(baseURL string, opts ...rest.Option) (*rest.Client, error) {
	return rest.New(baseURL, opts...)
}

// NewWorker returns a single-topic Worker.
func NewWorker(client EngineClient, opts ...worker.Option) *worker.Worker {
	return worker.New(client, opts...)
}

// NewPool returns a Pool running one worker per subscription.
func NewPool(client EngineClient, cfg Config, subs []Subscription, opts ...pool.Option) (*pool.Pool, error) {
	return pool.New(client, cfg, subs, opts...)
}
