package api

import (
	"fmt"
	"time"
)

// Default values used by DefaultConfig.
const (
	DefaultMaxTasks             = 1
	DefaultLockDuration         = 10 * time.Second
	DefaultAsyncResponseTimeout = 30 * time.Second
	DefaultRetries              = 3
	DefaultRetryTimeout         = 5 * time.Second
	DefaultSleepInterval        = 30 * time.Second
)

// Config governs how a worker polls and reports for one topic.
//
// Config is a value type: it is built once at startup and copied into every
// worker, so there is no shared mutable state between topics. Use
// ApplyConfigOptions to derive a topic-specific Config from a pool-wide one.
type Config struct {
	// MaxTasks is the number of tasks fetched per poll. Must be >= 1.
	MaxTasks int

	// LockDuration is how long the engine keeps a fetched task locked for
	// this worker. Must be > 0.
	LockDuration time.Duration

	// AsyncResponseTimeout is the long-poll timeout of a fetch-and-lock
	// call. Zero means the engine answers immediately.
	AsyncResponseTimeout time.Duration

	// DefaultRetries is used when a task carries no retry count yet.
	DefaultRetries int

	// RetryTimeout is the delay before a failed task becomes lockable again,
	// unless the handler's failure overrides it.
	RetryTimeout time.Duration

	// SleepInterval is the pause after every poll cycle.
	SleepInterval time.Duration

	// UsePriority asks the engine to hand out higher priority tasks first.
	UsePriority bool

	// Variables restricts the variables returned with each task.
	// Empty means all variables.
	Variables []string

	// BusinessKey restricts fetching to tasks of process instances with the
	// given business key. Empty means no restriction.
	BusinessKey string
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		MaxTasks:             DefaultMaxTasks,
		LockDuration:         DefaultLockDuration,
		AsyncResponseTimeout: DefaultAsyncResponseTimeout,
		DefaultRetries:       DefaultRetries,
		RetryTimeout:         DefaultRetryTimeout,
		SleepInterval:        DefaultSleepInterval,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.MaxTasks < 1:
		return fmt.Errorf("%w: MaxTasks must be >= 1, got %d", ErrInvalidConfig, c.MaxTasks)
	case c.LockDuration <= 0:
		return fmt.Errorf("%w: LockDuration must be > 0, got %s", ErrInvalidConfig, c.LockDuration)
	case c.AsyncResponseTimeout < 0:
		return fmt.Errorf("%w: AsyncResponseTimeout must be >= 0, got %s", ErrInvalidConfig, c.AsyncResponseTimeout)
	case c.DefaultRetries < 0:
		return fmt.Errorf("%w: DefaultRetries must be >= 0, got %d", ErrInvalidConfig, c.DefaultRetries)
	case c.RetryTimeout < 0:
		return fmt.Errorf("%w: RetryTimeout must be >= 0, got %s", ErrInvalidConfig, c.RetryTimeout)
	case c.SleepInterval < 0:
		return fmt.Errorf("%w: SleepInterval must be >= 0, got %s", ErrInvalidConfig, c.SleepInterval)
	}
	return nil
}

// clone returns a copy that shares no slices with c.
func (c Config) clone() Config {
	if c.Variables != nil {
		c.Variables = append([]string(nil), c.Variables...)
	}
	return c
}

// ConfigOption derives a new Config from an existing one.
// Options are used for topic-specific overrides of the pool-wide Config.
type ConfigOption func(Config) Config

// ApplyConfigOptions applies opts over a copy of base, in order.
// Nil options are skipped.
func ApplyConfigOptions(base Config, opts ...ConfigOption) Config {
	c := base.clone()
	for _, opt := range opts {
		if opt != nil {
			c = opt(c)
		}
	}
	return c
}

// WithMaxTasks sets the number of tasks fetched per poll.
func WithMaxTasks(n int) ConfigOption {
	return func(c Config) Config {
		c.MaxTasks = n
		return c
	}
}

// WithLockDuration sets the lock duration requested per task.
func WithLockDuration(d time.Duration) ConfigOption {
	return func(c Config) Config {
		c.LockDuration = d
		return c
	}
}

// WithAsyncResponseTimeout sets the long-poll timeout.
func WithAsyncResponseTimeout(d time.Duration) ConfigOption {
	return func(c Config) Config {
		c.AsyncResponseTimeout = d
		return c
	}
}

// WithDefaultRetries sets the retry count used for tasks without one.
func WithDefaultRetries(n int) ConfigOption {
	return func(c Config) Config {
		c.DefaultRetries = n
		return c
	}
}

// WithRetryTimeout sets the default delay before a failed task is retried.
func WithRetryTimeout(d time.Duration) ConfigOption {
	return func(c Config) Config {
		c.RetryTimeout = d
		return c
	}
}

// WithSleepInterval sets the pause between poll cycles.
func WithSleepInterval(d time.Duration) ConfigOption {
	return func(c Config) Config {
		c.SleepInterval = d
		return c
	}
}

// WithPriority toggles priority-ordered fetching.
func WithPriority(enabled bool) ConfigOption {
	return func(c Config) Config {
		c.UsePriority = enabled
		return c
	}
}

// WithVariables restricts the variables fetched with each task.
func WithVariables(names ...string) ConfigOption {
	return func(c Config) Config {
		c.Variables = append([]string(nil), names...)
		return c
	}
}

// WithBusinessKey restricts fetching to one business key.
func WithBusinessKey(key string) ConfigOption {
	return func(c Config) Config {
		c.BusinessKey = key
		return c
	}
}
