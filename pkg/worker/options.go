package worker

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// Options represents the configuration options for a Worker.
type Options struct {
	// ID identifies the worker to the engine. Locks are owned per ID.
	ID string

	// Config is the polling configuration; Subscribe may override it per
	// topic.
	Config api.Config

	Logger   *zap.Logger
	Observer api.Observer

	// HandlerTimeout, when > 0, puts a deadline on the context passed to
	// handlers. The worker never abandons a handler that ignores it.
	HandlerTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		ID:       "extask-" + uuid.NewString(),
		Config:   api.DefaultConfig(),
		Logger:   zap.NewNop(),
		Observer: api.NoopObserver{},
	}
}

// Option defines a functional option for configuring a Worker.
type Option func(Options) Options

// WithID sets the worker id.
func WithID(id string) Option {
	return func(o Options) Options {
		if id != "" {
			o.ID = id
		}
		return o
	}
}

// WithConfig sets the worker's base polling configuration.
func WithConfig(cfg api.Config) Option {
	return func(o Options) Options {
		o.Config = api.ApplyConfigOptions(cfg)
		return o
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o Options) Options {
		if l != nil {
			o.Logger = l
		}
		return o
	}
}

// WithObserver sets the lifecycle observer. A nil observer is ignored.
func WithObserver(obs api.Observer) Option {
	return func(o Options) Options {
		if obs != nil {
			o.Observer = obs
		}
		return o
	}
}

// WithHandlerTimeout bounds the handler context. Zero disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o Options) Options {
		if d >= 0 {
			o.HandlerTimeout = d
		}
		return o
	}
}

func applyOptions(base Options, fns ...Option) Options {
	o := base
	for _, fn := range fns {
		if fn != nil {
			o = fn(o)
		}
	}
	return o
}
