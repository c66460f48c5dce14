package pool

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// Options configures a Pool.
type Options struct {
	Logger   *zap.Logger
	Observer api.Observer

	// WorkerIDPrefix is combined with the subscription index into the
	// worker id of each subscription: "<prefix>-<index>".
	WorkerIDPrefix string

	// HandlerTimeout is passed on to every worker. Zero disables it.
	HandlerTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		Logger:         zap.NewNop(),
		Observer:       api.NoopObserver{},
		WorkerIDPrefix: "extask-" + uuid.NewString()[:8],
	}
}

// Option defines a functional option for configuring a Pool.
type Option func(Options) Options

// WithLogger sets the logger shared by the pool and its workers.
func WithLogger(l *zap.Logger) Option {
	return func(o Options) Options {
		if l != nil {
			o.Logger = l
		}
		return o
	}
}

// WithObserver sets the observer shared by every worker.
func WithObserver(obs api.Observer) Option {
	return func(o Options) Options {
		if obs != nil {
			o.Observer = obs
		}
		return o
	}
}

// WithWorkerIDPrefix sets the worker id prefix.
func WithWorkerIDPrefix(prefix string) Option {
	return func(o Options) Options {
		if prefix != "" {
			o.WorkerIDPrefix = prefix
		}
		return o
	}
}

// WithHandlerTimeout bounds every handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o Options) Options {
		if d >= 0 {
			o.HandlerTimeout = d
		}
		return o
	}
}
