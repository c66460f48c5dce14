package rest

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Default timeouts.
const (
	DefaultTimeoutDelta   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Username   string
	Password   string
	Headers    http.Header

	// TimeoutDelta is added to a fetch's long-poll timeout to bound the
	// whole HTTP call.
	TimeoutDelta time.Duration

	// RequestTimeout bounds every other call.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

func defaultOptions() Options {
	return Options{
		HTTPClient:     http.DefaultClient,
		Headers:        http.Header{},
		TimeoutDelta:   DefaultTimeoutDelta,
		RequestTimeout: DefaultRequestTimeout,
		Logger:         zap.NewNop(),
	}
}

// Option defines a functional option for configuring a Client.
type Option func(Options) Options

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o Options) Options {
		if hc != nil {
			o.HTTPClient = hc
		}
		return o
	}
}

// WithBasicAuth sends HTTP basic credentials with every request.
func WithBasicAuth(username, password string) Option {
	return func(o Options) Options {
		o.Username = username
		o.Password = password
		return o
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(o Options) Options {
		h := o.Headers.Clone()
		if h == nil {
			h = http.Header{}
		}
		h.Add(key, value)
		o.Headers = h
		return o
	}
}

// WithTimeoutDelta sets the slack added to fetch long-poll timeouts.
func WithTimeoutDelta(d time.Duration) Option {
	return func(o Options) Options {
		if d >= 0 {
			o.TimeoutDelta = d
		}
		return o
	}
}

// WithRequestTimeout sets the timeout of report and lock calls.
// Zero leaves them bounded only by the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(o Options) Options {
		if d >= 0 {
			o.RequestTimeout = d
		}
		return o
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(o Options) Options {
		if l != nil {
			o.Logger = l
		}
		return o
	}
}
