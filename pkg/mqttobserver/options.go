package mqttobserver

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures an Observer.
type Options struct {
	TopicPrefix    string
	QoS            byte
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// Option modifies Options.
type Option func(Options) Options

func defaultOptions() Options {
	return Options{
		TopicPrefix:    "extask",
		QueueSize:      256,
		PublishTimeout: 5 * time.Second,
		Logger:         zap.NewNop(),
		Now:            time.Now,
	}
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			o = opt(o)
		}
	}
	return o
}

// WithTopicPrefix sets the first topic level. Empty keeps the default.
func WithTopicPrefix(prefix string) Option {
	return func(o Options) Options {
		if prefix != "" {
			o.TopicPrefix = prefix
		}
		return o
	}
}

// WithQoS sets the publish QoS. Values above 2 fall back to 0.
func WithQoS(qos byte) Option {
	return func(o Options) Options {
		if qos > 2 {
			qos = 0
		}
		o.QoS = qos
		return o
	}
}

// WithQueueSize bounds the number of pending events.
func WithQueueSize(n int) Option {
	return func(o Options) Options {
		if n > 0 {
			o.QueueSize = n
		}
		return o
	}
}

// WithPublishTimeout bounds the wait for each publish acknowledgement.
func WithPublishTimeout(d time.Duration) Option {
	return func(o Options) Options {
		if d > 0 {
			o.PublishTimeout = d
		}
		return o
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o Options) Options {
		if l != nil {
			o.Logger = l
		}
		return o
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o Options) Options {
		if now != nil {
			o.Now = now
		}
		return o
	}
}

// ConnectOption adjusts the paho client options used by Connect.
type ConnectOption func(*mqtt.ClientOptions)

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) ConnectOption {
	return func(co *mqtt.ClientOptions) {
		if username != "" {
			co.SetUsername(username)
			co.SetPassword(password)
		}
	}
}
