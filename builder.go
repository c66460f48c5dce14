package extask

import (
	"fmt"
	"time"

	"github.com/petrijr/extask/pkg/api"
)

// SubscriptionBuilder provides a fluent API for defining topic subscriptions:
//
//	sub := extask.Subscribe("invoice").
//	    Handler(handleInvoice).
//	    LockDuration(time.Minute).
//	    Retries(5).
//	    Build()
//
//	p, err := extask.NewPool(client, extask.DefaultConfig(), []extask.Subscription{sub})
//
// Every setter records a ConfigOption applied over the pool-wide Config, so
// settings left alone keep the pool's value.
type SubscriptionBuilder struct {
	sub api.Subscription
}

// Subscribe creates a builder for the given topic.
func Subscribe(topic string) *SubscriptionBuilder {
	if topic == "" {
		panic("extask: topic must not be empty")
	}
	return &SubscriptionBuilder{sub: api.Subscription{Topic: topic}}
}

// Topic returns the subscribed topic.
func (b *SubscriptionBuilder) Topic() string {
	return b.sub.Topic
}

// Handler sets the function invoked for every task of the topic.
func (b *SubscriptionBuilder) Handler(h Handler) *SubscriptionBuilder {
	if h == nil {
		panic(fmt.Sprintf("extask: topic %q has nil handler", b.sub.Topic))
	}
	b.sub.Handler = h
	return b
}

// Option appends a raw ConfigOption.
func (b *SubscriptionBuilder) Option(opt ConfigOption) *SubscriptionBuilder {
	if opt != nil {
		b.sub.Options = append(b.sub.Options, opt)
	}
	return b
}

func (b *SubscriptionBuilder) MaxTasks(n int) *SubscriptionBuilder {
	return b.Option(api.WithMaxTasks(n))
}

func (b *SubscriptionBuilder) LockDuration(d time.Duration) *SubscriptionBuilder {
	return b.Option(api.WithLockDuration(d))
}

func (b *SubscriptionBuilder) AsyncResponseTimeout(d time.Duration) *SubscriptionBuilder {
	return b.Option(api.WithAsyncResponseTimeout(d))
}

// Retries sets the retry count used for tasks that carry none yet.
func (b *SubscriptionBuilder) Retries(n int) *SubscriptionBuilder {
	return b.Option(api.WithDefaultRetries(n))
}

func (b *SubscriptionBuilder) RetryTimeout(d time.Duration) *SubscriptionBuilder {
	return b.Option(api.WithRetryTimeout(d))
}

func (b *SubscriptionBuilder) SleepInterval(d time.Duration) *SubscriptionBuilder {
	return b.Option(api.WithSleepInterval(d))
}

func (b *SubscriptionBuilder) Priority(enabled bool) *SubscriptionBuilder {
	return b.Option(api.WithPriority(enabled))
}

// Variables restricts the variables fetched with each task.
func (b *SubscriptionBuilder) Variables(names ...string) *SubscriptionBuilder {
	return b.Option(api.WithVariables(names...))
}

func (b *SubscriptionBuilder) BusinessKey(key string) *SubscriptionBuilder {
	return b.Option(api.WithBusinessKey(key))
}

// Build returns the subscription. The options slice is copied, so the
// builder can keep being used afterwards.
func (b *SubscriptionBuilder) Build() Subscription {
	sub := b.sub
	sub.Options = append([]api.ConfigOption(nil), b.sub.Options...)
	return sub
}

// Config returns base with the builder's options applied.
func (b *SubscriptionBuilder) Config(base Config) Config {
	return api.ApplyConfigOptions(base, b.sub.Options...)
}
