package extask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/extask/internal/engine"
	"github.com/petrijr/extask/pkg/api"
	"github.com/petrijr/extask/pkg/pool"
)

// LocalRunner bundles an in-memory Engine and a worker Pool to provide a
// simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := extask.NewLocalRunner()
//	runner.Handle(extask.Subscribe("invoice").Handler(handleInvoice))
//
//	_ = runner.StartWorkers(ctx)
//	defer runner.Stop()
//
//	id, _ := runner.Publish(ctx, "invoice", map[string]any{"amount": 42})
//	rec, _ := runner.Await(ctx, id)
type LocalRunner struct {
	// Engine is the in-memory engine the workers fetch from.
	Engine Engine

	// Config is the pool-wide polling configuration. It may be changed
	// before StartWorkers. The defaults poll without sleeping and long-poll
	// briefly so Stop returns quickly.
	Config Config

	// PoolOptions are passed to the Pool built by StartWorkers.
	PoolOptions []pool.Option

	mu      sync.Mutex
	subs    []Subscription
	pool    *pool.Pool
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts ...EngineOption) *LocalRunner {
	cfg := api.DefaultConfig()
	cfg.AsyncResponseTimeout = 200 * time.Millisecond
	cfg.SleepInterval = 0
	return &LocalRunner{
		Engine: engine.NewInMemoryEngine(opts...),
		Config: cfg,
	}
}

// Handle registers a subscription. It must be called before StartWorkers.
func (r *LocalRunner) Handle(b *SubscriptionBuilder) *LocalRunner {
	return r.HandleSubscription(b.Build())
}

// HandleSubscription registers a subscription built without the builder.
func (r *LocalRunner) HandleSubscription(sub Subscription) *LocalRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
	return r
}

// StartWorkers starts one worker loop per registered subscription.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("extask: LocalRunner already started")
	}

	p, err := pool.New(r.Engine, r.Config, r.subs, r.PoolOptions...)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	r.pool = p
	r.running = true
	return nil
}

// Stop stops the worker loops and waits for them to finish their current
// batch.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	p := r.pool
	r.running = false
	r.pool = nil
	r.mu.Unlock()

	p.Stop()
}

// Publish creates an open task on topic.
func (r *LocalRunner) Publish(ctx context.Context, topic string, vars map[string]any) (string, error) {
	return r.Engine.Publish(ctx, PublishRequest{Topic: topic, Variables: vars})
}

// Await polls the engine until the task leaves the open state or ctx is
// done. A failed task that will be retried is still open.
func (r *LocalRunner) Await(ctx context.Context, id string) (*TaskRecord, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := r.Engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.State != StateOpen {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("extask: await task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
