// Package pool runs one worker loop per topic subscription against a shared
// engine client.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
	"github.com/petrijr/extask/pkg/worker"
)

// ErrAlreadyRunning is returned by Start when the pool is running.
var ErrAlreadyRunning = errors.New("pool: already running")

// Pool owns one worker per subscription. Each worker polls its own topic on
// its own goroutine, so a slow handler on one topic never delays another.
type Pool struct {
	subs    []api.Subscription
	workers []*worker.Worker
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	errs    []error
}

// New validates subs against cfg and builds one worker per subscription.
//
// Topics must be unique and non-empty, handlers non-nil, and the effective
// Config of every subscription (cfg with the subscription's options
// applied) valid.
func New(client api.EngineClient, cfg api.Config, subs []api.Subscription, opts ...Option) (*Pool, error) {
	if client == nil {
		return nil, errors.New("pool: nil engine client")
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("pool: %w: no subscriptions", api.ErrInvalidConfig)
	}

	o := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			o = fn(o)
		}
	}

	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		if sub.Topic == "" {
			return nil, fmt.Errorf("pool: %w: empty topic", api.ErrInvalidConfig)
		}
		if _, dup := seen[sub.Topic]; dup {
			return nil, fmt.Errorf("pool: %w: duplicate topic %q", api.ErrInvalidConfig, sub.Topic)
		}
		seen[sub.Topic] = struct{}{}
		if sub.Handler == nil {
			return nil, fmt.Errorf("pool: %w: nil handler for topic %q", api.ErrInvalidConfig, sub.Topic)
		}
		if err := api.ApplyConfigOptions(cfg, sub.Options...).Validate(); err != nil {
			return nil, fmt.Errorf("pool: topic %q: %w", sub.Topic, err)
		}
	}

	p := &Pool{
		subs: append([]api.Subscription(nil), subs...),
		log:  o.Logger,
	}
	for i := range p.subs {
		p.workers = append(p.workers, worker.New(client,
			worker.WithID(o.WorkerIDPrefix+"-"+strconv.Itoa(i)),
			worker.WithConfig(cfg),
			worker.WithLogger(o.Logger),
			worker.WithObserver(o.Observer),
			worker.WithHandlerTimeout(o.HandlerTimeout),
		))
	}
	return p, nil
}

// WorkerIDs returns the worker id of every subscription, in subscription
// order.
func (p *Pool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Start launches every worker loop. The loops run until ctx is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.errs = nil

	p.wg.Add(len(p.workers))
	for i, w := range p.workers {
		sub := p.subs[i]
		go func(w *worker.Worker) {
			defer p.wg.Done()
			if err := w.Subscribe(ctx, sub.Topic, sub.Handler, sub.Options...); err != nil {
				p.log.Error("worker loop exited",
					zap.String("worker_id", w.ID()),
					zap.String("topic", sub.Topic),
					zap.Error(err),
				)
				p.mu.Lock()
				p.errs = append(p.errs, err)
				p.mu.Unlock()
			}
		}(w)
	}

	p.log.Info("pool started", zap.Int("subscriptions", len(p.workers)))
	return nil
}

// Stop cancels every worker loop and waits for them to exit. Batches in
// progress are handled and reported first.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = p.Wait()
}

// Wait blocks until every worker loop has exited and returns the joined
// errors of loops that gave up, such as a misconfigured transport.
func (p *Pool) Wait() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		p.log.Info("pool stopped")
	}
	return errors.Join(p.errs...)
}

// Run starts the pool and blocks until ctx is done and every loop has
// exited, or until every loop gave up on its own.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}
