// Package worker implements the consume loop (§4.8): pull
// BrokerMessage values from broker.Consume, bound concurrency with a
// cooperative semaphore, and hand each message to the execution
// pipeline without blocking the loop on its completion. Generalized
// from the teacher's internal/asyncqueue.WorkerPool, replacing its
// DB-poll+taskCh handoff (the broker here already yields a
// round-robin, ack/reject-bearing channel, so there is no separate
// poller tier).
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/kidoz/dotcelery/internal/logging"
	"github.com/kidoz/dotcelery/internal/metrics"
)

// Dispatcher runs the execution pipeline for one delivered message. It
// owns Ack/Reject of bm.DeliveryTag; the worker pool never acks or
// rejects directly. On ctx cancellation (graceful-shutdown
// force-cancel), Dispatch must reject with requeue rather than hang.
type Dispatcher interface {
	Dispatch(ctx context.Context, bm broker.BrokerMessage)
}

// Config configures the consume loop.
type Config struct {
	Queues         []string
	MaxConcurrency int
	// ShutdownGrace bounds how long Stop waits for in-flight dispatches
	// to finish on their own before force-cancelling their contexts.
	ShutdownGrace time.Duration
	Adaptive      AdaptiveConfig

	// Breakers, if set, is periodically snapshotted onto the circuit
	// breaker gauges so an operator can see a task name trip to open
	// without instrumenting every pipeline dispatch call site.
	Breakers *circuitbreaker.Registry
	// ReportInterval controls how often the active-worker gauge and the
	// breaker snapshot are refreshed. Defaults to 5s.
	ReportInterval time.Duration
}

const (
	defaultMaxConcurrency = 32
	defaultShutdownGrace  = 30 * time.Second
	defaultReportInterval = 5 * time.Second
)

// Pool consumes from a Broker and dispatches messages through a
// Dispatcher, bounded by MaxConcurrency in-flight dispatches.
type Pool struct {
	broker     broker.Broker
	dispatcher Dispatcher
	cfg        Config

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	sem      chan struct{}
	adaptive *AdaptiveController
	active   atomic.Int64

	inFlightMu sync.Mutex
	inFlight   map[broker.DeliveryTag]context.CancelFunc
}

// New creates a worker pool over b, dispatching via d.
func New(b broker.Broker, d Dispatcher, cfg Config) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	p := &Pool{
		broker:     b,
		dispatcher: d,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
		inFlight:   make(map[broker.DeliveryTag]context.CancelFunc),
	}
	if cfg.Adaptive.Enabled {
		p.adaptive = newAdaptiveController(cfg.Adaptive, cfg.MaxConcurrency)
	}
	return p
}

// Start launches the consume loop. It returns once the broker has
// begun yielding a channel; the loop itself runs in a goroutine.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	ch, err := p.broker.Consume(ctx, p.cfg.Queues)
	if err != nil {
		return err
	}
	p.started = true

	if p.adaptive != nil {
		p.adaptive.Start()
	}

	p.wg.Add(1)
	go p.run(ch)

	p.wg.Add(1)
	go p.reportLoop()

	logging.Op().Info("worker pool started",
		"queues", p.cfg.Queues,
		"max_concurrency", p.cfg.MaxConcurrency,
	)
	return nil
}

func (p *Pool) run(ch <-chan broker.BrokerMessage) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case bm, ok := <-ch:
			if !ok {
				return
			}
			p.acquire()
			p.wg.Add(1)
			go func(bm broker.BrokerMessage) {
				defer p.wg.Done()
				defer p.release()
				p.dispatchOne(bm)
			}(bm)
		}
	}
}

func (p *Pool) acquire() {
	if p.adaptive != nil {
		p.adaptive.Acquire()
		return
	}
	p.sem <- struct{}{}
}

func (p *Pool) release() {
	if p.adaptive != nil {
		p.adaptive.Release()
		return
	}
	<-p.sem
}

func (p *Pool) dispatchOne(bm broker.BrokerMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.inFlightMu.Lock()
	p.inFlight[bm.DeliveryTag] = cancel
	p.inFlightMu.Unlock()
	p.active.Add(1)
	defer func() {
		p.inFlightMu.Lock()
		delete(p.inFlight, bm.DeliveryTag)
		p.inFlightMu.Unlock()
		p.active.Add(-1)
	}()

	p.dispatcher.Dispatch(ctx, bm)
	if p.adaptive != nil {
		p.adaptive.RecordCompleted(1)
	}
}

// reportLoop periodically refreshes gauges that reflect pool-wide state
// rather than a single dispatch outcome: active worker count and, if a
// breaker registry is configured, the per-task circuit breaker states.
func (p *Pool) reportLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			metrics.Default().SetWorkersActive(int(p.active.Load()))
			if p.cfg.Breakers != nil {
				metrics.Default().SyncCircuitBreakers(p.cfg.Breakers.Snapshot())
			}
		}
	}
}

// Stop ceases pulling new messages and waits up to ShutdownGrace for
// in-flight dispatches to finish; any still running after that are
// force-cancelled, which the Dispatcher must interpret as a request to
// reject-with-requeue.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	if p.adaptive != nil {
		p.adaptive.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.inFlightMu.Lock()
		for _, cancel := range p.inFlight {
			cancel()
		}
		p.inFlightMu.Unlock()
		<-done
	}

	logging.Op().Info("worker pool stopped")
}
