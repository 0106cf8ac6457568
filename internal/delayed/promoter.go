package delayed

import (
	"context"
	"time"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/logging"
)

// PromoterConfig configures the background promoter loop (§6 "Delayed
// store": batch_size, poll_interval).
type PromoterConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 64
)

func (c PromoterConfig) withDefaults() PromoterConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Promoter drains due entries from a Store and republishes them to a
// Broker. Grounded on the teacher's asyncqueue.WorkerPool.poller:
// ticker-plus-one-shot-timer select loop, generalized here to wake on
// min(poll_interval, next_delivery_time-now) per §4.4.
type Promoter struct {
	store  Store
	broker broker.Broker
	cfg    PromoterConfig
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPromoter constructs a promoter over store, publishing due
// messages via b.
func NewPromoter(store Store, b broker.Broker, cfg PromoterConfig) *Promoter {
	return &Promoter{
		store:  store,
		broker: b,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the promoter loop in a background goroutine.
func (p *Promoter) Start() {
	go p.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (p *Promoter) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Promoter) run() {
	defer close(p.doneCh)
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
			p.drainOnce()
			timer.Reset(p.nextWait())
		}
	}
}

func (p *Promoter) nextWait() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next, err := p.store.NextDeliveryTime(ctx)
	if err != nil || next.IsZero() {
		return p.cfg.PollInterval
	}
	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	if wait > p.cfg.PollInterval {
		wait = p.cfg.PollInterval
	}
	return wait
}

func (p *Promoter) drainOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		due, err := p.store.GetDue(ctx, time.Now(), p.cfg.BatchSize)
		if err != nil {
			logging.Op().Warn("delayed store: get due entries failed", "error", err)
			return
		}
		if len(due) == 0 {
			return
		}
		for _, msg := range due {
			if err := p.broker.Publish(ctx, msg); err != nil {
				logging.Op().Error("delayed store: republish failed", "task_id", msg.ID, "error", err)
			}
		}
		if len(due) < p.cfg.BatchSize {
			return
		}
	}
}
