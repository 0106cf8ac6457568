package worker

import (
	"math"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/logging"
)

// AdaptiveConfig configures elastic concurrency scaling, adapted from
// the teacher's internal/asyncqueue.AdaptiveConfig. The broker-driven
// consume loop has no separate poll interval or batch size to tune
// (broker.Consume already streams continuously), so this controller
// narrows the teacher's AIMD algorithm to the one dimension that still
// applies here: the number of concurrently in-flight dispatches.
type AdaptiveConfig struct {
	Enabled bool

	ProbeInterval time.Duration // default: 2s

	MinConcurrency int // default: 4
	MaxConcurrency int // default: 256

	ScaleUpStep   int     // default: 4
	ScaleDownRate float64 // default: 0.75

	StableRoundsBeforeScaleDown int // default: 3
}

func defaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		ProbeInterval:               2 * time.Second,
		MinConcurrency:              4,
		MaxConcurrency:              256,
		ScaleUpStep:                 4,
		ScaleDownRate:               0.75,
		StableRoundsBeforeScaleDown: 3,
	}
}

func mergeAdaptiveConfig(cfg AdaptiveConfig, initial int) AdaptiveConfig {
	d := defaultAdaptiveConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = d.MinConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = maxInt(d.MaxConcurrency, initial)
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}
	if cfg.ScaleUpStep <= 0 {
		cfg.ScaleUpStep = d.ScaleUpStep
	}
	if cfg.ScaleDownRate <= 0 || cfg.ScaleDownRate >= 1 {
		cfg.ScaleDownRate = d.ScaleDownRate
	}
	if cfg.StableRoundsBeforeScaleDown <= 0 {
		cfg.StableRoundsBeforeScaleDown = d.StableRoundsBeforeScaleDown
	}
	return cfg
}

// AdaptiveController is a weighted semaphore whose limit is retuned
// periodically by an AIMD control loop reading observed completion
// rate: growing backlogs raise the limit, idle/draining periods lower
// it, both clamped to [MinConcurrency, MaxConcurrency].
type AdaptiveController struct {
	cfg AdaptiveConfig

	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	active  int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	completedCount int64
	prevCompleted  int64
	stableRounds   int
}

func newAdaptiveController(cfg AdaptiveConfig, initial int) *AdaptiveController {
	cfg = mergeAdaptiveConfig(cfg, initial)
	limit := clampInt(initial, cfg.MinConcurrency, cfg.MaxConcurrency)
	ac := &AdaptiveController{
		cfg:    cfg,
		limit:  limit,
		stopCh: make(chan struct{}),
	}
	ac.cond = sync.NewCond(&ac.mu)
	return ac
}

func (ac *AdaptiveController) Start() {
	ac.mu.Lock()
	ac.started = true
	ac.mu.Unlock()
	ac.wg.Add(1)
	go ac.loop()
}

func (ac *AdaptiveController) Stop() {
	close(ac.stopCh)
	ac.wg.Wait()
	ac.mu.Lock()
	ac.started = false
	ac.mu.Unlock()
	ac.cond.Broadcast()
}

// Acquire blocks until a slot under the current limit is free.
func (ac *AdaptiveController) Acquire() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for ac.active >= ac.limit {
		ac.cond.Wait()
	}
	ac.active++
}

// Release frees a slot; completions are counted via RecordCompleted.
func (ac *AdaptiveController) Release() {
	ac.mu.Lock()
	ac.active--
	ac.cond.Signal()
	ac.mu.Unlock()
}

func (ac *AdaptiveController) RecordCompleted(n int64) {
	ac.mu.Lock()
	ac.completedCount += n
	ac.mu.Unlock()
}

// Limit returns the current target concurrency.
func (ac *AdaptiveController) Limit() int {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.limit
}

func (ac *AdaptiveController) loop() {
	defer ac.wg.Done()
	ticker := time.NewTicker(ac.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.stopCh:
			return
		case <-ticker.C:
			ac.probe()
		}
	}
}

func (ac *AdaptiveController) probe() {
	ac.mu.Lock()

	completed := ac.completedCount
	delta := completed - ac.prevCompleted
	ac.prevCompleted = completed

	active := ac.active
	limit := ac.limit

	backlogged := active >= limit && delta > 0
	idle := active == 0 && delta == 0

	switch {
	case backlogged:
		ac.stableRounds = 0
		limit = minInt(limit+ac.cfg.ScaleUpStep, ac.cfg.MaxConcurrency)
	case idle:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			limit = maxInt(int(math.Ceil(float64(limit)*ac.cfg.ScaleDownRate)), ac.cfg.MinConcurrency)
		}
	default:
		ac.stableRounds = 0
	}

	ac.limit = limit
	ac.mu.Unlock()
	ac.cond.Broadcast()

	logging.Op().Debug("worker adaptive controller probe",
		"active", active,
		"limit", limit,
		"completed_delta", delta,
	)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
