// Package beat implements the periodic scheduler (§4.12): cron and
// interval entries evaluated on a fixed check_interval tick, each
// synthesizing and publishing a fresh TaskMessage when due. Grounded on
// the teacher's internal/scheduler.Scheduler (entries map[string]
// cron.EntryID, Add/Remove/Start/Stop over robfig/cron/v3), but
// restructured around an explicit should_run(now) tick loop instead of
// delegating run timing to cron's own internal scheduler: catch-up
// semantics (next_run(last_run ?? now-1d) <= now) need last_run_time
// evaluated directly rather than inferred from cron's entry list.
package beat

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/clock"
	"github.com/kidoz/dotcelery/internal/logging"
	"github.com/kidoz/dotcelery/internal/message"
)

// EntrySpec configures one scheduled task (§4.12). Exactly one of
// CronExpr/Interval should be set.
type EntrySpec struct {
	Name      string
	TaskName  string
	Args      []byte
	Queue     string
	Priority  int
	ExpiresIn time.Duration

	CronExpr string
	Interval time.Duration

	Enabled   bool
	MaxJitter time.Duration

	// LastRunTime seeds the entry's catch-up reference point, e.g. when
	// restoring an entry from a Store. Zero means "never run".
	LastRunTime time.Time
}

// Store persists schedule entries across restarts and records the
// last-run watermark, mirroring the teacher's
// store.ListAllSchedules/UpdateScheduleLastRun pair.
type Store interface {
	ListEnabled(ctx context.Context) ([]EntrySpec, error)
	UpdateLastRun(ctx context.Context, name string, at time.Time) error
	Close() error
}

type entry struct {
	spec     EntrySpec
	schedule cron.Schedule // nil when spec.Interval is used instead
	lastRun  time.Time
	rnd      *rand.Rand
}

// Config carries beat-wide policy (§6 "Beat").
type Config struct {
	CheckInterval      time.Duration
	RunMissedOnStartup bool
	SchedulerName      string
	DefaultQueue       string
}

const defaultCheckInterval = time.Second

func mergeConfig(cfg Config) Config {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return cfg
}

// Scheduler runs the beat tick loop over a set of entries, publishing
// due ones onto a Broker.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	broker broker.Broker
	store  Store
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]*entry
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler publishing due entries onto b. store may be
// nil, in which case entries only come from Add calls and last-run
// watermarks live in memory only.
func New(b broker.Broker, store Store, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     mergeConfig(cfg),
		clk:     clock.Real(),
		broker:  b,
		store:   store,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Add registers or replaces the entry named spec.Name.
func (s *Scheduler) Add(spec EntrySpec) error {
	if spec.Name == "" {
		return fmt.Errorf("beat: entry name is required")
	}
	if spec.TaskName == "" {
		return fmt.Errorf("beat: entry %q: task name is required", spec.Name)
	}
	if spec.CronExpr == "" && spec.Interval <= 0 {
		return fmt.Errorf("beat: entry %q: either cron or interval is required", spec.Name)
	}

	var sched cron.Schedule
	if spec.CronExpr != "" {
		parsed, err := s.parser.Parse(spec.CronExpr)
		if err != nil {
			return fmt.Errorf("beat: entry %q: parse cron expression: %w", spec.Name, err)
		}
		sched = parsed
	}

	e := &entry{
		spec:     spec,
		schedule: sched,
		lastRun:  spec.LastRunTime,
		rnd:      newEntryRand(spec.Name),
	}

	s.mu.Lock()
	s.entries[spec.Name] = e
	s.mu.Unlock()
	return nil
}

// Remove unregisters the entry named name, a no-op if absent.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// EntrySnapshot is a read-only view of an entry, as returned by
// Scheduler.List.
type EntrySnapshot struct {
	Name        string
	TaskName    string
	CronExpr    string
	Interval    time.Duration
	Enabled     bool
	LastRunTime time.Time
	NextRunTime time.Time
}

// List returns a snapshot of every registered entry.
func (s *Scheduler) List() []EntrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]EntrySnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntrySnapshot{
			Name:        e.spec.Name,
			TaskName:    e.spec.TaskName,
			CronExpr:    e.spec.CronExpr,
			Interval:    e.spec.Interval,
			Enabled:     e.spec.Enabled,
			LastRunTime: e.lastRun,
			NextRunTime: s.nextRun(e, now),
		})
	}
	return out
}

// Start optionally loads persisted entries, runs any missed on
// startup, and begins the tick loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		specs, err := s.store.ListEnabled(ctx)
		if err != nil {
			return fmt.Errorf("beat: load persisted schedules: %w", err)
		}
		for _, spec := range specs {
			if err := s.Add(spec); err != nil {
				logging.Op().Warn("beat: failed to register persisted entry", "entry", spec.Name, "error", err)
			}
		}
	}

	now := s.clk.Now()
	if s.cfg.RunMissedOnStartup {
		s.tick(now)
	}

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Op().Info("beat scheduler started",
		"entries", len(s.entries),
		"check_interval", s.cfg.CheckInterval,
		"scheduler_name", s.cfg.SchedulerName,
	)
	return nil
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logging.Op().Info("beat scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.safeTick(now)
		}
	}
}

// safeTick guards a single tick against an unexpected panic (§4.12.3:
// "catches and logs all non-cancellation exceptions and sleeps 5s
// before continuing"). Go has no checked-exception model to rely on,
// so the loop-level recover here is the direct analogue; per-entry
// failures (a Publish error) are handled without panicking at all and
// never reach this recover.
func (s *Scheduler) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("beat: tick panicked, backing off", "panic", r)
			time.Sleep(5 * time.Second)
		}
	}()
	s.tick(now)
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if s.shouldRun(e, now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runEntry(e, now)
	}
}

func (s *Scheduler) shouldRun(e *entry, now time.Time) bool {
	return e.spec.Enabled && !s.nextRun(e, now).After(now)
}

// nextRun computes get_next_run_time per §4.12, using last_run (or
// now-1d when the entry has never run) as the reference point for
// both the interval and cron branches.
func (s *Scheduler) nextRun(e *entry, now time.Time) time.Time {
	ref := e.lastRun
	if ref.IsZero() {
		ref = now.Add(-24 * time.Hour)
	}
	if e.schedule != nil {
		return e.schedule.Next(ref)
	}
	return ref.Add(e.spec.Interval)
}

func (s *Scheduler) runEntry(e *entry, now time.Time) {
	queue := e.spec.Queue
	if queue == "" {
		queue = s.cfg.DefaultQueue
	}

	msg := message.NewTaskMessage(e.spec.TaskName, queue, e.spec.Args, "application/json")
	msg.Priority = e.spec.Priority
	if e.spec.ExpiresIn > 0 {
		expires := now.Add(e.spec.ExpiresIn)
		msg.Expires = &expires
	}
	if e.spec.MaxJitter > 0 {
		jitter := time.Duration(e.rnd.Int64N(int64(e.spec.MaxJitter) + 1))
		eta := now.Add(jitter)
		msg.ETA = &eta
	}

	if err := s.broker.Publish(context.Background(), msg); err != nil {
		logging.Op().Error("beat: publish failed", "entry", e.spec.Name, "task", e.spec.TaskName, "error", err)
		return
	}

	s.mu.Lock()
	e.lastRun = now
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateLastRun(context.Background(), e.spec.Name, now); err != nil {
			logging.Op().Warn("beat: failed to persist last_run_time", "entry", e.spec.Name, "error", err)
		}
	}
	logging.Op().Debug("beat: entry fired", "entry", e.spec.Name, "task", e.spec.TaskName, "message_id", msg.ID)
}

var entrySeedCounter uint64

// newEntryRand gives each entry its own non-contending jitter source,
// per §4.12's "concurrent entries must not contend" requirement,
// rather than sharing one mutex-guarded *rand.Rand.
func newEntryRand(name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	seed2 := h.Sum64()
	seed1 := uint64(time.Now().UnixNano()) ^ atomic.AddUint64(&entrySeedCounter, 1)
	return rand.New(rand.NewPCG(seed1, seed2))
}
