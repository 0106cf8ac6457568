// Package pipeline implements the ordered per-message execution
// pipeline (§4.9): validate & decode, revocation check, expiry check,
// registration lookup, partition/overlap/rate gates, state transitions,
// time-limit setup, the filter chain, handler invocation, and outcome
// resolution (success, retry-with-backoff, dead-letter, revoked).
// Grounded on the teacher's internal/asyncqueue.processJob as the
// backbone, restructured into named stages with no panic/exception
// control flow per spec.md's redesign note.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/kidoz/dotcelery/internal/clock"
	"github.com/kidoz/dotcelery/internal/deadletter"
	"github.com/kidoz/dotcelery/internal/delayed"
	"github.com/kidoz/dotcelery/internal/logging"
	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/metrics"
	"github.com/kidoz/dotcelery/internal/ratelimit"
	"github.com/kidoz/dotcelery/internal/registry"
	"github.com/kidoz/dotcelery/internal/resultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
	"github.com/kidoz/dotcelery/internal/taskerr"
	"github.com/kidoz/dotcelery/internal/tracker"
)

// SignalDispatcher emits out-of-band signals for cross-process
// observers (revoked, dead_lettered, retry_scheduled, ...). Kept as a
// local interface, matching progress.SignalDispatcher's shape, so this
// package doesn't need to import progress for a single method.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, taskID string, signal string, payload any)
}

// Signal names dispatched by the pipeline (§4.9 n).
const (
	SignalRevoked        = "revoked"
	SignalDeadLettered   = "dead_lettered"
	SignalRetryScheduled = "retry_scheduled"
)

// Config carries pipeline-wide policy not attached to a per-task
// Registration (§4.9 a, §6).
type Config struct {
	WorkerID                   string
	MaxSupportedSchemaVersion  int
	MaxPayloadBytes            int
	TaskNameAllowlist          map[string]bool
	RequireSignature           bool
	SignatureSecret            []byte
	DefaultOverlapLeaseTimeout time.Duration
	DefaultRetry               RetryPolicy
	ResultExpiry               time.Duration
}

const (
	defaultMaxPayloadBytes     = 8 << 20 // 8MiB
	defaultOverlapLeaseTimeout = 10 * time.Minute
)

func mergeConfig(cfg Config) Config {
	if cfg.MaxSupportedSchemaVersion <= 0 {
		cfg.MaxSupportedSchemaVersion = message.CurrentSchemaVersion
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.DefaultOverlapLeaseTimeout <= 0 {
		cfg.DefaultOverlapLeaseTimeout = defaultOverlapLeaseTimeout
	}
	cfg.DefaultRetry = mergeRetryPolicy(cfg.DefaultRetry)
	return cfg
}

// Deps bundles the stores and collaborators the pipeline dispatches
// through. Results, Broker, Registry, and Delayed are required;
// Revocations, RateLimiter, Tracker, DeadLetters, Signals, Progress,
// Locate and Breakers are optional (a nil value disables the
// corresponding gate or feature).
type Deps struct {
	Registry    *registry.Registry
	Broker      broker.Broker
	Results     resultbackend.ResultBackend
	Delayed     delayed.Store
	Revocations revocation.Store
	Watcher     *revocation.Watcher
	RateLimiter ratelimit.Backend
	Tracker     tracker.Tracker
	DeadLetters deadletter.Handler
	Signals     SignalDispatcher
	Progress    registry.ProgressReporter
	Locate      registry.ServiceLocator
	Breakers    *circuitbreaker.Registry
}

// Pipeline implements worker.Dispatcher.
type Pipeline struct {
	cfg Config
	clk clock.Clock

	registry    *registry.Registry
	broker      broker.Broker
	results     resultbackend.ResultBackend
	delayed     delayed.Store
	revocations revocation.Store
	watcher     *revocation.Watcher
	rateLimiter ratelimit.Backend
	tracker     tracker.Tracker
	deadletters deadletter.Handler
	signals     SignalDispatcher
	progress    registry.ProgressReporter
	locate      registry.ServiceLocator
	breakers    *circuitbreaker.Registry

	partitions *partitionLocks
}

// New builds a Pipeline over deps.
func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{
		cfg:         mergeConfig(cfg),
		clk:         clock.Real(),
		registry:    deps.Registry,
		broker:      deps.Broker,
		results:     deps.Results,
		delayed:     deps.Delayed,
		revocations: deps.Revocations,
		watcher:     deps.Watcher,
		rateLimiter: deps.RateLimiter,
		tracker:     deps.Tracker,
		deadletters: deps.DeadLetters,
		signals:     deps.Signals,
		progress:    deps.Progress,
		locate:      deps.Locate,
		breakers:    deps.Breakers,
		partitions:  newPartitionLocks(),
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRejected
	outcomeRevoked
	outcomeRequeued
	outcomeRetryScheduled
	outcomeDeadLettered
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeRejected:
		return "rejected"
	case outcomeRevoked:
		return "revoked"
	case outcomeRequeued:
		return "requeued"
	case outcomeRetryScheduled:
		return "retry_scheduled"
	case outcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

type outcome struct {
	kind     outcomeKind
	taskName string
	retries  int
	err      error
}

// Dispatch implements worker.Dispatcher, running the ordered pipeline
// for bm and recording a dispatch log entry on completion.
func (p *Pipeline) Dispatch(ctx context.Context, bm broker.BrokerMessage) {
	start := p.clk.Now()
	o := p.run(ctx, bm)
	p.logDispatch(bm, o, p.clk.Since(start))
}

func (p *Pipeline) run(ctx context.Context, bm broker.BrokerMessage) outcome {
	msg := bm.Message

	// (a) validate & decode
	if reason, ok := p.validate(msg); !ok {
		p.reject(ctx, bm, deadletter.ReasonRejected, reason)
		return outcome{kind: outcomeRejected, taskName: msg.Task, err: errors.New(reason)}
	}

	// (b) revocation check
	if p.revocations != nil {
		if rec, revoked, err := p.revocations.IsRevoked(ctx, msg.ID); err == nil && revoked {
			_ = p.results.UpdateState(ctx, msg.ID, message.StateRevoked, nil)
			_ = p.broker.Ack(ctx, bm.DeliveryTag)
			p.emit(ctx, msg.ID, SignalRevoked, rec)
			return outcome{kind: outcomeRevoked, taskName: msg.Task}
		}
	}

	// (c) expiry check
	if msg.Expires != nil && msg.Expires.Before(p.clk.Now()) {
		p.reject(ctx, bm, deadletter.ReasonExpired, "message expired")
		return outcome{kind: outcomeRejected, taskName: msg.Task}
	}

	// (d) lookup registration
	reg, ok := p.registry.Lookup(msg.Task)
	if !ok {
		p.reject(ctx, bm, deadletter.ReasonUnknownTask, fmt.Sprintf("task %q not registered", msg.Task))
		return outcome{kind: outcomeRejected, taskName: msg.Task}
	}

	// Decode generically (independent of the registration's typed
	// handler decode in stage k) so the overlap key function, which
	// operates on `any`, has something to inspect without forcing a
	// premature typed decode.
	var generic any
	if len(msg.Args) > 0 {
		_ = json.Unmarshal(msg.Args, &generic)
	}

	// (e) partition gate
	if msg.PartitionKey != "" {
		unlock, acquired := p.partitions.tryLock(msg.PartitionKey)
		if !acquired {
			p.requeue(ctx, bm, msg, p.cfg.DefaultRetry.InitialDelay, false, message.StateRequeued, "partition lock unavailable")
			return outcome{kind: outcomeRequeued, taskName: msg.Task}
		}
		defer unlock()
	}

	// (f) overlap gate
	overlapKey := ""
	overlapStarted := false
	if reg.PreventOverlapping && p.tracker != nil {
		key, err := overlapKeyFor(reg, generic)
		if err != nil {
			p.requeue(ctx, bm, msg, p.cfg.DefaultRetry.InitialDelay, false, message.StateRequeued, "overlap key computation failed: "+err.Error())
			return outcome{kind: outcomeRequeued, taskName: msg.Task}
		}
		overlapKey = key
		started, err := p.tracker.TryStart(ctx, reg.TaskName, msg.ID, overlapKey, p.overlapTimeout(reg))
		if err != nil || !started {
			p.requeue(ctx, bm, msg, p.cfg.DefaultRetry.InitialDelay, false, message.StateRequeued, "overlap lease unavailable")
			return outcome{kind: outcomeRequeued, taskName: msg.Task}
		}
		overlapStarted = true
	}
	defer func() {
		if overlapStarted {
			_ = p.tracker.Stop(context.Background(), reg.TaskName, msg.ID, overlapKey)
		}
	}()

	// (g) rate gate
	if reg.RateLimitPolicy != nil && p.rateLimiter != nil {
		lease, err := p.rateLimiter.Allow(ctx, reg.TaskName, *reg.RateLimitPolicy)
		if err != nil || !lease.Acquired {
			retryAfter := lease.RetryAfter
			if retryAfter <= 0 {
				retryAfter = p.cfg.DefaultRetry.InitialDelay
			}
			p.requeue(ctx, bm, msg, retryAfter, false, message.StateRequeued, "rate limit exceeded")
			return outcome{kind: outcomeRequeued, taskName: msg.Task}
		}
	}

	// (g.1) breaker gate: a task name tripped into its open state is
	// rejected the same way a rate-limited dispatch is, without
	// consuming a retry, so the handler is given room to recover before
	// the message is counted against max_retries.
	var breaker *circuitbreaker.Breaker
	if reg.CircuitBreakerPolicy != nil && p.breakers != nil {
		breaker = p.breakers.Get(reg.TaskName, *reg.CircuitBreakerPolicy)
		if breaker != nil && !breaker.Allow() {
			p.requeue(ctx, bm, msg, p.cfg.DefaultRetry.InitialDelay, false, message.StateRequeued, "circuit breaker open")
			return outcome{kind: outcomeRequeued, taskName: msg.Task}
		}
	}

	// (h) state Received -> Started, build TaskContext
	_ = p.results.UpdateState(ctx, msg.ID, message.StateReceived, nil)
	_ = p.results.UpdateState(ctx, msg.ID, message.StateStarted, nil)

	// (i) time-limit setup
	execCtx, cancel, softHit := p.withTimeLimits(ctx, reg)
	defer cancel()

	// Tracking the handler's cancel func lets a terminate-revoke observed
	// by a notifier-driven rescan (see WatchNotifier in cmd/celeryd) cut
	// execution short instead of waiting for the handler to return on its
	// own; the post-execution IsRevoked check below still resolves the
	// outcome as revoked regardless of which path cancelled execCtx.
	if p.watcher != nil {
		untrack := p.watcher.Track(msg.ID, cancel)
		defer untrack()
	}

	taskCtx := &registry.TaskContext{
		Context:       execCtx,
		TaskID:        msg.ID,
		TaskName:      msg.Task,
		Retries:       msg.Retries,
		MaxRetries:    msg.MaxRetries,
		Headers:       msg.Headers,
		PartitionKey:  msg.PartitionKey,
		TenantID:      msg.TenantID,
		CorrelationID: msg.CorrelationID,
		Progress:      p.progress,
		Locate:        p.locate,
		SoftLimitHit:  softHit,
	}

	// (j) filter chain, ascending order
	for _, fo := range sortedFilters(reg.Filters, true) {
		res := fo.Filter.OnExecuting(taskCtx)
		switch res.Kind {
		case registry.FilterShortCircuitSuccess:
			return p.resolveSuccess(ctx, bm, msg, reg, res.Result)
		case registry.FilterShortCircuitFail, registry.FilterHandled:
			return p.resolveFailure(ctx, bm, msg, reg, filterErr(res))
		}
	}

	// (k) invoke handler
	output, _, execErr := reg.Dispatch(taskCtx, msg.Args)

	// (l) post-filters, descending order
	for _, fo := range sortedFilters(reg.Filters, false) {
		if execErr != nil {
			res := fo.Filter.OnException(taskCtx, execErr)
			switch res.Kind {
			case registry.FilterHandled:
				output = res.Result
				execErr = nil
			case registry.FilterShortCircuitFail:
				execErr = filterErr(res)
			}
			continue
		}
		res := fo.Filter.OnExecuted(taskCtx, output)
		switch res.Kind {
		case registry.FilterShortCircuitFail:
			execErr = filterErr(res)
		case registry.FilterHandled:
			output = res.Result
		}
	}

	// (m) resolve outcome
	if execErr == nil {
		return p.resolveSuccess(ctx, bm, msg, reg, output)
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		execErr = taskerr.Wrap(taskerr.KindPermanent, "TimeLimitExceeded", execErr)
	}
	if p.revocations != nil {
		if rec, revoked, _ := p.revocations.IsRevoked(context.Background(), msg.ID); revoked && rec.Terminate {
			result := &message.TaskResult{TaskID: msg.ID, State: message.StateRevoked, CompletedAt: p.clk.Now(), Retries: msg.Retries, Worker: p.cfg.WorkerID}
			_ = p.results.StoreResult(context.Background(), result, p.cfg.ResultExpiry)
			_ = p.broker.Ack(ctx, bm.DeliveryTag)
			p.emit(ctx, msg.ID, SignalRevoked, rec)
			return outcome{kind: outcomeRevoked, taskName: msg.Task}
		}
	}

	return p.resolveFailure(ctx, bm, msg, reg, execErr)
}

func filterErr(res registry.FilterResult) error {
	if res.Err != nil {
		return res.Err
	}
	return taskerr.New(taskerr.KindPermanent, "filter rejected dispatch")
}

func (p *Pipeline) validate(msg *message.TaskMessage) (string, bool) {
	if !message.CompatibleVersion(msg, p.cfg.MaxSupportedSchemaVersion) {
		return fmt.Sprintf("schema_version %d exceeds max_supported %d", msg.SchemaVersion, p.cfg.MaxSupportedSchemaVersion), false
	}
	if p.cfg.MaxPayloadBytes > 0 && len(msg.Args) > p.cfg.MaxPayloadBytes {
		return fmt.Sprintf("payload %d bytes exceeds max %d", len(msg.Args), p.cfg.MaxPayloadBytes), false
	}
	if len(p.cfg.TaskNameAllowlist) > 0 && !p.cfg.TaskNameAllowlist[msg.Task] {
		return fmt.Sprintf("task %q not in allowlist", msg.Task), false
	}
	if p.cfg.RequireSignature && !verifySignature(msg, p.cfg.SignatureSecret) {
		return "missing or invalid signature", false
	}
	return "", true
}

func overlapKeyFor(reg *registry.Registration, input any) (string, error) {
	if reg.OverlapKeyFunc == nil {
		return "", nil
	}
	return reg.OverlapKeyFunc(input)
}

func (p *Pipeline) overlapTimeout(reg *registry.Registration) time.Duration {
	if reg.TimeLimitPolicy != nil && reg.TimeLimitPolicy.HardLimit > 0 {
		return reg.TimeLimitPolicy.HardLimit
	}
	return p.cfg.DefaultOverlapLeaseTimeout
}

// withTimeLimits composes the soft/hard deadlines linked to ctx (§4.9
// i). The hard limit force-cancels execCtx; the soft limit only closes
// softHit, giving the handler a recoverable signal.
func (p *Pipeline) withTimeLimits(ctx context.Context, reg *registry.Registration) (execCtx context.Context, cancel context.CancelFunc, softHit <-chan struct{}) {
	hit := make(chan struct{})
	if reg.TimeLimitPolicy != nil && reg.TimeLimitPolicy.HardLimit > 0 {
		execCtx, cancel = context.WithTimeout(ctx, reg.TimeLimitPolicy.HardLimit)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	if reg.TimeLimitPolicy != nil && reg.TimeLimitPolicy.SoftLimit > 0 {
		timer := time.AfterFunc(reg.TimeLimitPolicy.SoftLimit, func() { close(hit) })
		baseCancel := cancel
		cancel = func() {
			timer.Stop()
			baseCancel()
		}
	}
	return execCtx, cancel, hit
}

func sortedFilters(filters []registry.FilterOrder, ascending bool) []registry.FilterOrder {
	out := make([]registry.FilterOrder, len(filters))
	copy(out, filters)
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].Order < out[j].Order
		}
		return out[i].Order > out[j].Order
	})
	return out
}

// recordBreakerOutcome feeds the handler's success/failure into reg's
// breaker, if one is configured. Looked up again here (cheap: a map
// read behind a read lock) rather than threaded through every call
// site between the breaker gate and outcome resolution.
func (p *Pipeline) recordBreakerOutcome(reg *registry.Registration, success bool) {
	if reg.CircuitBreakerPolicy == nil || p.breakers == nil {
		return
	}
	b := p.breakers.Get(reg.TaskName, *reg.CircuitBreakerPolicy)
	if b == nil {
		return
	}
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
}

func (p *Pipeline) resolveSuccess(ctx context.Context, bm broker.BrokerMessage, msg *message.TaskMessage, reg *registry.Registration, output []byte) outcome {
	p.recordBreakerOutcome(reg, true)
	result := &message.TaskResult{
		TaskID:      msg.ID,
		State:       message.StateSuccess,
		Result:      output,
		ContentType: "application/json",
		CompletedAt: p.clk.Now(),
		Retries:     msg.Retries,
		Worker:      p.cfg.WorkerID,
	}
	_ = p.results.StoreResult(ctx, result, p.cfg.ResultExpiry)
	_ = p.broker.Ack(ctx, bm.DeliveryTag)
	return outcome{kind: outcomeSuccess, taskName: msg.Task, retries: msg.Retries}
}

func (p *Pipeline) resolveFailure(ctx context.Context, bm broker.BrokerMessage, msg *message.TaskMessage, reg *registry.Registration, cause error) outcome {
	p.recordBreakerOutcome(reg, false)
	if taskerr.Retryable(cause) && msg.Retries < msg.MaxRetries {
		delay := calcBackoff(msg.Retries, p.cfg.DefaultRetry)
		p.requeue(ctx, bm, msg, delay, true, message.StateRetry, cause.Error())
		p.emit(ctx, msg.ID, SignalRetryScheduled, cause.Error())
		return outcome{kind: outcomeRetryScheduled, taskName: msg.Task, retries: msg.Retries, err: cause}
	}

	exc := exceptionFrom(cause)
	result := &message.TaskResult{
		TaskID:      msg.ID,
		State:       message.StateFailure,
		Exception:   exc,
		CompletedAt: p.clk.Now(),
		Retries:     msg.Retries,
		Worker:      p.cfg.WorkerID,
	}

	// The result-backend write and the dead-letter put target different
	// stores and neither depends on the other; both must land before
	// the broker Ack so a crash between them never loses the message
	// with nothing recorded anywhere.
	_ = p.teardown(ctx,
		func(ctx context.Context) error { return p.results.StoreResult(ctx, result, p.cfg.ResultExpiry) },
		func(ctx context.Context) error {
			if p.deadletters == nil {
				return nil
			}
			return p.deadletters.Put(ctx, deadletter.Entry{
				ID:                   msg.ID + ":" + fmt.Sprint(p.clk.Now().UnixNano()),
				TaskID:               msg.ID,
				TaskName:             msg.Task,
				Queue:                msg.Queue,
				OriginalPayloadBytes: msg.Args,
				Reason:               deadletter.ReasonMaxRetriesExceeded,
				ExceptionType:        exc.Type,
				ExceptionMessage:     exc.Message,
				ExceptionStack:       exc.Stack,
				Timestamp:            p.clk.Now(),
			})
		},
	)
	_ = p.broker.Ack(ctx, bm.DeliveryTag)
	p.emit(ctx, msg.ID, SignalDeadLettered, exc)
	return outcome{kind: outcomeDeadLettered, taskName: msg.Task, retries: msg.Retries, err: cause}
}

func exceptionFrom(err error) *message.Exception {
	exc := &message.Exception{Message: err.Error(), Type: "error"}
	var te *taskerr.Error
	if errors.As(err, &te) {
		exc.Type = te.Kind.String()
		exc.Stack = te.Stack
		if te.Inner != nil {
			exc.Inner = te.Inner.Error()
		}
	}
	return exc
}

func (p *Pipeline) reject(ctx context.Context, bm broker.BrokerMessage, reason deadletter.Reason, detail string) {
	msg := bm.Message
	_ = p.teardown(ctx,
		func(ctx context.Context) error { return p.results.UpdateState(ctx, msg.ID, message.StateRejected, nil) },
		func(ctx context.Context) error {
			if p.deadletters == nil {
				return nil
			}
			return p.deadletters.Put(ctx, deadletter.Entry{
				ID:                   msg.ID + ":" + fmt.Sprint(p.clk.Now().UnixNano()),
				TaskID:               msg.ID,
				TaskName:             msg.Task,
				Queue:                msg.Queue,
				OriginalPayloadBytes: msg.Args,
				Reason:               reason,
				ExceptionMessage:     detail,
				Timestamp:            p.clk.Now(),
			})
		},
	)
	_ = p.broker.Ack(ctx, bm.DeliveryTag)
	logging.Op().Warn("message rejected", "task_id", msg.ID, "task", msg.Task, "reason", reason, "detail", detail)
}

// requeue implements the requeue policy (§4.9): republish the same
// message id via the delayed store with deliver_at = now+delay, then
// ack the original broker delivery, closing the race between acking
// and re-adding with no yield point in between.
func (p *Pipeline) requeue(ctx context.Context, bm broker.BrokerMessage, msg *message.TaskMessage, delay time.Duration, incrementRetries bool, state message.State, reason string) {
	clone := msg.Clone()
	clone.DoNotIncrementRetries = !incrementRetries
	if incrementRetries {
		clone.Retries++
	}
	deliverAt := p.clk.Now().Add(delay)
	if err := p.delayed.Add(ctx, clone, deliverAt); err != nil {
		logging.Op().Error("requeue: delayed store add failed, rejecting with broker requeue", "task_id", msg.ID, "error", err)
		_ = p.broker.Reject(ctx, bm.DeliveryTag, true)
		return
	}
	_ = p.results.UpdateState(ctx, msg.ID, state, nil)
	_ = p.broker.Ack(ctx, bm.DeliveryTag)
	logging.Op().Info("message requeued", "task_id", msg.ID, "task", msg.Task, "delay", delay, "state", state, "reason", reason)
}

func (p *Pipeline) emit(ctx context.Context, taskID, signal string, payload any) {
	if p.signals == nil {
		return
	}
	p.signals.Dispatch(ctx, taskID, signal, payload)
}

func (p *Pipeline) logDispatch(bm broker.BrokerMessage, o outcome, dur time.Duration) {
	entry := &logging.DispatchLog{
		TaskID:     bm.Message.ID,
		TaskName:   o.taskName,
		Queue:      bm.Queue,
		Worker:     p.cfg.WorkerID,
		DurationMs: dur.Milliseconds(),
		Outcome:    o.kind.String(),
		Retries:    o.retries,
	}
	if o.err != nil {
		entry.Error = o.err.Error()
	}
	logging.Default().Log(entry)
	metrics.Global().RecordDispatch(o.taskName, bm.Queue, o.kind.String(), dur.Milliseconds())
}

// teardown runs independent writes to separate stores concurrently
// before the caller acks the broker delivery. Unlike the pre-dispatch
// gates (e)-(g), whose side effects (a consumed rate-limit token, an
// acquired overlap lease) must not be paid for speculatively, these
// writes carry no such cost and share no ordering dependency with one
// another, only with the Ack that follows. Grounded on
// executor.Invoke's errgroup.WithContext parallel pre-fetch, reused
// here for parallel stores instead of parallel fetches.
func (p *Pipeline) teardown(ctx context.Context, actions ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, action := range actions {
		g.Go(func() error {
			if err := action(gctx); err != nil {
				logging.Op().Warn("pipeline teardown action failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
