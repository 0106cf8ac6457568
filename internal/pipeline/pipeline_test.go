package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/kidoz/dotcelery/internal/deadletter"
	"github.com/kidoz/dotcelery/internal/deadletter/memdeadletter"
	"github.com/kidoz/dotcelery/internal/delayed/memdelayed"
	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/ratelimit"
	"github.com/kidoz/dotcelery/internal/registry"
	"github.com/kidoz/dotcelery/internal/resultbackend/memresultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
	"github.com/kidoz/dotcelery/internal/taskerr"
	"github.com/kidoz/dotcelery/internal/tracker/memtracker"
)

type echoIn struct {
	Value string `json:"value"`
}

type echoOut struct {
	Value string `json:"value"`
}

// fixture bundles the stores a Pipeline is built over so each test can
// reach into them without re-deriving the wiring.
type fixture struct {
	broker      *memorybroker.Broker
	results     *memresultbackend.Backend
	delayed     *memdelayed.Store
	revocations *revocation.MemStore
	deadletters *memdeadletter.Handler
	tracker     *memtracker.Tracker
	rateLimiter *ratelimit.LocalTokenBucketBackend
	breakers    *circuitbreaker.Registry
}

func newFixture() *fixture {
	return &fixture{
		broker:      memorybroker.New(time.Minute),
		results:     memresultbackend.New(),
		delayed:     memdelayed.New(),
		revocations: revocation.NewMemStore(),
		deadletters: memdeadletter.New(0),
		tracker:     memtracker.New(),
		rateLimiter: ratelimit.NewLocalTokenBucketBackend(),
		breakers:    circuitbreaker.NewRegistry(),
	}
}

func (fx *fixture) deps(reg *registry.Registry) Deps {
	return Deps{
		Registry:    reg,
		Broker:      fx.broker,
		Results:     fx.results,
		Delayed:     fx.delayed,
		Revocations: fx.revocations,
		RateLimiter: fx.rateLimiter,
		Tracker:     fx.tracker,
		DeadLetters: fx.deadletters,
		Breakers:    fx.breakers,
	}
}

func newEchoRegistry(t *testing.T, opts registry.RegistrationOptions, handler func(ctx *registry.TaskContext, in echoIn) (echoOut, error)) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, registry.Register(r, "echo", opts, handler))
	return r.Build()
}

func succeedHandler(_ *registry.TaskContext, in echoIn) (echoOut, error) {
	return echoOut{Value: in.Value}, nil
}

func transientFailHandler(_ *registry.TaskContext, _ echoIn) (echoOut, error) {
	return echoOut{}, taskerr.New(taskerr.KindTransient, "downstream unavailable")
}

func permanentFailHandler(_ *registry.TaskContext, _ echoIn) (echoOut, error) {
	return echoOut{}, taskerr.New(taskerr.KindPermanent, "handler misconfigured")
}

func newMessage(id, task string, args any, retries, maxRetries int) *message.TaskMessage {
	raw, _ := json.Marshal(args)
	return &message.TaskMessage{
		SchemaVersion: message.CurrentSchemaVersion,
		ID:            id,
		Task:          task,
		Args:          raw,
		Queue:         "default",
		Timestamp:     time.Now(),
		Retries:       retries,
		MaxRetries:    maxRetries,
	}
}

func bmFor(msg *message.TaskMessage) broker.BrokerMessage {
	return broker.BrokerMessage{Message: msg, DeliveryTag: broker.DeliveryTag("tag-" + msg.ID), Queue: msg.Queue}
}

func TestDispatchSuccessStoresResult(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t1", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, message.StateSuccess, state)

	result, err := fx.results.GetResult(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, result)
	var out echoOut
	require.NoError(t, json.Unmarshal(result.Result, &out))
	require.Equal(t, "hi", out.Value)
}

func TestDispatchUnknownTaskDeadLetters(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t2", "not_registered", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)

	entries, err := fx.deadletters.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, deadletter.ReasonUnknownTask, entries[0].Reason)
}

func TestDispatchRevokedBeforeDispatchSkipsHandler(t *testing.T) {
	fx := newFixture()
	called := false
	handler := func(ctx *registry.TaskContext, in echoIn) (echoOut, error) {
		called = true
		return echoOut{Value: in.Value}, nil
	}
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, handler)
	p := New(fx.deps(reg), Config{})

	require.NoError(t, fx.revocations.Revoke(context.Background(), "t3", true, time.Hour, message.SignalGraceful))

	msg := newMessage("t3", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	require.False(t, called)
	state, err := fx.results.GetState(context.Background(), "t3")
	require.NoError(t, err)
	require.Equal(t, message.StateRevoked, state)
}

func TestDispatchExpiredMessageRejected(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{})

	past := time.Now().Add(-time.Minute)
	msg := newMessage("t4", "echo", echoIn{Value: "hi"}, 0, 3)
	msg.Expires = &past
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t4")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)

	entries, err := fx.deadletters.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, deadletter.ReasonExpired, entries[0].Reason)
}

func TestDispatchRetryOnTransientErrorSchedulesDelayedRedelivery(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, transientFailHandler)
	p := New(fx.deps(reg), Config{DefaultRetry: RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}})

	msg := newMessage("t5", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t5")
	require.NoError(t, err)
	require.Equal(t, message.StateRetry, state)

	count, err := fx.delayed.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	due, err := fx.delayed.GetDue(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Retries)
	require.False(t, due[0].DoNotIncrementRetries)

	entries, err := fx.deadletters.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDispatchRetriesExhaustedDeadLetters(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, transientFailHandler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t6", "echo", echoIn{Value: "hi"}, 3, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t6")
	require.NoError(t, err)
	require.Equal(t, message.StateFailure, state)

	entries, err := fx.deadletters.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, deadletter.ReasonMaxRetriesExceeded, entries[0].Reason)

	count, err := fx.delayed.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestDispatchOverlapBlockedRequeuesWithoutIncrementingRetries(t *testing.T) {
	fx := newFixture()
	opts := registry.RegistrationOptions{
		PreventOverlapping: true,
		OverlapKeyFunc:     func(any) (string, error) { return "shared-key", nil },
	}
	reg := newEchoRegistry(t, opts, succeedHandler)
	p := New(fx.deps(reg), Config{DefaultRetry: RetryPolicy{InitialDelay: time.Millisecond}})

	started, err := fx.tracker.TryStart(context.Background(), "echo", "other-task", "shared-key", time.Hour)
	require.NoError(t, err)
	require.True(t, started)

	msg := newMessage("t7", "echo", echoIn{Value: "hi"}, 1, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t7")
	require.NoError(t, err)
	require.Equal(t, message.StateRequeued, state)

	due, err := fx.delayed.GetDue(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Retries)
	require.True(t, due[0].DoNotIncrementRetries)
}

func TestDispatchRateLimitedRequeuesWithoutIncrementingRetries(t *testing.T) {
	fx := newFixture()
	policy := &ratelimit.Policy{Limit: 1, Window: time.Minute}
	reg := newEchoRegistry(t, registry.RegistrationOptions{RateLimitPolicy: policy}, succeedHandler)
	p := New(fx.deps(reg), Config{DefaultRetry: RetryPolicy{InitialDelay: time.Millisecond}})

	_, err := fx.rateLimiter.Allow(context.Background(), "echo", *policy)
	require.NoError(t, err)

	msg := newMessage("t8", "echo", echoIn{Value: "hi"}, 2, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t8")
	require.NoError(t, err)
	require.Equal(t, message.StateRequeued, state)

	due, err := fx.delayed.GetDue(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 2, due[0].Retries)
	require.True(t, due[0].DoNotIncrementRetries)
}

func TestDispatchPartitionGateBlocksConcurrentSamePartitionKey(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{DefaultRetry: RetryPolicy{InitialDelay: time.Millisecond}})

	unlock, ok := p.partitions.tryLock("tenant-a")
	require.True(t, ok)
	defer unlock()

	msg := newMessage("t9", "echo", echoIn{Value: "hi"}, 0, 3)
	msg.PartitionKey = "tenant-a"
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t9")
	require.NoError(t, err)
	require.Equal(t, message.StateRequeued, state)
}

func TestValidateRejectsUnknownSchemaVersion(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{MaxSupportedSchemaVersion: 1})

	msg := newMessage("t10", "echo", echoIn{Value: "hi"}, 0, 3)
	msg.SchemaVersion = 2
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t10")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)
}

func TestValidateRejectsOversizedPayload(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{MaxPayloadBytes: 4})

	msg := newMessage("t11", "echo", echoIn{Value: "much too long for the limit"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t11")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)
}

func TestValidateRejectsTaskNotInAllowlist(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	p := New(fx.deps(reg), Config{TaskNameAllowlist: map[string]bool{"other": true}})

	msg := newMessage("t12", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t12")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)
}

func TestValidateSignatureRequired(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	secret := []byte("shared-secret")
	p := New(fx.deps(reg), Config{RequireSignature: true, SignatureSecret: secret})

	msg := newMessage("t13", "echo", echoIn{Value: "hi"}, 0, 3)
	sig, err := signMessage(msg, secret)
	require.NoError(t, err)
	msg.Signature = sig
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t13")
	require.NoError(t, err)
	require.Equal(t, message.StateSuccess, state)
}

func TestValidateSignatureRejectsTampered(t *testing.T) {
	fx := newFixture()
	reg := newEchoRegistry(t, registry.RegistrationOptions{}, succeedHandler)
	secret := []byte("shared-secret")
	p := New(fx.deps(reg), Config{RequireSignature: true, SignatureSecret: secret})

	msg := newMessage("t14", "echo", echoIn{Value: "hi"}, 0, 3)
	sig, err := signMessage(msg, append(secret, 'x'))
	require.NoError(t, err)
	msg.Signature = sig
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t14")
	require.NoError(t, err)
	require.Equal(t, message.StateRejected, state)
}

type successFilter struct {
	registry.NopFilter
	payload []byte
}

func (f successFilter) OnExecuting(*registry.TaskContext) registry.FilterResult {
	return registry.FilterResult{Kind: registry.FilterShortCircuitSuccess, Result: f.payload}
}

func TestFilterShortCircuitsSuccessBeforeHandlerRuns(t *testing.T) {
	fx := newFixture()
	called := false
	handler := func(ctx *registry.TaskContext, in echoIn) (echoOut, error) {
		called = true
		return echoOut{}, nil
	}
	payload, _ := json.Marshal(echoOut{Value: "from-filter"})
	opts := registry.RegistrationOptions{
		Filters: []registry.FilterOrder{{Filter: successFilter{payload: payload}, Order: 0}},
	}
	reg := newEchoRegistry(t, opts, handler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t15", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	require.False(t, called)
	result, err := fx.results.GetResult(context.Background(), "t15")
	require.NoError(t, err)
	require.NotNil(t, result)
	var out echoOut
	require.NoError(t, json.Unmarshal(result.Result, &out))
	require.Equal(t, "from-filter", out.Value)
}

type failFilter struct{ registry.NopFilter }

func (failFilter) OnExecuting(*registry.TaskContext) registry.FilterResult {
	return registry.FilterResult{Kind: registry.FilterShortCircuitFail, Err: taskerr.New(taskerr.KindPermanent, "blocked by filter")}
}

func TestFilterShortCircuitsFailRoutesToDeadLetter(t *testing.T) {
	fx := newFixture()
	called := false
	handler := func(ctx *registry.TaskContext, in echoIn) (echoOut, error) {
		called = true
		return echoOut{}, nil
	}
	opts := registry.RegistrationOptions{
		Filters: []registry.FilterOrder{{Filter: failFilter{}, Order: 0}},
	}
	reg := newEchoRegistry(t, opts, handler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t16", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	require.False(t, called)
	state, err := fx.results.GetState(context.Background(), "t16")
	require.NoError(t, err)
	require.Equal(t, message.StateFailure, state)

	entries, err := fx.deadletters.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCircuitBreakerOpensAfterFailureAndBlocksDispatch(t *testing.T) {
	fx := newFixture()
	calls := 0
	handler := func(ctx *registry.TaskContext, in echoIn) (echoOut, error) {
		calls++
		return permanentFailHandler(ctx, in)
	}
	opts := registry.RegistrationOptions{
		CircuitBreakerPolicy: &circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   time.Hour,
			HalfOpenProbes: 1,
		},
	}
	reg := newEchoRegistry(t, opts, handler)
	p := New(fx.deps(reg), Config{DefaultRetry: RetryPolicy{InitialDelay: time.Millisecond}})

	msg1 := newMessage("t18", "echo", echoIn{Value: "hi"}, 0, 0)
	p.Dispatch(context.Background(), bmFor(msg1))
	require.Equal(t, 1, calls)

	state, err := fx.results.GetState(context.Background(), "t18")
	require.NoError(t, err)
	require.Equal(t, message.StateFailure, state)

	b := fx.breakers.Get("echo", *opts.CircuitBreakerPolicy)
	require.NotNil(t, b)
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	msg2 := newMessage("t19", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg2))

	require.Equal(t, 1, calls, "breaker open should have blocked the second dispatch before the handler ran")
	state, err = fx.results.GetState(context.Background(), "t19")
	require.NoError(t, err)
	require.Equal(t, message.StateRequeued, state)

	due, err := fx.delayed.GetDue(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.True(t, due[0].DoNotIncrementRetries)
}

func TestCircuitBreakerClosedAllowsDispatchOnSuccess(t *testing.T) {
	fx := newFixture()
	opts := registry.RegistrationOptions{
		CircuitBreakerPolicy: &circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   time.Hour,
			HalfOpenProbes: 1,
		},
	}
	reg := newEchoRegistry(t, opts, succeedHandler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t20", "echo", echoIn{Value: "hi"}, 0, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	state, err := fx.results.GetState(context.Background(), "t20")
	require.NoError(t, err)
	require.Equal(t, message.StateSuccess, state)

	b := fx.breakers.Get("echo", *opts.CircuitBreakerPolicy)
	require.NotNil(t, b)
	require.Equal(t, circuitbreaker.StateClosed, b.State())
}

func TestTimeLimitHardCancelsHandler(t *testing.T) {
	fx := newFixture()
	handler := func(ctx *registry.TaskContext, in echoIn) (echoOut, error) {
		<-ctx.Context.Done()
		return echoOut{}, ctx.Context.Err()
	}
	opts := registry.RegistrationOptions{
		TimeLimitPolicy: &registry.TimeLimitPolicy{HardLimit: 10 * time.Millisecond},
	}
	reg := newEchoRegistry(t, opts, handler)
	p := New(fx.deps(reg), Config{})

	msg := newMessage("t17", "echo", echoIn{Value: "hi"}, 3, 3)
	p.Dispatch(context.Background(), bmFor(msg))

	result, err := fx.results.GetResult(context.Background(), "t17")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, message.StateFailure, result.State)
	require.Equal(t, "permanent", result.Exception.Type)
}
