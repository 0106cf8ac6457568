package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/message"
)

type countingDispatcher struct {
	mu       sync.Mutex
	count    int32
	maxSeen  int32
	inFlight int32
	block    chan struct{} // if non-nil, Dispatch waits on it
}

func (d *countingDispatcher) Dispatch(ctx context.Context, bm broker.BrokerMessage) {
	n := atomic.AddInt32(&d.inFlight, 1)
	d.mu.Lock()
	if n > d.maxSeen {
		d.maxSeen = n
	}
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
		}
	}

	atomic.AddInt32(&d.inFlight, -1)
	atomic.AddInt32(&d.count, 1)
}

func newTestMessage(id string) *message.TaskMessage {
	return &message.TaskMessage{
		SchemaVersion: message.CurrentSchemaVersion,
		ID:            id,
		Task:          "noop",
		Queue:         "default",
		Timestamp:     time.Now(),
	}
}

func TestPoolDispatchesMessages(t *testing.T) {
	b := memorybroker.New(time.Minute)
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), newTestMessage(string(rune('a'+i)))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	d := &countingDispatcher{}
	pool := New(b, d, Config{Queues: []string{"default"}, MaxConcurrency: 2})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&d.count) < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatches, got %d/5", atomic.LoadInt32(&d.count))
		case <-time.After(10 * time.Millisecond):
		}
	}
	pool.Stop()
}

func TestPoolBoundsConcurrency(t *testing.T) {
	b := memorybroker.New(time.Minute)
	defer b.Close()

	for i := 0; i < 6; i++ {
		b.Publish(context.Background(), newTestMessage(string(rune('a'+i))))
	}

	block := make(chan struct{})
	d := &countingDispatcher{block: block}
	pool := New(b, d, Config{Queues: []string{"default"}, MaxConcurrency: 2})
	pool.Start(context.Background())

	time.Sleep(200 * time.Millisecond)
	d.mu.Lock()
	max := d.maxSeen
	d.mu.Unlock()
	if max > 2 {
		t.Fatalf("expected at most 2 concurrent dispatches, saw %d", max)
	}

	close(block)
	pool.Stop()
}

func TestStopWaitsForInFlightThenForceCancels(t *testing.T) {
	b := memorybroker.New(time.Minute)
	defer b.Close()
	b.Publish(context.Background(), newTestMessage("a"))

	var cancelled int32
	d := dispatchFunc(func(ctx context.Context, bm broker.BrokerMessage) {
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
	})

	pool := New(b, d, Config{Queues: []string{"default"}, MaxConcurrency: 1, ShutdownGrace: 20 * time.Millisecond})
	pool.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	pool.Stop()
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatal("expected in-flight dispatch to be force-cancelled after shutdown grace elapsed")
	}
}

type dispatchFunc func(ctx context.Context, bm broker.BrokerMessage)

func (f dispatchFunc) Dispatch(ctx context.Context, bm broker.BrokerMessage) { f(ctx, bm) }
