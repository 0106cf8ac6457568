package beat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
)

func mustConsumeOne(t *testing.T, b *memorybroker.Broker, queue string, timeout time.Duration) broker.BrokerMessage {
	t.Helper()
	ch, err := b.Consume(context.Background(), []string{queue})
	require.NoError(t, err)
	select {
	case bm := <-ch:
		return bm
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a published message")
		return broker.BrokerMessage{}
	}
}

func TestIntervalEntryFiresWhenDue(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default"})

	require.NoError(t, s.Add(EntrySpec{
		Name:     "ping",
		TaskName: "ping_task",
		Interval: time.Minute,
		Enabled:  true,
	}))

	now := time.Now()
	s.tick(now)

	bm := mustConsumeOne(t, b, "default", time.Second)
	require.Equal(t, "ping_task", bm.Message.Task)
}

func TestIntervalEntryDoesNotFireBeforeDue(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default"})

	now := time.Now()
	require.NoError(t, s.Add(EntrySpec{
		Name:        "ping",
		TaskName:    "ping_task",
		Interval:    time.Hour,
		Enabled:     true,
		LastRunTime: now,
	}))

	s.tick(now.Add(time.Minute))

	select {
	case bm := <-mustConsumeChan(t, b, "default"):
		t.Fatalf("expected no message, got %+v", bm)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustConsumeChan(t *testing.T, b *memorybroker.Broker, queue string) <-chan broker.BrokerMessage {
	t.Helper()
	ch, err := b.Consume(context.Background(), []string{queue})
	require.NoError(t, err)
	return ch
}

func TestDisabledEntryNeverFires(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default"})

	require.NoError(t, s.Add(EntrySpec{
		Name:     "ping",
		TaskName: "ping_task",
		Interval: time.Millisecond,
		Enabled:  false,
	}))

	s.tick(time.Now().Add(time.Hour))

	select {
	case bm := <-mustConsumeChan(t, b, "default"):
		t.Fatalf("expected no message from disabled entry, got %+v", bm)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMissedRunCatchUpFiresOnceOnStartup(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default", RunMissedOnStartup: true})

	require.NoError(t, s.Add(EntrySpec{
		Name:     "catchup",
		TaskName: "catchup_task",
		Interval: time.Hour,
		Enabled:  true,
		// LastRunTime left zero: reference becomes now-1d, so a 1h
		// interval is long overdue and must fire immediately.
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	bm := mustConsumeOne(t, b, "default", time.Second)
	require.Equal(t, "catchup_task", bm.Message.Task)
}

func TestCronEntryNextRunAdvancesPastReference(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{})

	require.NoError(t, s.Add(EntrySpec{
		Name:     "hourly",
		TaskName: "hourly_task",
		CronExpr: "0 * * * *",
		Enabled:  true,
	}))

	s.mu.Lock()
	e := s.entries["hourly"]
	s.mu.Unlock()

	ref := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	e.lastRun = ref
	next := s.nextRun(e, ref)
	require.True(t, next.After(ref))
	require.Equal(t, 11, next.Hour())
	require.Equal(t, 0, next.Minute())
}

func TestJitterKeepsETAWithinWindow(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default"})

	require.NoError(t, s.Add(EntrySpec{
		Name:      "jittered",
		TaskName:  "jittered_task",
		Interval:  time.Minute,
		Enabled:   true,
		MaxJitter: 5 * time.Second,
	}))

	now := time.Now()
	s.tick(now)

	bm := mustConsumeOne(t, b, "default", time.Second)
	require.NotNil(t, bm.Message.ETA)
	require.False(t, bm.Message.ETA.Before(now))
	require.False(t, bm.Message.ETA.After(now.Add(5*time.Second)))
}

func TestAddRejectsEntryWithoutCronOrInterval(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{})

	err := s.Add(EntrySpec{Name: "broken", TaskName: "x", Enabled: true})
	require.Error(t, err)
}

func TestRemoveStopsFutureFiring(t *testing.T) {
	b := memorybroker.New(time.Minute)
	s := New(b, nil, Config{DefaultQueue: "default"})

	require.NoError(t, s.Add(EntrySpec{
		Name:     "ping",
		TaskName: "ping_task",
		Interval: time.Millisecond,
		Enabled:  true,
	}))
	s.Remove("ping")

	s.tick(time.Now().Add(time.Hour))

	select {
	case bm := <-mustConsumeChan(t, b, "default"):
		t.Fatalf("expected no message after removal, got %+v", bm)
	case <-time.After(50 * time.Millisecond):
	}
}
