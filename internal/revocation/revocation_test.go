package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/queue"
)

func TestMemStore_RevokeThenIsRevoked(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	if _, revoked, _ := s.IsRevoked(ctx, "task-1"); revoked {
		t.Fatal("expected task-1 to not be revoked before Revoke is called")
	}

	if err := s.Revoke(ctx, "task-1", true, time.Minute, message.SignalImmediate); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	rec, revoked, err := s.IsRevoked(ctx, "task-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected task-1 to be revoked")
	}
	if !rec.Terminate {
		t.Fatal("expected Terminate to be true")
	}
	if rec.Signal != message.SignalImmediate {
		t.Fatalf("expected SignalImmediate, got %v", rec.Signal)
	}
}

func TestMemStore_ExpiresAfterTTL(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	if err := s.Revoke(ctx, "task-1", false, 10*time.Millisecond, message.SignalGraceful); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, revoked, _ := s.IsRevoked(ctx, "task-1"); revoked {
		t.Fatal("expected revocation to have expired")
	}
}

func TestMemStore_ZeroExpiryFallsBackToDefault(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	if err := s.Revoke(ctx, "task-1", false, 0, message.SignalGraceful); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	_, revoked, _ := s.IsRevoked(ctx, "task-1")
	if !revoked {
		t.Fatal("expected a zero expiry to fall back to the default TTL rather than expiring immediately")
	}
}

func TestWatcher_TerminateCancelsTrackedFunc(t *testing.T) {
	w := NewWatcher()
	var cancelled bool
	untrack := w.Track("task-1", func() { cancelled = true })
	defer untrack()

	w.Terminate("task-1")
	if !cancelled {
		t.Fatal("expected Terminate to invoke the tracked cancel func")
	}
}

func TestWatcher_TerminateUnknownIDIsNoop(t *testing.T) {
	w := NewWatcher()
	w.Terminate("never-tracked")
}

func TestWatcher_UntrackRemovesFromInFlight(t *testing.T) {
	w := NewWatcher()
	untrack := w.Track("task-1", func() {})

	ids := w.InFlight()
	if len(ids) != 1 || ids[0] != "task-1" {
		t.Fatalf("expected task-1 to be in flight, got %v", ids)
	}

	untrack()
	if ids := w.InFlight(); len(ids) != 0 {
		t.Fatalf("expected no tasks in flight after untrack, got %v", ids)
	}
}

func TestWatchNotifier_InvokesOnSignalForEachSubscription(t *testing.T) {
	notifier := queue.NewChannelNotifier()
	defer notifier.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan struct{}, 4)
	WatchNotifier(ctx, notifier, queue.QueueRevocation, func() { signals <- struct{}{} })

	if err := notifier.Notify(context.Background(), queue.QueueRevocation); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("expected onSignal to fire after a Notify")
	}
}
