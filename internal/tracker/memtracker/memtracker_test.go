package memtracker

import (
	"context"
	"testing"
	"time"
)

func TestTryStart_AcquiresWhenAbsent(t *testing.T) {
	tr := New()
	defer tr.Close()

	ok, err := tr.TryStart(context.Background(), "send_email", "task-1", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("TryStart failed: %v", err)
	}
	if !ok {
		t.Fatal("expected lease to be acquired when no record exists")
	}
}

func TestTryStart_BlocksConcurrentDifferentTask(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	ok, _ := tr.TryStart(ctx, "send_email", "task-1", "user-42", time.Minute)
	if !ok {
		t.Fatal("expected first try_start to succeed")
	}

	ok, err := tr.TryStart(ctx, "send_email", "task-2", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("TryStart failed: %v", err)
	}
	if ok {
		t.Fatal("expected second try_start for a different task id to be blocked")
	}
}

func TestTryStart_ReentrySameTask(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	tr.TryStart(ctx, "send_email", "task-1", "user-42", time.Minute)

	ok, err := tr.TryStart(ctx, "send_email", "task-1", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("TryStart failed: %v", err)
	}
	if !ok {
		t.Fatal("expected re-entry for the same task id to succeed")
	}
}

func TestTryStart_SucceedsAfterExpiry(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	tr.TryStart(ctx, "send_email", "task-1", "user-42", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ok, err := tr.TryStart(ctx, "send_email", "task-2", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("TryStart failed: %v", err)
	}
	if !ok {
		t.Fatal("expected try_start to succeed once the prior lease expired")
	}
}

func TestStop_OnlyReleasesMatchingOwner(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	tr.TryStart(ctx, "send_email", "task-1", "user-42", time.Minute)

	if err := tr.Stop(ctx, "send_email", "task-2", "user-42"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ok, _ := tr.TryStart(ctx, "send_email", "task-3", "user-42", time.Minute)
	if ok {
		t.Fatal("Stop with a non-owning task id must not release the lease")
	}

	if err := tr.Stop(ctx, "send_email", "task-1", "user-42"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ok, _ = tr.TryStart(ctx, "send_email", "task-3", "user-42", time.Minute)
	if !ok {
		t.Fatal("Stop with the owning task id must release the lease")
	}
}

func TestExtend_RenewsOwnedLease(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	tr.TryStart(ctx, "send_email", "task-1", "user-42", 20*time.Millisecond)
	if err := tr.Extend(ctx, "send_email", "task-1", "user-42", 200*time.Millisecond); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	ok, _ := tr.TryStart(ctx, "send_email", "task-2", "user-42", time.Minute)
	if ok {
		t.Fatal("expected extended lease to still be held")
	}
}

func TestKeyEmptyScopesToTaskName(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx := context.Background()
	ok, _ := tr.TryStart(ctx, "singleton_job", "task-1", "", time.Minute)
	if !ok {
		t.Fatal("expected first try_start with empty key to succeed")
	}
	ok, _ = tr.TryStart(ctx, "singleton_job", "task-2", "", time.Minute)
	if ok {
		t.Fatal("expected empty-key lease to exclude all other task ids for that task name")
	}
}
