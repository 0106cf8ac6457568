package memdeadletter

import (
	"context"
	"testing"
	"time"

	"github.com/kidoz/dotcelery/internal/deadletter"
)

func mustPut(t *testing.T, h *Handler, id string, ts time.Time) {
	t.Helper()
	err := h.Put(context.Background(), deadletter.Entry{
		ID:                   id,
		TaskID:               id,
		TaskName:             "send_email",
		Queue:                "default",
		OriginalPayloadBytes: []byte(`{"id":"` + id + `"}`),
		Reason:               deadletter.ReasonMaxRetriesExceeded,
		Timestamp:            ts,
	})
	if err != nil {
		t.Fatalf("Put(%s) failed: %v", id, err)
	}
}

func TestPutAndGet(t *testing.T) {
	h := New(0)
	defer h.Close()

	mustPut(t, h, "a", time.Unix(1, 0))
	entry, ok, err := h.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if entry.Reason != deadletter.ReasonMaxRetriesExceeded {
		t.Fatalf("unexpected reason: %v", entry.Reason)
	}
}

func TestListIsFIFOOrdered(t *testing.T) {
	h := New(0)
	defer h.Close()

	mustPut(t, h, "a", time.Unix(1, 0))
	mustPut(t, h, "b", time.Unix(2, 0))
	mustPut(t, h, "c", time.Unix(3, 0))

	entries, err := h.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != "a" || entries[1].ID != "b" || entries[2].ID != "c" {
		t.Fatalf("expected FIFO order a,b,c, got %v", []string{entries[0].ID, entries[1].ID, entries[2].ID})
	}
}

func TestMaxMessagesEvictsOldest(t *testing.T) {
	h := New(2)
	defer h.Close()

	mustPut(t, h, "a", time.Unix(1, 0))
	mustPut(t, h, "b", time.Unix(2, 0))
	mustPut(t, h, "c", time.Unix(3, 0))

	entries, _ := h.List(context.Background(), 0, 10)
	if len(entries) != 2 {
		t.Fatalf("expected cap of 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "b" || entries[1].ID != "c" {
		t.Fatalf("expected oldest entry evicted, got %v", []string{entries[0].ID, entries[1].ID})
	}
}

func TestRequeueRepublishesAndDeletes(t *testing.T) {
	h := New(0)
	defer h.Close()

	mustPut(t, h, "a", time.Unix(1, 0))

	var republishedQueue string
	var republishedPayload []byte
	err := h.Requeue(context.Background(), "a", func(ctx context.Context, queue string, payload []byte) error {
		republishedQueue = queue
		republishedPayload = payload
		return nil
	})
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if republishedQueue != "default" {
		t.Fatalf("expected republish to queue 'default', got %q", republishedQueue)
	}
	if len(republishedPayload) == 0 {
		t.Fatal("expected non-empty republished payload")
	}

	_, ok, _ := h.Get(context.Background(), "a")
	if ok {
		t.Fatal("expected entry to be deleted after requeue")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	h := New(0)
	defer h.Close()

	mustPut(t, h, "a", time.Unix(1, 0))
	mustPut(t, h, "b", time.Unix(2, 0))

	if err := h.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	entries, _ := h.List(context.Background(), 0, 10)
	if len(entries) != 1 || entries[0].ID != "b" {
		t.Fatalf("expected only 'b' to remain, got %v", entries)
	}

	if err := h.Purge(context.Background()); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	entries, _ = h.List(context.Background(), 0, 10)
	if len(entries) != 0 {
		t.Fatalf("expected empty DLQ after purge, got %d entries", len(entries))
	}
}

func TestCleanupExpired(t *testing.T) {
	h := New(0)
	defer h.Close()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	err := h.Put(context.Background(), deadletter.Entry{
		ID: "expired", TaskID: "expired", TaskName: "t", Queue: "default",
		OriginalPayloadBytes: []byte("{}"), Reason: deadletter.ReasonExpired,
		Timestamp: time.Unix(1, 0), ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err = h.Put(context.Background(), deadletter.Entry{
		ID: "alive", TaskID: "alive", TaskName: "t", Queue: "default",
		OriginalPayloadBytes: []byte("{}"), Reason: deadletter.ReasonExpired,
		Timestamp: time.Unix(2, 0), ExpiresAt: &future,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	removed, err := h.CleanupExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	_, ok, _ := h.Get(context.Background(), "alive")
	if !ok {
		t.Fatal("expected non-expired entry to survive cleanup")
	}
}

func TestConfigAdmits(t *testing.T) {
	cfg := deadletter.Config{Enabled: false}
	if cfg.Admits(deadletter.ReasonExpired) {
		t.Fatal("disabled config must never admit")
	}

	cfg = deadletter.Config{Enabled: true}
	if !cfg.Admits(deadletter.ReasonExpired) {
		t.Fatal("empty reason set should admit everything")
	}

	cfg = deadletter.Config{Enabled: true, Reasons: map[deadletter.Reason]bool{deadletter.ReasonRejected: true}}
	if cfg.Admits(deadletter.ReasonExpired) {
		t.Fatal("restricted reason set must reject reasons not listed")
	}
	if !cfg.Admits(deadletter.ReasonRejected) {
		t.Fatal("restricted reason set must admit listed reasons")
	}
}
