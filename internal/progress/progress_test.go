package progress

import (
	"context"
	"testing"

	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/resultbackend/memresultbackend"
)

type recordingDispatcher struct {
	taskID string
	signal string
	payload any
	calls  int
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, taskID string, signal string, payload any) {
	d.taskID = taskID
	d.signal = signal
	d.payload = payload
	d.calls++
}

func TestUpdateClampsPercent(t *testing.T) {
	backend := memresultbackend.New()
	defer backend.Close()
	r := New(backend, nil)

	r.Update("t1", 150, "almost", 9, 10, "processing")
	info, ok := r.Get("t1")
	if !ok {
		t.Fatal("expected cached progress entry")
	}
	if info.Percent != 100 {
		t.Fatalf("expected percent clamped to 100, got %v", info.Percent)
	}

	r.Update("t1", -5, "start", 0, 10, "init")
	info, _ = r.Get("t1")
	if info.Percent != 0 {
		t.Fatalf("expected percent clamped to 0, got %v", info.Percent)
	}
}

func TestUpdateWritesThroughToBackend(t *testing.T) {
	backend := memresultbackend.New()
	defer backend.Close()
	backend.UpdateState(context.Background(), "t1", message.StateStarted, nil)

	r := New(backend, nil)
	r.Update("t1", 50, "halfway", 5, 10, "processing")

	state, err := backend.GetState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != message.StateProgress {
		t.Fatalf("expected state Progress, got %v", state)
	}
}

func TestUpdateDispatchesSignal(t *testing.T) {
	backend := memresultbackend.New()
	defer backend.Close()
	d := &recordingDispatcher{}
	r := New(backend, d)

	r.Update("t1", 25, "working", 1, 4, "step1")
	if d.calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", d.calls)
	}
	if d.signal != ProgressUpdated {
		t.Fatalf("expected signal %q, got %q", ProgressUpdated, d.signal)
	}
	if d.taskID != "t1" {
		t.Fatalf("expected taskID t1, got %q", d.taskID)
	}
}

func TestForgetRemovesCachedEntry(t *testing.T) {
	backend := memresultbackend.New()
	defer backend.Close()
	r := New(backend, nil)

	r.Update("t1", 10, "x", 0, 0, "a")
	r.Forget("t1")
	if _, ok := r.Get("t1"); ok {
		t.Fatal("expected cached entry to be forgotten")
	}
}

func TestProgressSelfLoopIsIdempotent(t *testing.T) {
	backend := memresultbackend.New()
	defer backend.Close()
	backend.UpdateState(context.Background(), "t1", message.StateStarted, nil)

	r := New(backend, nil)
	r.Update("t1", 10, "a", 0, 10, "step1")
	r.Update("t1", 20, "b", 1, 10, "step1")

	state, _ := backend.GetState(context.Background(), "t1")
	if state != message.StateProgress {
		t.Fatalf("expected state to remain Progress across repeated updates, got %v", state)
	}
}
