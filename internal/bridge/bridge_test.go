package bridge

import (
	"testing"
	"time"

	"depthfeed/internal/model"
	"depthfeed/internal/store"
)

func TestOnSliceMarksDirtyAndTickPublishesToStore(t *testing.T) {
	rs := store.New(model.SyncModeSharedHost)
	b := New(Config{FrameHz: 60}, rs, nil)

	b.OnSlice(model.OrderbookSlice{LastUpdateID: 9})
	b.tick()

	snap := rs.Snapshot()
	if snap.LiveSlice == nil || snap.LiveSlice.LastUpdateID != 9 {
		t.Fatalf("expected tick to publish the pending slice, got %+v", snap.LiveSlice)
	}
}

func TestMetricsPublishAfterOneSecondWindow(t *testing.T) {
	rs := store.New(model.SyncModeSharedHost)
	b := New(Config{FrameHz: 60}, rs, nil)

	b.mu.Lock()
	b.lastMetricsPub = time.Now().Add(-2 * time.Second)
	b.mu.Unlock()

	b.OnSlice(model.OrderbookSlice{LastUpdateID: 1})
	b.tick()

	snap := rs.Snapshot()
	if snap.Metrics.FPS <= 0 {
		t.Fatalf("expected a positive FPS after the metrics window elapsed, got %v", snap.Metrics.FPS)
	}
}

func TestSetHiddenResetsFrameClockWithoutCountingDroppedFrames(t *testing.T) {
	rs := store.New(model.SyncModeSharedHost)
	b := New(Config{FrameHz: 60}, rs, nil)

	b.mu.Lock()
	b.lastFrame = time.Now().Add(-5 * time.Second)
	b.mu.Unlock()

	b.SetHidden(true)
	b.SetHidden(false)
	b.tick()

	b.mu.Lock()
	dropped := b.droppedFrames
	b.mu.Unlock()
	if dropped != 0 {
		t.Fatalf("expected background interval not counted as dropped frames, got %d", dropped)
	}
}

func TestSharedMemoryPollInvokedEachTick(t *testing.T) {
	rs := store.New(model.SyncModeSharedHost)
	b := New(Config{FrameHz: 60}, rs, nil)

	var gotFrozen bool
	var calls int
	b.SetSharedMemoryPoll(func(frozen bool) {
		calls++
		gotFrozen = frozen
	})

	rs.Freeze()
	b.tick()

	if calls != 1 {
		t.Fatalf("expected poll invoked exactly once per tick, got %d", calls)
	}
	if !gotFrozen {
		t.Fatalf("expected poll to observe the frozen flag")
	}
}
