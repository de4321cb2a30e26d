package diagnostics

import (
	"context"
	"testing"
	"time"
)

func TestHeapSamplerGrowthNeverNegative(t *testing.T) {
	h := NewHeapSampler()
	used, growth := h.Sample()
	if used <= 0 {
		t.Fatalf("expected positive heap usage, got %v", used)
	}
	if growth != 0 {
		t.Fatalf("expected zero growth on first sample, got %v", growth)
	}

	_, growth = h.Sample()
	if growth < 0 {
		t.Fatalf("expected non-negative growth, got %v", growth)
	}
}

func TestResourceSamplerRetainsBoundedRing(t *testing.T) {
	s := NewResourceSampler(3, time.Hour, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.sample(ctx)
	}

	snaps := s.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("expected ring bounded at 3 samples, got %d", len(snaps))
	}
	if snaps[0].Timestamp.After(snaps[2].Timestamp) {
		t.Fatalf("expected oldest-first ordering")
	}
}

func TestResourceSamplerStartStopIdempotent(t *testing.T) {
	s := NewResourceSampler(10, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()

	if len(s.Snapshots()) == 0 {
		t.Fatalf("expected at least one sample while running")
	}
}
