package diagnostics

import (
	"testing"

	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
	"depthfeed/internal/store"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, store.New(model.SyncModeSharedHost), nil)
	if s != nil {
		t.Fatalf("expected nil server when diagnostics disabled")
	}
}

func TestNewRegistersMetricHandlerThatRetainsRecentEvents(t *testing.T) {
	s := New(Config{Enabled: true}, store.New(model.SyncModeSharedHost), nil)
	if s == nil {
		t.Fatal("expected non-nil server when enabled")
	}
	defer metrics.Unregister(s.metricHandler)

	metrics.Emit(nil, "test", "sample", 1, "counter", nil)

	s.mu.Lock()
	n := len(s.recent)
	s.mu.Unlock()
	if n == 0 {
		t.Fatalf("expected emitted metric to be retained by the diagnostics handler")
	}
}
