package sequence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"depthfeed/internal/model"
)

func newTestManager(t *testing.T, srv *httptest.Server) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RESTURL = srv.URL
	cfg.Symbol = "BTCUSDT"
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.Timeout = time.Second
	return New(cfg, nil)
}

func snapshotServer(t *testing.T, lastUpdateID int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			LastUpdateID int64      `json:"lastUpdateId"`
			Bids         [][]string `json:"bids"`
			Asks         [][]string `json:"asks"`
		}{LastUpdateID: lastUpdateID, Bids: [][]string{{"100", "1"}}, Asks: [][]string{{"101", "1"}}}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestReconciliationDropsFullyCoveredDeltas(t *testing.T) {
	srv := snapshotServer(t, 104)
	defer srv.Close()

	m := newTestManager(t, srv)

	var applied []model.RawDelta
	var mu sync.Mutex
	done := make(chan struct{})
	m.OnApplyDelta = func(d model.RawDelta) {
		mu.Lock()
		applied = append(applied, d)
		mu.Unlock()
	}
	m.OnStateChange = func(s State) {
		if s == StateSynchronized {
			close(done)
		}
	}

	ctx := context.Background()
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 100, FinalUpdateID: 102})
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 103, FinalUpdateID: 105})
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 106, FinalUpdateID: 108})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronized state")
	}

	mu.Lock()
	defer mu.Unlock()
	// final_update_id <= 104 are dropped: only D2 (105) and D3 (108) remain.
	if len(applied) != 2 {
		t.Fatalf("expected 2 replayed deltas, got %d: %+v", len(applied), applied)
	}
	if m.LastUpdateID() != 104 {
		t.Fatalf("expected last_update_id 104 from snapshot, got %d", m.LastUpdateID())
	}
}

func TestSmallGapAcceptedWithoutResync(t *testing.T) {
	srv := snapshotServer(t, 1003)
	defer srv.Close()
	m := newTestManager(t, srv)

	gapFired := false
	m.OnSequenceGap = func() { gapFired = true }
	m.OnApplyDelta = func(model.RawDelta) {}

	done := make(chan struct{})
	var once sync.Once
	m.OnStateChange = func(s State) {
		if s == StateSynchronized {
			once.Do(func() { close(done) })
		}
	}

	ctx := context.Background()
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 1, FinalUpdateID: 1003})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronized state")
	}

	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 1504, FinalUpdateID: 1506})
	time.Sleep(50 * time.Millisecond)

	if gapFired {
		t.Fatalf("expected small gap (500) to be tolerated without resync")
	}
	if m.LastUpdateID() != 1506 {
		t.Fatalf("expected last_update_id 1506, got %d", m.LastUpdateID())
	}
	if m.ToleratedGaps() != 1 {
		t.Fatalf("expected tolerated gap counted once, got %d", m.ToleratedGaps())
	}
}

func TestLargeGapTriggersResync(t *testing.T) {
	// the first depth snapshot syncs at 1003; the refetch after the resync
	// must not be older than the re-buffered delta (U=3005) or it is rejected
	var depthFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastUpdateID := int64(1003)
		if r.URL.Query().Get("symbol") != "" && depthFetches.Add(1) > 1 {
			lastUpdateID = 3006
		}
		resp := struct {
			LastUpdateID int64      `json:"lastUpdateId"`
			Bids         [][]string `json:"bids"`
			Asks         [][]string `json:"asks"`
		}{LastUpdateID: lastUpdateID, Bids: [][]string{{"100", "1"}}, Asks: [][]string{{"101", "1"}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	m := newTestManager(t, srv)

	var gaps int
	var mu sync.Mutex
	m.OnSequenceGap = func() {
		mu.Lock()
		gaps++
		mu.Unlock()
	}
	m.OnApplyDelta = func(model.RawDelta) {}

	syncCount := make(chan struct{}, 4)
	m.OnStateChange = func(s State) {
		if s == StateSynchronized {
			syncCount <- struct{}{}
		}
	}

	ctx := context.Background()
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 1, FinalUpdateID: 1003})
	<-syncCount

	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 3005, FinalUpdateID: 3007})
	<-syncCount

	mu.Lock()
	defer mu.Unlock()
	if gaps != 1 {
		t.Fatalf("expected exactly one sequence gap callback, got %d", gaps)
	}
}

func TestResetAbortsInFlightFetch(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	m := newTestManager(t, srv)

	ctx := context.Background()
	m.OnDelta(ctx, model.RawDelta{FirstUpdateID: 1, FinalUpdateID: 1})
	time.Sleep(20 * time.Millisecond)
	if m.State() != StateSyncing {
		t.Fatalf("expected syncing state, got %s", m.State())
	}

	m.Reset()
	if m.State() != StateBuffering {
		t.Fatalf("expected buffering state after reset, got %s", m.State())
	}
}
