package book

import (
	"math"
	"testing"

	"depthfeed/internal/model"
)

func pq(price, qty string) model.PriceQty { return model.PriceQty{Price: price, Qty: qty} }

func TestApplySnapshotAndSlice(t *testing.T) {
	e := New(2)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 100,
		Bids:         []model.PriceQty{pq("97500.00", "1.50"), pq("97499.50", "0.75")},
		Asks:         []model.PriceQty{pq("97501.00", "1.20"), pq("97501.50", "2.40")},
	})

	slice := e.GetSlice()
	if slice.Spread != 1.0 {
		t.Errorf("expected spread 1.0, got %v", slice.Spread)
	}
	if slice.Midpoint != 97500.5 {
		t.Errorf("expected midpoint 97500.5, got %v", slice.Midpoint)
	}
	if len(slice.Bids) != 2 || slice.Bids[0].Cumulative != 1.5 || slice.Bids[1].Cumulative != 2.25 {
		t.Fatalf("unexpected bid cumulative: %+v", slice.Bids)
	}
	if math.Abs(slice.Bids[1].DepthPercent-62.5) > 1e-9 {
		t.Errorf("expected bids[1].depth_percent = 62.5, got %v", slice.Bids[1].DepthPercent)
	}
}

func TestApplyDeltaRemovesZeroSizeLevel(t *testing.T) {
	e := New(15)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{pq("97499.50", "1.0")},
	})
	e.ApplyDelta(model.RawDelta{
		FirstUpdateID: 2,
		FinalUpdateID: 2,
		Bids:          []model.PriceQty{pq("97499.50", "0")},
	})

	slice := e.GetSlice()
	if len(slice.Bids) != 0 {
		t.Fatalf("expected level removed, got %+v", slice.Bids)
	}
}

func TestApplyDeltaSkipsNaN(t *testing.T) {
	e := New(15)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{pq("100", "1.0")},
	})
	e.ApplyDelta(model.RawDelta{
		FirstUpdateID: 2,
		FinalUpdateID: 2,
		Bids:          []model.PriceQty{{Price: "not-a-number", Qty: "2.0"}},
	})

	slice := e.GetSlice()
	if len(slice.Bids) != 1 || slice.Bids[0].Price != 100 {
		t.Fatalf("expected book unchanged by NaN pair, got %+v", slice.Bids)
	}
}

func TestEmptySideYieldsZeroSpread(t *testing.T) {
	e := New(15)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{pq("100", "1.0")},
	})

	slice := e.GetSlice()
	if slice.Spread != 0 || slice.Midpoint != 0 {
		t.Fatalf("expected zero spread/midpoint with empty ask side, got %+v", slice)
	}
	if len(slice.Asks) != 0 {
		t.Fatalf("expected no ask levels, got %+v", slice.Asks)
	}
}

func TestBidsDescendingAsksAscendingWithStrictlyIncreasingCumulative(t *testing.T) {
	e := New(15)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{pq("99", "1"), pq("101", "1"), pq("100", "1")},
		Asks:         []model.PriceQty{pq("103", "1"), pq("102", "1"), pq("104", "1")},
	})

	slice := e.GetSlice()
	for i := 1; i < len(slice.Bids); i++ {
		if slice.Bids[i].Price >= slice.Bids[i-1].Price {
			t.Fatalf("bids not strictly descending: %+v", slice.Bids)
		}
		if slice.Bids[i].Cumulative <= slice.Bids[i-1].Cumulative {
			t.Fatalf("bid cumulative not strictly increasing: %+v", slice.Bids)
		}
	}
	for i := 1; i < len(slice.Asks); i++ {
		if slice.Asks[i].Price <= slice.Asks[i-1].Price {
			t.Fatalf("asks not strictly ascending: %+v", slice.Asks)
		}
		if slice.Asks[i].Cumulative <= slice.Asks[i-1].Cumulative {
			t.Fatalf("ask cumulative not strictly increasing: %+v", slice.Asks)
		}
	}
}

func TestSetDepthAffectsFutureSlicesOnly(t *testing.T) {
	e := New(1)
	e.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{pq("100", "1"), pq("99", "1"), pq("98", "1")},
	})

	if slice := e.GetSlice(); len(slice.Bids) != 1 {
		t.Fatalf("expected depth-limited slice of 1, got %d", len(slice.Bids))
	}

	e.SetDepth(3)
	if slice := e.GetSlice(); len(slice.Bids) != 3 {
		t.Fatalf("expected depth-limited slice of 3 after SetDepth, got %d", len(slice.Bids))
	}
}

func TestDirtyFlagClearsAfterGetSlice(t *testing.T) {
	e := New(15)
	e.ApplySnapshot(model.Snapshot{LastUpdateID: 1, Bids: []model.PriceQty{pq("100", "1")}})
	if !e.IsDirty() {
		t.Fatalf("expected dirty after ApplySnapshot")
	}
	e.GetSlice()
	if e.IsDirty() {
		t.Fatalf("expected not dirty after GetSlice")
	}
}
