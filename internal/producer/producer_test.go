package producer

import (
	"testing"

	"depthfeed/internal/book"
	"depthfeed/internal/model"
	"depthfeed/internal/sequence"
)

func TestSetDepthDelegatesToBookEngine(t *testing.T) {
	h := &Host{book: book.New(15), cfg: Config{Depth: 15}}
	h.book.ApplySnapshot(model.Snapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceQty{{Price: "100", Qty: "1"}, {Price: "99", Qty: "1"}, {Price: "98", Qty: "1"}},
	})

	h.SetDepth(2)
	if slice := h.book.GetSlice(); len(slice.Bids) != 2 {
		t.Fatalf("expected depth 2 after SetDepth, got %d", len(slice.Bids))
	}
}

func TestOnSeqStateChangeMapsToConnectionStatus(t *testing.T) {
	h := &Host{book: book.New(15)}
	var got model.ConnectionStatus
	h.StatusChanged = func(s model.ConnectionStatus) { got = s }

	h.onSeqStateChange(sequence.StateSynchronized)
	if got.State != model.StateConnected {
		t.Fatalf("expected synchronized to map to connected, got %v", got.State)
	}
}
