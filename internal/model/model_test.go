package model

import (
	"encoding/json"
	"testing"
)

func TestOrderbookSliceJSONRoundTrip(t *testing.T) {
	slice := OrderbookSlice{
		Bids:          []PriceLevel{{Price: 97500, Size: 1.5, Cumulative: 1.5, DepthPercent: 41.67}},
		Asks:          []PriceLevel{{Price: 97501, Size: 1.2, Cumulative: 1.2, DepthPercent: 33.33}},
		Spread:        1,
		SpreadPercent: 0.0000102,
		Midpoint:      97500.5,
		TimestampMs:   1700000000000,
		LastUpdateID:  108,
	}

	data, err := json.Marshal(slice)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out OrderbookSlice
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.LastUpdateID != slice.LastUpdateID || out.Spread != slice.Spread || len(out.Bids) != 1 || len(out.Asks) != 1 {
		t.Fatalf("round trip mismatch: %+v != %+v", slice, out)
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateSyncing:      "syncing",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateError:        "error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
