// Package model holds the data types shared across the depth-feed core:
// wire-level deltas and snapshots, the book engine's internal state, the
// slice published to consumers, and the connection/metrics/session types
// that travel alongside it.
package model

import "fmt"

// PriceLevel is one row of a published OrderbookSlice.
type PriceLevel struct {
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	Cumulative   float64 `json:"cumulative"`
	DepthPercent float64 `json:"depth_percent"`
}

// RawDelta is one depth-update event as emitted by the Transport Client.
type RawDelta struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceQty
	Asks          []PriceQty
}

// PriceQty is a raw (price, quantity) string pair as received on the wire,
// parsed lazily so that malformed pairs can be skipped without aborting the
// whole delta.
type PriceQty struct {
	Price string
	Qty   string
}

// Snapshot is the complete book state returned by the REST snapshot fetch.
type Snapshot struct {
	LastUpdateID int64
	Bids         []PriceQty
	Asks         []PriceQty
}

// OrderbookSlice is the immutable, top-N view of the book published on every
// cadence tick while synchronized.
type OrderbookSlice struct {
	Bids            []PriceLevel `json:"bids"`
	Asks            []PriceLevel `json:"asks"`
	Spread          float64      `json:"spread"`
	SpreadPercent   float64      `json:"spread_percent"`
	Midpoint        float64      `json:"midpoint"`
	TimestampMs     int64        `json:"timestamp_ms"`
	LastUpdateID    int64        `json:"last_update_id"`
	ProducerStampMs int64        `json:"producer_timestamp_ms"`
}

// ConnectionState enumerates the states a consumer can observe on the
// producer side of the pipeline.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSyncing
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionStatus is the status value held by the Reactive Store and
// mirrored out through every distribution fabric.
type ConnectionStatus struct {
	State ConnectionState `json:"state"`
	Error string          `json:"error,omitempty"`
}

// Latency holds the rolling latency sample set the Frame Bridge maintains.
type Latency struct {
	Cur float64 `json:"cur"`
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	P95 float64 `json:"p95"`
}

// Metrics is the partial-update metrics frame published roughly every
// second by the Frame Bridge and, on the leader-replicated fabric, by the
// presence tracker.
type Metrics struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	Latency           Latency `json:"latency"`
	FPS               float64 `json:"fps"`
	DroppedFrames     int64   `json:"dropped_frames"`
	HeapUsedMB        float64 `json:"heap_used_mb"`
	HeapGrowthMB      float64 `json:"heap_growth_mb"`
	ReconnectCount    int64   `json:"reconnect_count"`
	SequenceGaps      int64   `json:"sequence_gaps"`
	TabCount          int     `json:"tab_count"`
}

// SyncMode tags which distribution fabric variant a consumer is attached
// to; it is informational only and flows straight into the Reactive Store.
type SyncMode string

const (
	SyncModeSharedHost SyncMode = "shared"
	SyncModeLeader     SyncMode = "broadcast"
	SyncModeSharedMem  SyncMode = "shared_memory"
)

// Session is the per-consumer-context identity used by the leader-replicated
// fabric's election cell and by the shared-host fabric's port registry.
type Session struct {
	TabID    string
	Leader   bool
	SyncMode SyncMode
}

// ControlMessage is the consumer -> producer control schema.
type ControlMessage struct {
	Type         string `json:"type"`
	Symbol       string `json:"symbol,omitempty"`
	WSURL        string `json:"ws_url,omitempty"`
	RESTURL      string `json:"rest_url,omitempty"`
	StreamSuffix string `json:"stream_suffix,omitempty"`
	Hidden       bool   `json:"hidden,omitempty"`
	Depth        uint32 `json:"depth,omitempty"`
}

const (
	ControlConnect    = "connect"
	ControlDisconnect = "disconnect"
	ControlPing       = "ping"
	ControlVisibility = "visibility"
	ControlSetDepth   = "set_depth"
)

// ProducerMessage is the producer -> consumer schema.
type ProducerMessage struct {
	Type               string           `json:"type"`
	Data               *OrderbookSlice  `json:"data,omitempty"`
	ProducerTimestamp  int64            `json:"producer_timestamp_ms,omitempty"`
	Status             ConnectionStatus `json:"status,omitempty"`
	MetricsData        *Metrics         `json:"metrics,omitempty"`
	SharedMemoryHandle string           `json:"handle,omitempty"`
}

const (
	ProducerOrderbookUpdate   = "orderbook_update"
	ProducerStatusChange      = "status_change"
	ProducerMetrics           = "metrics"
	ProducerSharedMemoryReady = "shared_memory_ready"
)
