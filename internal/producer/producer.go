// Package producer implements the Producer Host: it composes the
// Transport Client, Sequence Manager, and Book Engine, exposes the
// connect/disconnect/set-depth lifecycle, and emits slices at a bounded
// cadence while synchronized.
package producer

import (
	"context"
	"sync"
	"time"

	"depthfeed/internal/book"
	"depthfeed/internal/channel"
	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
	"depthfeed/internal/sequence"
	"depthfeed/internal/transport"
)

// Config configures one Producer Host instance.
type Config struct {
	Endpoint     transport.Endpoint
	RESTURL      string
	Depth        int
	CadenceMs    int
	BufferSize   int
	GapTolerance int64
	SnapshotCfg  sequence.Config
}

// Host owns one Transport Client / Sequence Manager / Book Engine triple
// and publishes OrderbookSlice values and ConnectionStatus changes through
// its Publish/StatusChanged callbacks, which the chosen distribution fabric
// wires to its broadcast path.
type Host struct {
	cfg Config
	log *logging.Log

	book     *book.Engine
	seq      *sequence.Manager
	tc       *transport.Client
	channels *channel.Channels

	mu             sync.Mutex
	status         model.ConnectionStatus
	reconnectCount int64
	sequenceGaps   int64
	cancel         context.CancelFunc
	running        bool

	Publish       func(model.OrderbookSlice)
	StatusChanged func(model.ConnectionStatus)
	MetricsTick   func(reconnects, gaps int64)
}

// New builds a Producer Host from config; it does not start until Connect
// is called.
func New(cfg Config, log *logging.Log) *Host {
	if log == nil {
		log = logging.GetLogger()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 15
	}
	if cfg.CadenceMs <= 0 {
		cfg.CadenceMs = 100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2048
	}

	h := &Host{
		cfg:      cfg,
		log:      log,
		book:     book.New(cfg.Depth),
		channels: channel.NewChannels(cfg.BufferSize, cfg.BufferSize),
	}

	seqCfg := cfg.SnapshotCfg
	seqCfg.RESTURL = cfg.RESTURL
	seqCfg.Symbol = cfg.Endpoint.Symbol
	if seqCfg.GapTolerance == 0 {
		seqCfg.GapTolerance = cfg.GapTolerance
	}
	h.seq = sequence.New(seqCfg, log)
	h.seq.OnApplySnapshot = h.book.ApplySnapshot
	h.seq.OnApplyDelta = h.book.ApplyDelta
	h.seq.OnSequenceGap = h.onSequenceGap
	h.seq.OnStateChange = h.onSeqStateChange

	h.tc = transport.New(cfg.Endpoint, log)
	h.tc.OnMessage = h.onDelta
	h.tc.OnOpen = h.onOpen
	h.tc.OnReconnecting = h.onReconnecting
	h.tc.OnError = h.onTransportError
	h.tc.OnTerminal = h.onTerminal

	return h
}

// Connect starts the transport connection and the cadence tick; both stop
// when ctx is canceled or Disconnect is called.
func (h *Host) Connect(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.mu.Unlock()
	h.setStatus(model.ConnectionStatus{State: model.StateConnecting})

	go h.tc.Connect(ctx)
	go h.deltaLoop(ctx)
	go h.cadenceLoop(ctx)
}

// deltaLoop drains the buffered delta channel on a single goroutine, so
// live deltas reach the sequence manager one at a time and the transport
// read loop never blocks on book updates.
func (h *Host) deltaLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-h.channels.Deltas:
			if !ok {
				return
			}
			h.seq.OnDelta(ctx, delta)
		}
	}
}

// Disconnect cancels the context the cadence and delta loops run under,
// then closes the transport. It does not wait for those loops to exit, so
// a publish already in progress can still complete after Disconnect
// returns.
func (h *Host) Disconnect() {
	h.mu.Lock()
	cancel := h.cancel
	h.running = false
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.tc.Disconnect()
}

// SetDepth forwards a runtime depth change to the Book Engine.
func (h *Host) SetDepth(depth uint32) {
	h.book.SetDepth(int(depth))
}

func (h *Host) onDelta(delta model.RawDelta) {
	h.channels.SendDelta(context.Background(), delta)
}

func (h *Host) onOpen() {
	h.log.WithComponent("producer").Info("transport connected")
}

func (h *Host) onReconnecting(attempt int) {
	h.mu.Lock()
	h.reconnectCount++
	h.mu.Unlock()

	h.seq.Reset()
	h.setStatus(model.ConnectionStatus{State: model.StateReconnecting})
	metrics.Emit(h.log, "producer", "reconnect_attempt", attempt, "counter", nil)
}

func (h *Host) onTransportError(err error) {
	h.log.WithComponent("producer").WithError(err).Warn("transport error")
}

func (h *Host) onTerminal(err error) {
	h.setStatus(model.ConnectionStatus{State: model.StateError, Error: err.Error()})
}

func (h *Host) onSequenceGap() {
	h.mu.Lock()
	h.sequenceGaps++
	h.mu.Unlock()
	metrics.Emit(h.log, "producer", "sequence_gaps", 1, "counter", nil)
}

func (h *Host) onSeqStateChange(s sequence.State) {
	switch s {
	case sequence.StateBuffering, sequence.StateSyncing, sequence.StateResyncing:
		h.setStatus(model.ConnectionStatus{State: model.StateSyncing})
	case sequence.StateSynchronized:
		h.setStatus(model.ConnectionStatus{State: model.StateConnected})
	}
}

func (h *Host) setStatus(status model.ConnectionStatus) {
	h.mu.Lock()
	h.status = status
	cb := h.StatusChanged
	h.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// cadenceLoop polls IsDirty at roughly 100ms and publishes a fresh slice
// through the fabric when synchronized.
func (h *Host) cadenceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(h.cfg.CadenceMs) * time.Millisecond)
	defer ticker.Stop()

	metricsTicker := time.NewTicker(time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.seq.State() != sequence.StateSynchronized {
				continue
			}
			if !h.book.IsDirty() {
				continue
			}
			slice := h.book.GetSlice()
			slice.ProducerStampMs = time.Now().UnixMilli()
			if h.Publish != nil {
				h.Publish(slice)
			}
		case <-metricsTicker.C:
			h.mu.Lock()
			reconnects, gaps := h.reconnectCount, h.sequenceGaps
			h.mu.Unlock()
			if h.MetricsTick != nil {
				h.MetricsTick(reconnects, gaps)
			}
		}
	}
}
