// Package bridge implements the Frame Bridge: it converts a
// high-rate inbound slice stream from any distribution fabric into at
// most one Reactive Store update per display frame, and maintains the
// rolling latency/FPS/dropped-frame metrics published once a second.
package bridge

import (
	"context"
	"math"
	"sync"
	"time"

	"depthfeed/internal/logging"
	"depthfeed/internal/model"
	"depthfeed/internal/store"
)

const (
	frameBudgetMs  = 1000.0 / 60.0
	metricsEveryMs = 1000
)

// Config tunes the frame tick rate and the FPS computation strategy. The
// literal display cadence is frame-driven (ticker at FrameHz); FPS itself
// is the averaged frame_count*1000/elapsed form unless FPSInstantaneous
// overrides it to the per-frame 1000/frame_delta form.
type Config struct {
	FrameHz          int
	FPSInstantaneous bool
}

func (c Config) withDefaults() Config {
	if c.FrameHz <= 0 {
		c.FrameHz = 60
	}
	return c
}

// Bridge owns the frame tick loop and the rolling metrics it derives from
// it. It is fed slices by whichever fabric variant the process is
// running and writes into a single Reactive Store.
type Bridge struct {
	cfg   Config
	log   *logging.Log
	store *store.Store

	mu          sync.Mutex
	latest      *model.OrderbookSlice
	receiveTime time.Time
	dirty       bool
	hidden      bool

	lastFrame      time.Time
	droppedFrames  int64
	frameCount     int64
	lastMetricsPub time.Time
	latMin, latMax float64
	latSum         float64
	latCount       int64
	latCur         float64
	reconnectCount int64
	sequenceGaps   int64
	tabCount       int
	heapUsedMB     float64
	heapGrowthMB   float64
	messagesWindow int64

	// sharedMemoryPoll is set only for the shared-memory fabric variant.
	// It is invoked once per tick with the store's current frozen flag;
	// the closure checks the mmap'd version counter and, if it changed,
	// either decodes into the bridge (via OnSlice) when not frozen, or
	// merely advances its own observed version when frozen, so it never
	// mutates the pooled level arrays a frozen snapshot still references.
	sharedMemoryPoll func(frozen bool)
}

// New builds a Bridge writing into rs.
func New(cfg Config, rs *store.Store, log *logging.Log) *Bridge {
	if log == nil {
		log = logging.GetLogger()
	}
	now := time.Now()
	return &Bridge{
		cfg:            cfg.withDefaults(),
		log:            log,
		store:          rs,
		lastFrame:      now,
		lastMetricsPub: now,
	}
}

// SetSharedMemoryPoll installs the shared-memory freeze-coupling hook;
// see the sharedMemoryPoll field doc comment.
func (b *Bridge) SetSharedMemoryPoll(fn func(frozen bool)) {
	b.mu.Lock()
	b.sharedMemoryPoll = fn
	b.mu.Unlock()
}

// OnSlice is called by the active fabric variant for every inbound
// slice; it stamps the receive time and marks the bridge dirty.
func (b *Bridge) OnSlice(slice model.OrderbookSlice) {
	b.mu.Lock()
	s := slice
	b.latest = &s
	b.receiveTime = time.Now()
	b.dirty = true
	b.messagesWindow++
	b.mu.Unlock()
}

// OnReconnectCount and OnSequenceGaps feed the producer-side counters that
// ride along in the published metrics frame.
func (b *Bridge) OnReconnectCount(n int64) {
	b.mu.Lock()
	b.reconnectCount = n
	b.mu.Unlock()
}

func (b *Bridge) OnSequenceGaps(n int64) {
	b.mu.Lock()
	b.sequenceGaps = n
	b.mu.Unlock()
}

// OnTabCount records the fabric's current consumer count for the next
// metrics frame.
func (b *Bridge) OnTabCount(n int) {
	b.mu.Lock()
	b.tabCount = n
	b.mu.Unlock()
}

// OnHeapStats records the latest heap sample from the resource sampler.
func (b *Bridge) OnHeapStats(usedMB, growthMB float64) {
	b.mu.Lock()
	b.heapUsedMB = usedMB
	b.heapGrowthMB = growthMB
	b.mu.Unlock()
}

// SetHidden implements the background-handling rule: leaving hidden
// resets the rolling frame clock so the next visible frame does not
// register a huge delta or count the background interval as dropped
// frames.
func (b *Bridge) SetHidden(hidden bool) {
	b.mu.Lock()
	b.hidden = hidden
	if !hidden {
		b.lastFrame = time.Now()
	}
	b.mu.Unlock()
}

// Run drives the frame tick loop until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) {
	interval := time.Second / time.Duration(b.cfg.FrameHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bridge) tick() {
	now := time.Now()

	b.mu.Lock()
	poll := b.sharedMemoryPoll
	b.mu.Unlock()
	if poll != nil {
		poll(b.store.Snapshot().Frozen)
	}

	b.mu.Lock()
	frameDeltaMs := float64(now.Sub(b.lastFrame)) / float64(time.Millisecond)
	b.lastFrame = now

	if !b.hidden {
		missed := int64(math.Floor(frameDeltaMs/frameBudgetMs)) - 1
		if missed > 0 {
			b.droppedFrames += missed
		}
	}
	b.frameCount++

	var instFPS float64
	if frameDeltaMs > 0 {
		instFPS = 1000.0 / frameDeltaMs
	}

	var publishSlice *model.OrderbookSlice
	if b.dirty && b.latest != nil {
		latencyMs := float64(now.Sub(b.receiveTime)) / float64(time.Millisecond)
		if latencyMs < 0 {
			latencyMs = 0
		}
		b.latCur = latencyMs
		b.latSum += latencyMs
		b.latCount++
		if b.latCount == 1 || latencyMs < b.latMin {
			b.latMin = latencyMs
		}
		if latencyMs > b.latMax {
			b.latMax = latencyMs
		}

		s := *b.latest
		publishSlice = &s
		b.dirty = false
	}

	var publishMetrics bool
	var metricsSnapshot model.Metrics
	elapsedSinceMetrics := now.Sub(b.lastMetricsPub)
	if elapsedSinceMetrics >= metricsEveryMs*time.Millisecond {
		fps := float64(b.frameCount) * 1000.0 / (float64(elapsedSinceMetrics) / float64(time.Millisecond))
		if b.cfg.FPSInstantaneous {
			fps = instFPS
		}

		avg := 0.0
		if b.latCount > 0 {
			avg = b.latSum / float64(b.latCount)
		}

		metricsSnapshot = model.Metrics{
			MessagesPerSecond: float64(b.messagesWindow) * 1000.0 / (float64(elapsedSinceMetrics) / float64(time.Millisecond)),
			Latency: model.Latency{
				Cur: b.latCur,
				Min: b.latMin,
				Avg: avg,
				Max: b.latMax,
				// p95 is approximated as max: the bridge keeps only
				// running sum/min/max, not a full sample window.
				P95: b.latMax,
			},
			FPS:            round2(fps),
			DroppedFrames:  b.droppedFrames,
			ReconnectCount: b.reconnectCount,
			SequenceGaps:   b.sequenceGaps,
			TabCount:       b.tabCount,
			HeapUsedMB:     b.heapUsedMB,
			HeapGrowthMB:   b.heapGrowthMB,
		}

		b.frameCount = 0
		b.messagesWindow = 0
		b.latMin, b.latMax, b.latSum, b.latCount = 0, 0, 0, 0
		b.lastMetricsPub = now
		publishMetrics = true
	}
	b.mu.Unlock()

	if publishSlice != nil {
		b.store.SetSlice(*publishSlice)
	}
	if publishMetrics {
		b.store.SetMetrics(metricsSnapshot)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
