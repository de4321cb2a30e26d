package diagnostics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"depthfeed/internal/logging"
)

// ResourceSnapshot captures one sample of process and host utilisation.
type ResourceSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryUsed   uint64    `json:"memory_used"`
	MemoryTotal  uint64    `json:"memory_total"`
	MemoryPct    float64   `json:"memory_percent"`
	HeapUsedMB   float64   `json:"heap_used_mb"`
	HeapGrowthMB float64   `json:"heap_growth_mb"`
}

var (
	cpuPercentFn  = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
)

// ResourceSampler keeps a bounded ring of utilisation samples for the
// diagnostics surface.
type ResourceSampler struct {
	mu       sync.RWMutex
	items    []ResourceSnapshot
	limit    int
	interval time.Duration
	heap     *HeapSampler

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logging.Log
}

// NewResourceSampler builds a sampler retaining up to limit samples at the
// given interval.
func NewResourceSampler(limit int, interval time.Duration, log *logging.Log) *ResourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logging.GetLogger()
	}
	return &ResourceSampler{
		limit:    limit,
		interval: interval,
		heap:     NewHeapSampler(),
		log:      log,
	}
}

// Start launches the sampling loop; a second Start is a no-op.
func (s *ResourceSampler) Start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

// Stop terminates the sampling loop and waits for it to exit.
func (s *ResourceSampler) Stop() {
	if s == nil || !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *ResourceSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *ResourceSampler) sample(ctx context.Context) {
	snap := ResourceSnapshot{Timestamp: time.Now()}

	if pct, err := cpuPercentFn(ctx, 0); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		s.log.WithComponent("diagnostics").WithError(err).Debug("cpu sample failed")
	}

	if vm, err := memoryStatsFn(ctx); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
		snap.MemoryPct = vm.UsedPercent
	} else {
		s.log.WithComponent("diagnostics").WithError(err).Debug("memory sample failed")
	}

	snap.HeapUsedMB, snap.HeapGrowthMB = s.heap.Sample()

	s.mu.Lock()
	s.items = append(s.items, snap)
	if len(s.items) > s.limit {
		s.items = s.items[len(s.items)-s.limit:]
	}
	s.mu.Unlock()
}

// Snapshots returns a copy of the retained samples, oldest first.
func (s *ResourceSampler) Snapshots() []ResourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

// HeapSampler tracks Go heap usage and growth since a fixed baseline
// taken at its first sample.
type HeapSampler struct {
	mu       sync.Mutex
	baseline float64
	primed   bool
}

func NewHeapSampler() *HeapSampler {
	return &HeapSampler{}
}

// Sample returns the current heap size in MB and its growth relative to
// the first sample.
func (h *HeapSampler) Sample() (usedMB, growthMB float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB = float64(ms.HeapAlloc) / (1024 * 1024)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.primed {
		h.primed = true
		h.baseline = usedMB
	}
	growthMB = usedMB - h.baseline
	if growthMB < 0 {
		growthMB = 0
	}
	return usedMB, growthMB
}
