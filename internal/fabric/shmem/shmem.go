// Package shmem implements the shared-memory distribution fabric: the
// Producer Host writes the published slice into a 2048-byte
// mmap'd region and bumps an atomic version counter; readers poll the
// counter and decode the region only when it changes, reusing pooled
// level arrays to avoid per-frame allocation.
package shmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"depthfeed/internal/model"
)

func ptrAt(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}

const (
	// RegionSize is the fixed size of the shared-memory slice layout.
	RegionSize = 2048

	offsetVersion       = 0
	offsetBidCount      = 4
	offsetAskCount      = 8
	offsetSpread        = 16
	offsetSpreadPercent = 24
	offsetMidpoint      = 32
	offsetTimestampMs   = 40
	offsetLastUpdateID  = 48
	offsetBids          = 56
	offsetAsks          = 536
	levelStride         = 32
	maxLevels           = 15
)

// Region owns one mmap'd 2048-byte slice layout. Writer and Reader both
// wrap the same Region type over the same backing bytes.
type Region struct {
	data []byte
	file *os.File
}

// Create allocates (or truncates) the backing file at path to RegionSize
// and mmaps it for read/write access. The caller owns the returned
// Region and must call Close when done.
func Create(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	if err := f.Truncate(RegionSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: truncate: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}

	return &Region{data: data, file: f}, nil
}

// Open mmaps an existing region at path (opened and mapped read/write),
// used by a consumer once the producer has created the file.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}

	return &Region{data: data, file: f}, nil
}

// Close unmaps the region and closes the backing file.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// Version atomically loads the version counter with acquire semantics.
func (r *Region) Version() uint32 {
	return atomic.LoadUint32((*uint32)(ptrAt(r.data, offsetVersion)))
}

// Write encodes slice into the region (non-atomic field stores) and then
// atomically increments the version counter with release semantics, so a
// concurrent reader never observes a version bump before the fields it
// guards are visible.
func (r *Region) Write(slice model.OrderbookSlice) {
	bidCount := clamp(len(slice.Bids), maxLevels)
	askCount := clamp(len(slice.Asks), maxLevels)

	binary.LittleEndian.PutUint32(r.data[offsetBidCount:], uint32(bidCount))
	binary.LittleEndian.PutUint32(r.data[offsetAskCount:], uint32(askCount))
	putFloat64(r.data, offsetSpread, slice.Spread)
	putFloat64(r.data, offsetSpreadPercent, slice.SpreadPercent)
	putFloat64(r.data, offsetMidpoint, slice.Midpoint)
	putFloat64(r.data, offsetTimestampMs, float64(slice.TimestampMs))
	putFloat64(r.data, offsetLastUpdateID, float64(slice.LastUpdateID))

	writeLevels(r.data, offsetBids, slice.Bids, bidCount)
	writeLevels(r.data, offsetAsks, slice.Asks, askCount)

	atomic.AddUint32((*uint32)(ptrAt(r.data, offsetVersion)), 1)
}

// Read decodes the region into dst's pooled level slices, which must
// already have capacity maxLevels; dst.Bids/Asks are re-sliced to the
// decoded counts so no allocation happens on the steady-state path.
func (r *Region) Read(dst *model.OrderbookSlice) {
	bidCount := clamp(int(binary.LittleEndian.Uint32(r.data[offsetBidCount:])), maxLevels)
	askCount := clamp(int(binary.LittleEndian.Uint32(r.data[offsetAskCount:])), maxLevels)

	dst.Spread = getFloat64(r.data, offsetSpread)
	dst.SpreadPercent = getFloat64(r.data, offsetSpreadPercent)
	dst.Midpoint = getFloat64(r.data, offsetMidpoint)
	dst.TimestampMs = int64(getFloat64(r.data, offsetTimestampMs))
	dst.LastUpdateID = int64(getFloat64(r.data, offsetLastUpdateID))

	dst.Bids = readLevels(r.data, offsetBids, dst.Bids[:0], bidCount)
	dst.Asks = readLevels(r.data, offsetAsks, dst.Asks[:0], askCount)
}

func writeLevels(data []byte, base int, levels []model.PriceLevel, count int) {
	for i := 0; i < count; i++ {
		off := base + i*levelStride
		l := levels[i]
		putFloat64(data, off, l.Price)
		putFloat64(data, off+8, l.Size)
		putFloat64(data, off+16, l.Cumulative)
		putFloat64(data, off+24, l.DepthPercent)
	}
}

func readLevels(data []byte, base int, dst []model.PriceLevel, count int) []model.PriceLevel {
	for i := 0; i < count; i++ {
		off := base + i*levelStride
		dst = append(dst, model.PriceLevel{
			Price:        getFloat64(data, off),
			Size:         getFloat64(data, off+8),
			Cumulative:   getFloat64(data, off+16),
			DepthPercent: getFloat64(data, off+24),
		})
	}
	return dst
}

func putFloat64(data []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v))
}

func getFloat64(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
}

func clamp(n, max int) int {
	if n > max {
		return max
	}
	if n < 0 {
		return 0
	}
	return n
}

// NewPooledSlice allocates the fixed-capacity level arrays a reader reuses
// across every decode.
func NewPooledSlice() model.OrderbookSlice {
	return model.OrderbookSlice{
		Bids: make([]model.PriceLevel, 0, maxLevels),
		Asks: make([]model.PriceLevel, 0, maxLevels),
	}
}
