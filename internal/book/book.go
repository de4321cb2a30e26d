// Package book implements the Book Engine: the authoritative price->size
// maps for one instrumented order book, delta/snapshot application, and
// top-N slice extraction with cumulative and depth-percent fields.
package book

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depthfeed/internal/model"
)

// Engine owns the two price->size maps for one instrument. It is safe for
// concurrent use, though normally a single owning producer
// control context to mutate it; getSlice may be called from that same
// context at the publish cadence.
type Engine struct {
	mu    sync.RWMutex
	bids  map[float64]float64
	asks  map[float64]float64
	depth int

	lastUpdateID int64
	dirty        bool
}

// New creates an empty Book Engine emitting up to depth levels per side.
func New(depth int) *Engine {
	if depth <= 0 {
		depth = 15
	}
	return &Engine{
		bids:  make(map[float64]float64),
		asks:  make(map[float64]float64),
		depth: depth,
	}
}

// ApplySnapshot clears both sides and inserts every finite, positive-size
// level from the snapshot, then records its last_update_id.
func (e *Engine) ApplySnapshot(snap model.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bids = make(map[float64]float64, len(snap.Bids))
	e.asks = make(map[float64]float64, len(snap.Asks))

	for _, pq := range snap.Bids {
		upsert(e.bids, pq)
	}
	for _, pq := range snap.Asks {
		upsert(e.asks, pq)
	}

	e.lastUpdateID = snap.LastUpdateID
	e.dirty = true
}

// ApplyDelta upserts or removes each (price, size) pair on each side and
// advances last_update_id to the delta's final_update_id. Non-finite pairs
// are skipped rather than treated as an error.
func (e *Engine) ApplyDelta(delta model.RawDelta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pq := range delta.Bids {
		upsert(e.bids, pq)
	}
	for _, pq := range delta.Asks {
		upsert(e.asks, pq)
	}

	e.lastUpdateID = delta.FinalUpdateID
	e.dirty = true
}

func upsert(side map[float64]float64, pq model.PriceQty) {
	price, err := strconv.ParseFloat(pq.Price, 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	size, err := strconv.ParseFloat(pq.Qty, 64)
	if err != nil || math.IsNaN(size) || math.IsInf(size, 0) {
		return
	}

	if size == 0 {
		delete(side, price)
		return
	}
	side[price] = size
}

// LastUpdateID returns the book's current last_update_id.
func (e *Engine) LastUpdateID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdateID
}

// IsDirty reports whether the book has changed since the last GetSlice
// call; the Producer Host polls this at its cadence tick.
func (e *Engine) IsDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// SetDepth updates the depth used by future slices without touching
// stored levels.
func (e *Engine) SetDepth(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.depth = n
	e.mu.Unlock()
}

// GetSlice extracts up to depth levels per side, computes cumulative and
// depth-percent fields, and clears the dirty flag.
func (e *Engine) GetSlice() model.OrderbookSlice {
	e.mu.Lock()
	defer func() {
		e.dirty = false
		e.mu.Unlock()
	}()

	bidPrices := sortedKeys(e.bids, true)
	askPrices := sortedKeys(e.asks, false)

	if len(bidPrices) > e.depth {
		bidPrices = bidPrices[:e.depth]
	}
	if len(askPrices) > e.depth {
		askPrices = askPrices[:e.depth]
	}

	bidLevels, bidTotal := buildLevels(bidPrices, e.bids)
	askLevels, askTotal := buildLevels(askPrices, e.asks)

	maxTotal := math.Max(bidTotal, askTotal)
	applyDepthPercent(bidLevels, maxTotal)
	applyDepthPercent(askLevels, maxTotal)

	var spread, spreadPercent, midpoint float64
	if len(bidLevels) > 0 && len(askLevels) > 0 {
		bestBid := bidLevels[0].Price
		bestAsk := askLevels[0].Price
		spread = bestAsk - bestBid
		midpoint = (bestBid + bestAsk) / 2
		if midpoint > 0 {
			spreadPercent = spread / midpoint
		}
	}

	return model.OrderbookSlice{
		Bids:          bidLevels,
		Asks:          askLevels,
		Spread:        spread,
		SpreadPercent: spreadPercent,
		Midpoint:      midpoint,
		TimestampMs:   time.Now().UnixMilli(),
		LastUpdateID:  e.lastUpdateID,
	}
}

func sortedKeys(side map[float64]float64, descending bool) []float64 {
	keys := make([]float64, 0, len(side))
	for price := range side {
		keys = append(keys, price)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(keys)))
	} else {
		sort.Float64s(keys)
	}
	return keys
}

func buildLevels(prices []float64, side map[float64]float64) ([]model.PriceLevel, float64) {
	levels := make([]model.PriceLevel, 0, len(prices))
	var cumulative float64
	for _, price := range prices {
		size := side[price]
		cumulative += size
		levels = append(levels, model.PriceLevel{
			Price:      price,
			Size:       size,
			Cumulative: cumulative,
		})
	}
	return levels, cumulative
}

// applyDepthPercent rounds cumulative/max_total*100 to two decimal places,
// computed as round(x*10000)/100 in decimal arithmetic.
func applyDepthPercent(levels []model.PriceLevel, maxTotal float64) {
	if maxTotal == 0 {
		return
	}
	maxDec := decimal.NewFromFloat(maxTotal)
	for i := range levels {
		ratio := decimal.NewFromFloat(levels[i].Cumulative).Div(maxDec)
		pct := ratio.Mul(decimal.NewFromInt(10000)).Round(0).Div(decimal.NewFromInt(100))
		f, _ := pct.Float64()
		levels[i].DepthPercent = f
	}
}
