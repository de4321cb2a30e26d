// Package channel provides the buffered hand-off points between the
// transport read loop, the sequence manager, and the fabric fan-out, with
// send/drop accounting for each stage.
package channel

import (
	"context"
	"sync"

	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
)

type Stats struct {
	DeltasSent    int64
	DeltasDropped int64
	FanoutSent    int64
	FanoutDropped int64
}

type Channels struct {
	Deltas chan model.RawDelta
	Fanout chan model.ProducerMessage

	stats      Stats
	statsMutex sync.RWMutex
	log        *logging.Log
}

func NewChannels(deltaBufferSize, fanoutBufferSize int) *Channels {
	log := logging.GetLogger()
	c := &Channels{
		Deltas: make(chan model.RawDelta, deltaBufferSize),
		Fanout: make(chan model.ProducerMessage, fanoutBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logging.Fields{
		"delta_buffer_size":  deltaBufferSize,
		"fanout_buffer_size": fanoutBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Deltas)
	close(c.Fanout)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendDelta enqueues one raw delta for the sequence manager, dropping it
// when the buffer is full rather than blocking the transport read loop.
func (c *Channels) SendDelta(ctx context.Context, delta model.RawDelta) bool {
	select {
	case c.Deltas <- delta:
		c.increment(func(s *Stats) { s.DeltasSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *Stats) { s.DeltasDropped++ })
		metrics.EmitDrop(c.log, metrics.DropRawFrame, "transport")
		return false
	}
}

// SendFanout enqueues one producer message for the fabric broadcast
// worker, dropping it when the buffer is full.
func (c *Channels) SendFanout(ctx context.Context, msg model.ProducerMessage) bool {
	select {
	case c.Fanout <- msg:
		c.increment(func(s *Stats) { s.FanoutSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *Stats) { s.FanoutDropped++ })
		metrics.EmitDrop(c.log, metrics.DropFanOut, "fabric")
		return false
	}
}

func (c *Channels) increment(fn func(*Stats)) {
	c.statsMutex.Lock()
	fn(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
