// Package leader implements the leader-replicated distribution fabric: a
// Redis-backed election cell picks one consumer process to run the
// Producer Host, and a pub/sub bus fans published slices and status
// changes out to every other process subscribed to the same symbol
// channel.
package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"depthfeed/internal/logging"
	"depthfeed/internal/model"
)

const (
	keyPrefix     = "depthfeed:leader:"
	channelPrefix = "depthfeed.slice."
)

// Config tunes the election cell and the heartbeat/vacancy cadence.
type Config struct {
	ElectionKey    string
	HeartbeatTTL   time.Duration
	HeartbeatEvery time.Duration
	FollowerTTL    time.Duration
	PingEvery      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ElectionKey == "" {
		c.ElectionKey = keyPrefix + "default"
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 5 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 2 * time.Second
	}
	if c.FollowerTTL <= 0 {
		c.FollowerTTL = 5 * time.Second
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 2 * time.Second
	}
	return c
}

// busMessage is the envelope carried on the pub/sub channel: producer
// messages from the leader, presence pings from followers, and the
// leader's tab-count rebroadcast.
type busMessage struct {
	Kind    string                 `json:"kind"`
	Payload *model.ProducerMessage `json:"payload,omitempty"`
	TabID   string                 `json:"tab_id,omitempty"`
	Count   int                    `json:"count,omitempty"`
}

const (
	kindData     = "data"
	kindTabPing  = "tab_ping"
	kindTabCount = "tab_count"
)

// Bus owns the election cell and the slice/status pub/sub channel for one
// symbol; it is shared by the elected leader (which publishes) and every
// follower (which subscribes).
type Bus struct {
	cfg    Config
	client *redis.Client
	pubsub *redis.PubSub
	log    *logging.Log
	tabID  string
	symbol string

	peersMu sync.Mutex
	peers   map[string]time.Time

	OnMessage  func(model.ProducerMessage)
	OnTabCount func(count int)
}

// New builds a Bus bound to one symbol's channel.
func New(client *redis.Client, symbol, tabID string, cfg Config, log *logging.Log) *Bus {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Bus{
		cfg:    cfg.withDefaults(),
		client: client,
		log:    log,
		tabID:  tabID,
		symbol: strings.ToLower(symbol),
		peers:  make(map[string]time.Time),
	}
}

// TryAcquireLeader attempts to claim the election cell with SET NX plus a
// TTL, then reads the key back to confirm this instance actually holds
// it (guards against a race between two instances' SET calls landing on
// different Redis nodes during a failover).
func (b *Bus) TryAcquireLeader(ctx context.Context) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.cfg.ElectionKey, b.tabID, b.cfg.HeartbeatTTL).Result()
	if err != nil {
		return false, fmt.Errorf("leader: acquire failed: %w", err)
	}
	if !ok {
		return false, nil
	}

	holder, err := b.client.Get(ctx, b.cfg.ElectionKey).Result()
	if err != nil {
		return false, fmt.Errorf("leader: read-back failed: %w", err)
	}
	return holder == b.tabID, nil
}

// RunHeartbeat rewrites the election key's TTL every HeartbeatEvery as
// long as this instance still holds it, returning when ctx is canceled
// or the key has been taken over by another instance.
func (b *Bus) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			holder, err := b.client.Get(ctx, b.cfg.ElectionKey).Result()
			if err != nil || holder != b.tabID {
				return
			}
			b.client.Expire(ctx, b.cfg.ElectionKey, b.cfg.HeartbeatTTL)
		}
	}
}

// WatchVacancy polls the election key and calls onVacant on the first
// poll that finds it absent. An absent key is authoritative either way:
// a graceful Release deletes it, and a crashed leader's key expires on
// its own once HeartbeatTTL elapses without renewal.
func (b *Bus) WatchVacancy(ctx context.Context, onVacant func()) {
	ticker := time.NewTicker(b.cfg.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exists, err := b.client.Exists(ctx, b.cfg.ElectionKey).Result()
			if err != nil {
				continue
			}
			if exists == 0 {
				onVacant()
			}
		}
	}
}

// Release clears the election key if this instance still holds it,
// freeing the cell for the remaining followers to race on.
func (b *Bus) Release(ctx context.Context) {
	holder, err := b.client.Get(ctx, b.cfg.ElectionKey).Result()
	if err == nil && holder == b.tabID {
		b.client.Del(ctx, b.cfg.ElectionKey)
	}
}

func (b *Bus) channel() string {
	return channelPrefix + b.symbol
}

// Publish fans a producer message out over the symbol's pub/sub channel.
func (b *Bus) Publish(ctx context.Context, msg model.ProducerMessage) error {
	return b.publishRaw(ctx, busMessage{Kind: kindData, Payload: &msg})
}

func (b *Bus) publishRaw(ctx context.Context, msg busMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(), payload).Err()
}

// RunPresencePings announces this follower on the bus every PingEvery so
// the leader can count live tabs, until ctx is canceled.
func (b *Bus) RunPresencePings(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.publishRaw(ctx, busMessage{Kind: kindTabPing, TabID: b.tabID}); err != nil && ctx.Err() == nil {
				b.log.WithComponent("leader").WithError(err).Warn("presence ping failed")
			}
		}
	}
}

// RunPresenceTracking is the leader-side counterpart: it prunes followers
// not heard from within FollowerTTL and rebroadcasts the current tab
// count (followers plus the leader itself) on every change.
func (b *Bus) RunPresenceTracking(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingEvery)
	defer ticker.Stop()

	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := b.prunePeers(time.Now()) + 1
			if count != lastCount {
				lastCount = count
				if err := b.publishRaw(ctx, busMessage{Kind: kindTabCount, Count: count}); err != nil && ctx.Err() == nil {
					b.log.WithComponent("leader").WithError(err).Warn("tab count broadcast failed")
				}
			}
		}
	}
}

// prunePeers drops followers not heard from within FollowerTTL and
// returns how many remain.
func (b *Bus) prunePeers(now time.Time) int {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	for id, seen := range b.peers {
		if now.Sub(seen) > b.cfg.FollowerTTL {
			delete(b.peers, id)
		}
	}
	return len(b.peers)
}

func (b *Bus) recordPeer(tabID string) {
	if tabID == "" || tabID == b.tabID {
		return
	}
	b.peersMu.Lock()
	b.peers[tabID] = time.Now()
	b.peersMu.Unlock()
}

// Subscribe opens the pub/sub subscription and runs a blocking read loop
// that decodes each payload and invokes OnMessage, until ctx is canceled.
func (b *Bus) Subscribe(ctx context.Context) error {
	b.pubsub = b.client.Subscribe(ctx, b.channel())
	ch := b.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return b.pubsub.Close()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var msg busMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.log.WithComponent("leader").WithError(err).Warn("discarding malformed bus payload")
				continue
			}
			switch msg.Kind {
			case kindData:
				if msg.Payload != nil && b.OnMessage != nil {
					b.OnMessage(*msg.Payload)
				}
			case kindTabPing:
				b.recordPeer(msg.TabID)
			case kindTabCount:
				if b.OnTabCount != nil {
					b.OnTabCount(msg.Count)
				}
			}
		}
	}
}

// Close releases the pub/sub subscription, if any.
func (b *Bus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
