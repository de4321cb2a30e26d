package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"depthfeed/internal/model"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ElectionKey == "" {
		t.Fatalf("expected non-empty default election key")
	}
	if cfg.HeartbeatTTL != 5*time.Second || cfg.HeartbeatEvery != 2*time.Second {
		t.Fatalf("unexpected heartbeat defaults: %+v", cfg)
	}
	if cfg.FollowerTTL != 5*time.Second || cfg.PingEvery != 2*time.Second {
		t.Fatalf("unexpected vacancy defaults: %+v", cfg)
	}
}

func TestChannelNameLowercasesSymbol(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	b := New(client, "BTCUSDT", "tab-1", Config{}, nil)
	if got := b.channel(); got != "depthfeed.slice.btcusdt" {
		t.Fatalf("channel() = %q, want %q", got, "depthfeed.slice.btcusdt")
	}
}

func TestPrunePeersDropsStaleFollowers(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	b := New(client, "BTCUSDT", "tab-1", Config{FollowerTTL: time.Second}, nil)

	b.recordPeer("tab-2")
	b.recordPeer("tab-3")
	b.peersMu.Lock()
	b.peers["tab-2"] = time.Now().Add(-2 * time.Second)
	b.peersMu.Unlock()

	if got := b.prunePeers(time.Now()); got != 1 {
		t.Fatalf("prunePeers = %d, want 1 surviving follower", got)
	}
}

func TestRecordPeerIgnoresOwnTabID(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	b := New(client, "BTCUSDT", "tab-1", Config{}, nil)

	b.recordPeer("tab-1")
	b.recordPeer("")
	if got := b.prunePeers(time.Now()); got != 0 {
		t.Fatalf("expected no peers recorded for self/empty ids, got %d", got)
	}
}

func newTestBus(t *testing.T, tabID string) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "BTCUSDT", tabID, Config{}, nil), srv
}

func TestElectionFirstClaimWins(t *testing.T) {
	b1, srv := newTestBus(t, "tab-1")

	client2 := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client2.Close()
	b2 := New(client2, "BTCUSDT", "tab-2", Config{}, nil)

	ctx := context.Background()
	ok, err := b1.TryAcquireLeader(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}

	ok, err = b2.TryAcquireLeader(ctx)
	if err != nil {
		t.Fatalf("TryAcquireLeader: %v", err)
	}
	if ok {
		t.Fatal("expected second claim to lose while the cell is held")
	}
}

func TestReleaseVacatesCellForNextClaim(t *testing.T) {
	b1, srv := newTestBus(t, "tab-1")

	ctx := context.Background()
	if ok, _ := b1.TryAcquireLeader(ctx); !ok {
		t.Fatal("expected claim to succeed")
	}
	b1.Release(ctx)

	client2 := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client2.Close()
	b2 := New(client2, "BTCUSDT", "tab-2", Config{}, nil)
	if ok, err := b2.TryAcquireLeader(ctx); err != nil || !ok {
		t.Fatalf("expected takeover after release, ok=%v err=%v", ok, err)
	}
}

func TestReleaseLeavesForeignCellAlone(t *testing.T) {
	b1, srv := newTestBus(t, "tab-1")

	ctx := context.Background()
	if ok, _ := b1.TryAcquireLeader(ctx); !ok {
		t.Fatal("expected claim to succeed")
	}

	client2 := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client2.Close()
	b2 := New(client2, "BTCUSDT", "tab-2", Config{}, nil)
	b2.Release(ctx)

	holder, err := b1.client.Get(ctx, b1.cfg.ElectionKey).Result()
	if err != nil || holder != "tab-1" {
		t.Fatalf("expected tab-1 to still hold the cell, got %q err=%v", holder, err)
	}
}

func TestWatchVacancyFiresOnFirstAbsentPoll(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	b := New(client, "BTCUSDT", "tab-2", Config{PingEvery: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vacant := make(chan struct{}, 1)
	go b.WatchVacancy(ctx, func() {
		select {
		case vacant <- struct{}{}:
		default:
		}
	})

	// the cell was never claimed, so the very next poll must report vacancy
	select {
	case <-vacant:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for vacancy signal on an empty cell")
	}
}

func TestWatchVacancyStaysQuietWhileCellHeld(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	holder := New(client, "BTCUSDT", "tab-1", Config{}, nil)
	ctx := context.Background()
	if ok, _ := holder.TryAcquireLeader(ctx); !ok {
		t.Fatal("expected claim to succeed")
	}

	follower := New(client, "BTCUSDT", "tab-2", Config{PingEvery: 10 * time.Millisecond}, nil)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	vacant := make(chan struct{}, 1)
	go follower.WatchVacancy(watchCtx, func() {
		select {
		case vacant <- struct{}{}:
		default:
		}
	})

	select {
	case <-vacant:
		t.Fatal("vacancy reported while the cell is held")
	case <-time.After(100 * time.Millisecond):
	}

	holder.Release(ctx)
	select {
	case <-vacant:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for vacancy after release")
	}
}

func TestBusPublishSubscribeRoundTrip(t *testing.T) {
	b1, srv := newTestBus(t, "tab-1")

	client2 := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client2.Close()
	b2 := New(client2, "BTCUSDT", "tab-2", Config{}, nil)

	got := make(chan model.ProducerMessage, 1)
	b2.OnMessage = func(m model.ProducerMessage) { got <- m }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b2.Subscribe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	err := b1.Publish(ctx, model.ProducerMessage{
		Type: model.ProducerOrderbookUpdate,
		Data: &model.OrderbookSlice{LastUpdateID: 11},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-got:
		if m.Type != model.ProducerOrderbookUpdate || m.Data == nil || m.Data.LastUpdateID != 11 {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
}
