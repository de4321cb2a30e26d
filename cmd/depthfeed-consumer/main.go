// Command depthfeed-consumer attaches to one distribution fabric, runs
// the Frame Bridge and Reactive Store, and serves the diagnostics HTTP
// surface. In broadcast mode it also participates in leader election and
// may end up owning the Producer Host itself.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"depthfeed/internal/bridge"
	"depthfeed/internal/config"
	"depthfeed/internal/diagnostics"
	"depthfeed/internal/fabric/leader"
	"depthfeed/internal/fabric/sharedhost"
	"depthfeed/internal/fabric/shmem"
	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
	"depthfeed/internal/producer"
	"depthfeed/internal/sequence"
	"depthfeed/internal/session"
	"depthfeed/internal/store"
	"depthfeed/internal/transport"
)

func main() {
	log := logging.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		metrics.EnableCloudWatch(cw.Region, cw.Namespace)
	}

	mode := model.SyncMode(cfg.Fabric.Mode)
	sess := session.New(mode)
	rs := store.New(mode)
	br := bridge.New(bridge.Config{
		FrameHz:          cfg.Bridge.FrameHz,
		FPSInstantaneous: cfg.Bridge.FPSInstantaneous,
	}, rs, log)

	log.WithFields(logging.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"mode":    cfg.Fabric.Mode,
		"tab_id":  sess.TabID,
	}).Info("starting depthfeed consumer")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go br.Run(ctx)
	go runResourceSampler(ctx, br)

	diag := diagnostics.New(diagnostics.Config{
		Enabled:    cfg.Diagnostics.Enabled,
		ListenAddr: cfg.Diagnostics.ListenAddr,
	}, rs, log)
	go func() {
		if err := diag.Run(ctx); err != nil {
			log.WithError(err).Error("diagnostics server exited")
		}
	}()

	switch cfg.Fabric.Mode {
	case config.ModeShared:
		rs.SetSyncMode(model.SyncModeSharedHost)
		runSharedHost(ctx, cfg, sess, rs, br, log)
	case config.ModeBroadcast:
		rs.SetSyncMode(model.SyncModeLeader)
		runBroadcast(ctx, cfg, sess, rs, br, log)
	case config.ModeSharedMemory:
		rs.SetSyncMode(model.SyncModeSharedMem)
		runSharedMemory(ctx, cfg, rs, br, log)
	}
}

// route dispatches one inbound producer message to the bridge and store.
// Followers and shared-memory readers never observe the producer's
// one-time connected transition, so inferConnected promotes the status on
// the first slice received.
func route(rs *store.Store, br *bridge.Bridge, msg model.ProducerMessage, inferConnected bool) {
	switch msg.Type {
	case model.ProducerOrderbookUpdate:
		if msg.Data == nil {
			return
		}
		br.OnSlice(*msg.Data)
		if inferConnected && rs.Snapshot().Status.State != model.StateConnected {
			rs.SetStatus(model.ConnectionStatus{State: model.StateConnected})
		}
	case model.ProducerStatusChange:
		rs.SetStatus(msg.Status)
	case model.ProducerMetrics:
		if msg.MetricsData == nil {
			return
		}
		if msg.MetricsData.ReconnectCount > 0 {
			br.OnReconnectCount(msg.MetricsData.ReconnectCount)
		}
		if msg.MetricsData.SequenceGaps > 0 {
			br.OnSequenceGaps(msg.MetricsData.SequenceGaps)
		}
		if msg.MetricsData.TabCount > 0 {
			br.OnTabCount(msg.MetricsData.TabCount)
		}
	}
}

func runSharedHost(ctx context.Context, cfg *config.Config, sess *model.Session, rs *store.Store, br *bridge.Bridge, log *logging.Log) {
	client := sharedhost.NewClient(hostAddr(cfg.Fabric.SharedHost.ListenAddr), sess.TabID, log)
	client.OnMessage = func(msg model.ProducerMessage) { route(rs, br, msg, false) }

	for ctx.Err() == nil {
		rs.SetStatus(model.ConnectionStatus{State: model.StateConnecting})
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("shared-host connection lost, retrying")
			rs.SetStatus(model.ConnectionStatus{State: model.StateReconnecting})
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
	client.Disconnect()
}

// hostAddr turns a listen address like ":8090" into a dialable host:port.
func hostAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runBroadcast(ctx context.Context, cfg *config.Config, sess *model.Session, rs *store.Store, br *bridge.Bridge, log *logging.Log) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Fabric.Leader.RedisAddr, DB: cfg.Fabric.Leader.RedisDB})
	defer client.Close()

	bus := leader.New(client, cfg.Endpoint().Symbol, sess.TabID, leader.Config{
		ElectionKey:    cfg.Fabric.Leader.ElectionKey,
		HeartbeatTTL:   cfg.Fabric.Leader.HeartbeatTTL.Std(),
		HeartbeatEvery: cfg.Fabric.Leader.HeartbeatEvery.Std(),
		FollowerTTL:    cfg.Fabric.Leader.FollowerTTL.Std(),
		PingEvery:      cfg.Fabric.Leader.PingEvery.Std(),
	}, log)
	bus.OnMessage = func(msg model.ProducerMessage) { route(rs, br, msg, true) }
	bus.OnTabCount = br.OnTabCount

	go func() {
		if err := bus.Subscribe(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("bus subscription exited")
		}
	}()
	defer bus.Release(context.Background())

	for ctx.Err() == nil {
		acquired, err := bus.TryAcquireLeader(ctx)
		if err != nil {
			log.WithError(err).Warn("leader election attempt failed")
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Fabric.Leader.HeartbeatEvery.Std()):
			}
			continue
		}

		if acquired {
			sess.Leader = true
			rs.SetLeader(true)
			log.WithFields(logging.Fields{"tab_id": sess.TabID}).Info("elected leader")
			runAsLeader(ctx, cfg, bus, rs, br, log)
			sess.Leader = false
			rs.SetLeader(false)
			continue
		}

		rs.SetLeader(false)
		followUntilVacancy(ctx, bus)
	}
}

// runAsLeader owns the Producer Host for as long as this tab holds the
// election cell: slices feed the local bridge and the bus; status and
// producer counters fan out immediately.
func runAsLeader(ctx context.Context, cfg *config.Config, bus *leader.Bus, rs *store.Store, br *bridge.Bridge, log *logging.Log) {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	host := newHost(cfg, log)
	host.Publish = func(slice model.OrderbookSlice) {
		s := slice
		br.OnSlice(s)
		if err := bus.Publish(leadCtx, model.ProducerMessage{
			Type:              model.ProducerOrderbookUpdate,
			Data:              &s,
			ProducerTimestamp: s.ProducerStampMs,
		}); err != nil && leadCtx.Err() == nil {
			log.WithComponent("leader").WithError(err).Warn("slice broadcast failed")
		}
	}
	host.StatusChanged = func(status model.ConnectionStatus) {
		rs.SetStatus(status)
		_ = bus.Publish(leadCtx, model.ProducerMessage{Type: model.ProducerStatusChange, Status: status})
	}
	host.MetricsTick = func(reconnects, gaps int64) {
		br.OnReconnectCount(reconnects)
		br.OnSequenceGaps(gaps)
		_ = bus.Publish(leadCtx, model.ProducerMessage{
			Type:        model.ProducerMetrics,
			MetricsData: &model.Metrics{ReconnectCount: reconnects, SequenceGaps: gaps},
		})
	}

	go bus.RunPresenceTracking(leadCtx)
	host.Connect(leadCtx)
	defer host.Disconnect()

	// returns when the election key is lost or the context ends
	bus.RunHeartbeat(leadCtx)
}

// followUntilVacancy pings presence while following and returns as soon
// as a poll finds the election cell vacant, so a takeover can be tried.
func followUntilVacancy(ctx context.Context, bus *leader.Bus) {
	followCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go bus.RunPresencePings(followCtx)

	vacant := make(chan struct{}, 1)
	go bus.WatchVacancy(followCtx, func() {
		select {
		case vacant <- struct{}{}:
		default:
		}
	})

	select {
	case <-ctx.Done():
	case <-vacant:
	}
}

func runSharedMemory(ctx context.Context, cfg *config.Config, rs *store.Store, br *bridge.Bridge, log *logging.Log) {
	var region *shmem.Region
	for ctx.Err() == nil {
		r, err := shmem.Open(cfg.Fabric.SharedMemory.Path)
		if err == nil {
			region = r
			break
		}
		log.WithError(err).Warn("shared-memory region not ready, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	if region == nil {
		return
	}
	defer region.Close()

	pooled := shmem.NewPooledSlice()
	var seen uint32
	br.SetSharedMemoryPoll(func(frozen bool) {
		v := region.Version()
		if v == seen {
			return
		}
		seen = v
		if frozen {
			// skip decoding so the frozen snapshot's pooled levels stay put
			return
		}
		region.Read(&pooled)
		br.OnSlice(pooled)
		if rs.Snapshot().Status.State != model.StateConnected {
			rs.SetStatus(model.ConnectionStatus{State: model.StateConnected})
		}
	})

	rs.SetStatus(model.ConnectionStatus{State: model.StateSyncing})
	<-ctx.Done()
}

// runResourceSampler feeds heap usage into the bridge's metrics frame
// once a second.
func runResourceSampler(ctx context.Context, br *bridge.Bridge) {
	sampler := diagnostics.NewHeapSampler()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			used, growth := sampler.Sample()
			br.OnHeapStats(used, growth)
		}
	}
}

func newHost(cfg *config.Config, log *logging.Log) *producer.Host {
	endpoint := cfg.Endpoint()
	return producer.New(producer.Config{
		Endpoint: transport.Endpoint{
			BaseURL: endpoint.WSURL,
			Symbol:  endpoint.Symbol,
			Suffix:  endpoint.StreamSuffix,
		},
		RESTURL:      endpoint.RESTURL,
		Depth:        cfg.Source.Depth,
		CadenceMs:    cfg.Producer.CadenceMs,
		BufferSize:   cfg.Producer.BufferSize,
		GapTolerance: int64(cfg.Producer.GapTolerance),
		SnapshotCfg: sequence.Config{
			Limit:          1000,
			MaxRetries:     cfg.Source.SnapshotRetry.MaxAttempts,
			RetryBackoff:   cfg.Source.SnapshotRetry.Backoff.Std(),
			Timeout:        cfg.Source.SnapshotRetry.Timeout.Std(),
			GapTolerance:   int64(cfg.Producer.GapTolerance),
			MaxBufferSize:  cfg.Producer.BufferSize,
			ConnectionPool: sequence.ConnectionPoolConfig{
				MaxIdleConns:    cfg.Source.ConnectionPool.MaxIdleConns,
				MaxConnsPerHost: cfg.Source.ConnectionPool.MaxConnsPerHost,
				IdleConnTimeout: cfg.Source.ConnectionPool.IdleConnTimeout.Std(),
			},
		},
	}, log)
}
