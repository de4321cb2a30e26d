// Command depthfeed-producer runs one Producer Host against a single
// exchange/instrument and publishes its slices through the shared-host or
// shared-memory fabric. The leader-replicated fabric has no standalone
// producer: consumers elect one among themselves (see depthfeed-consumer).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthfeed/internal/channel"
	"depthfeed/internal/config"
	"depthfeed/internal/fabric/sharedhost"
	"depthfeed/internal/fabric/shmem"
	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
	"depthfeed/internal/producer"
	"depthfeed/internal/sequence"
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

	log.WithFields(logging.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"mode":    cfg.Fabric.Mode,
	}).Info("starting depthfeed producer")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cfg.Fabric.Mode {
	case config.ModeShared:
		runSharedHost(ctx, cfg, log)
	case config.ModeSharedMemory:
		runSharedMemory(ctx, cfg, log)
	case config.ModeBroadcast:
		log.Error("broadcast mode elects a producer among consumers; run depthfeed-consumer instead")
		os.Exit(1)
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

// runSharedHost keeps the Producer Host alive only while at least one
// consumer tab is attached: the first join connects it, the last leave
// disconnects it.
func runSharedHost(ctx context.Context, cfg *config.Config, log *logging.Log) {
	host := newHost(cfg, log)
	fan := channel.NewChannels(1, cfg.Producer.BufferSize)

	srv := sharedhost.New(sharedhost.Config{
		ListenAddr: cfg.Fabric.SharedHost.ListenAddr,
		PruneEvery: cfg.Fabric.SharedHost.PruneEvery.Std(),
		VisibleTTL: cfg.Fabric.SharedHost.VisibleTTL.Std(),
		HiddenTTL:  cfg.Fabric.SharedHost.HiddenTTL.Std(),
	}, log)

	host.Publish = func(slice model.OrderbookSlice) {
		s := slice
		fan.SendFanout(ctx, model.ProducerMessage{
			Type:              model.ProducerOrderbookUpdate,
			Data:              &s,
			ProducerTimestamp: s.ProducerStampMs,
		})
	}
	host.StatusChanged = func(status model.ConnectionStatus) {
		srv.Broadcast(model.ProducerMessage{Type: model.ProducerStatusChange, Status: status})
	}
	host.MetricsTick = func(reconnects, gaps int64) {
		srv.Broadcast(model.ProducerMessage{
			Type:        model.ProducerMetrics,
			MetricsData: &model.Metrics{ReconnectCount: reconnects, SequenceGaps: gaps},
		})
	}

	var hostMu sync.Mutex
	running := false
	srv.OnMembershipChange = func(count int) {
		srv.Broadcast(model.ProducerMessage{
			Type:        model.ProducerMetrics,
			MetricsData: &model.Metrics{TabCount: count},
		})

		hostMu.Lock()
		defer hostMu.Unlock()
		if count > 0 && !running {
			running = true
			host.Connect(ctx)
		} else if count == 0 && running {
			running = false
			host.Disconnect()
		}
	}
	srv.OnControl = func(ctrl model.ControlMessage) {
		if ctrl.Type == model.ControlSetDepth && ctrl.Depth > 0 {
			host.SetDepth(ctrl.Depth)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-fan.Fanout:
				if !ok {
					return
				}
				srv.Broadcast(msg)
			}
		}
	}()

	defer host.Disconnect()
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("shared-host fabric server exited")
		os.Exit(1)
	}
}

func runSharedMemory(ctx context.Context, cfg *config.Config, log *logging.Log) {
	region, err := shmem.Create(cfg.Fabric.SharedMemory.Path)
	if err != nil {
		log.WithError(err).Error("failed to allocate shared-memory region")
		os.Exit(1)
	}
	defer region.Close()

	log.WithFields(logging.Fields{"path": cfg.Fabric.SharedMemory.Path}).Info("shared-memory region ready")

	host := newHost(cfg, log)
	host.Publish = func(slice model.OrderbookSlice) {
		region.Write(slice)
	}
	host.StatusChanged = func(status model.ConnectionStatus) {
		log.WithComponent("producer").WithFields(logging.Fields{"status": status.State.String()}).Info("status change")
	}
	host.MetricsTick = func(reconnects, gaps int64) {
		metrics.Emit(log, "producer", "reconnect_count", reconnects, "gauge", nil)
		metrics.Emit(log, "producer", "sequence_gap_count", gaps, "gauge", nil)
	}

	host.Connect(ctx)
	defer host.Disconnect()

	<-ctx.Done()
	// let in-flight cadence publishes settle before unmapping
	time.Sleep(200 * time.Millisecond)
}
