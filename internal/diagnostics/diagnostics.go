// Package diagnostics exposes the Reactive Store and emitted metrics as a
// small Gin-powered JSON HTTP surface for operators.
package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/store"
)

// Config controls whether the surface is served and where.
type Config struct {
	Enabled    bool
	ListenAddr string
}

// Server hosts the /api/state and /api/metrics JSON endpoints over the
// current Reactive Store.
type Server struct {
	cfg           Config
	log           *logging.Log
	rs            *store.Store
	sampler       *ResourceSampler
	metricHandler metrics.HandlerID
	mu            sync.Mutex
	recent        []metrics.Metric
	httpServer    *http.Server
}

// New builds a Server; returns nil if diagnostics are disabled.
func New(cfg Config, rs *store.Store, log *logging.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logging.GetLogger()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8091"
	}

	s := &Server{cfg: cfg, log: log, rs: rs, sampler: NewResourceSampler(200, time.Second, log)}
	s.metricHandler = metrics.Register(func(m metrics.Metric) {
		s.mu.Lock()
		s.recent = append(s.recent, m)
		if len(s.recent) > 200 {
			s.recent = s.recent[len(s.recent)-200:]
		}
		s.mu.Unlock()
	})
	return s
}

// Run starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer metrics.Unregister(s.metricHandler)

	s.sampler.Start(ctx)
	defer s.sampler.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/api/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.rs.Snapshot())
	})
	router.GET("/api/metrics", func(c *gin.Context) {
		s.mu.Lock()
		snapshot := append([]metrics.Metric(nil), s.recent...)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"metrics": snapshot})
	})
	router.GET("/api/resources", func(c *gin.Context) {
		warns, errs := logging.Counters()
		c.JSON(http.StatusOK, gin.H{
			"resources":  s.sampler.Snapshots(),
			"log_warns":  warns,
			"log_errors": errs,
		})
	})

	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
