// Package sharedhost implements the shared-host distribution fabric: a
// single process owns the Producer Host, a small websocket server fans
// the published slice out to every attached consumer tab, and a pruner
// reaps tabs that stop renewing presence.
package sharedhost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/model"
)

// Config tunes the fan-out server and the presence pruner.
type Config struct {
	ListenAddr string
	PruneEvery time.Duration
	VisibleTTL time.Duration
	HiddenTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = 3 * time.Second
	}
	if c.VisibleTTL <= 0 {
		c.VisibleTTL = 6 * time.Second
	}
	if c.HiddenTTL <= 0 {
		c.HiddenTTL = 60 * time.Second
	}
	return c
}

type tabEntry struct {
	conn          *websocket.Conn
	lastSeenMs    int64
	hidden        bool
	hiddenSinceMs int64
}

// Server owns the fan-out websocket endpoint and the port registry of
// connected tabs. One Server instance lives alongside the Producer Host
// in the standalone producer process.
type Server struct {
	cfg      Config
	log      *logging.Log
	upgrader websocket.Upgrader

	mu         sync.Mutex
	tabs       map[string]*tabEntry
	lastStatus model.ProducerMessage
	lastSlice  model.ProducerMessage

	httpServer *http.Server

	// OnMembershipChange fires with the current tab count whenever a tab
	// joins, is pruned, or disconnects.
	OnMembershipChange func(count int)
	// OnControl fires for every control message a tab sends, so the
	// Producer Host can react to set_depth / visibility changes.
	OnControl func(model.ControlMessage)
}

// New builds a Server; it does not start listening until Run is called.
func New(cfg Config, log *logging.Log) *Server {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tabs:     make(map[string]*tabEntry),
	}
}

// Run starts the HTTP server and the presence pruner, blocking until ctx
// is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/fabric", s.handleConn)

	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go s.pruneLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// handleConn upgrades one tab's connection, registers it in the port
// registry, replays the last published message for late joiners, and
// reads control frames until the tab disconnects.
func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("sharedhost").WithError(err).Warn("upgrade failed")
		return
	}

	tabID := r.URL.Query().Get("tab_id")
	if tabID == "" {
		tabID = conn.RemoteAddr().String()
	}

	s.mu.Lock()
	s.tabs[tabID] = &tabEntry{conn: conn, lastSeenMs: nowMs()}
	lastStatus := s.lastStatus
	lastSlice := s.lastSlice
	count := len(s.tabs)
	s.mu.Unlock()

	// late-joiner handshake: current status first, then the freshest slice
	if lastStatus.Type != "" {
		_ = conn.WriteJSON(lastStatus)
	}
	if lastSlice.Type != "" {
		_ = conn.WriteJSON(lastSlice)
	}
	s.fireMembership(count)

	defer s.removeTab(tabID)

	for {
		var ctrl model.ControlMessage
		if err := conn.ReadJSON(&ctrl); err != nil {
			return
		}
		s.touch(tabID, ctrl)
		if s.OnControl != nil {
			s.OnControl(ctrl)
		}
	}
}

func (s *Server) touch(tabID string, ctrl model.ControlMessage) {
	s.mu.Lock()
	t, ok := s.tabs[tabID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.lastSeenMs = nowMs()

	var resumeConn *websocket.Conn
	var resumeMsg model.ProducerMessage
	if ctrl.Type == model.ControlVisibility {
		if ctrl.Hidden && !t.hidden {
			t.hiddenSinceMs = nowMs()
		}
		if !ctrl.Hidden && t.hidden && s.lastSlice.Type != "" {
			// resuming tab missed every slice while hidden; replay the latest
			resumeConn = t.conn
			resumeMsg = s.lastSlice
		}
		t.hidden = ctrl.Hidden
	}
	s.mu.Unlock()

	if resumeConn != nil {
		_ = resumeConn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = resumeConn.WriteJSON(resumeMsg)
	}
}

func (s *Server) removeTab(tabID string) {
	s.mu.Lock()
	delete(s.tabs, tabID)
	count := len(s.tabs)
	s.mu.Unlock()
	s.fireMembership(count)
}

// Broadcast fans a producer message out to every registered tab,
// dropping any connection that fails to write (it will be pruned on the
// next sweep or removed when its read loop returns). Slice updates are
// not sent to tabs currently reporting hidden; a hidden tab gets one
// fresh slice on resume instead of a backlog.
func (s *Server) Broadcast(msg model.ProducerMessage) {
	skipHidden := msg.Type == model.ProducerOrderbookUpdate

	s.mu.Lock()
	switch msg.Type {
	case model.ProducerOrderbookUpdate:
		s.lastSlice = msg
	case model.ProducerStatusChange:
		s.lastStatus = msg
	}
	conns := make([]*websocket.Conn, 0, len(s.tabs))
	for _, t := range s.tabs {
		if skipHidden && t.hidden {
			continue
		}
		conns = append(conns, t.conn)
	}
	s.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.WriteMessage(websocket.TextMessage, payload)
	}
}

// pruneLoop reaps tabs that have not renewed presence within their TTL:
// 6s for a visible tab, 60s for one reported hidden.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Server) prune() {
	now := nowMs()
	var pruned []string

	s.mu.Lock()
	for id, t := range s.tabs {
		ttl := s.cfg.VisibleTTL
		if t.hidden {
			ttl = s.cfg.HiddenTTL
		}
		if now-t.lastSeenMs > ttl.Milliseconds() {
			pruned = append(pruned, id)
			if t.conn != nil {
				_ = t.conn.Close()
			}
			delete(s.tabs, id)
		}
	}
	count := len(s.tabs)
	s.mu.Unlock()

	if len(pruned) > 0 {
		s.fireMembership(count)
		metrics.Emit(s.log, "sharedhost", "tabs_pruned", len(pruned), "counter", nil)
	}
}

func (s *Server) fireMembership(count int) {
	if s.OnMembershipChange != nil {
		s.OnMembershipChange(count)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
