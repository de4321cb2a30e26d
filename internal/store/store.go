// Package store implements the Reactive Store: the single
// consumer-side value object that every distribution fabric writes into
// and every UI surface reads from. It holds the latest live slice, an
// optional frozen slice, connection status, metrics, and leadership/mode
// flags, and notifies subscribers on each field group it touches.
package store

import (
	"sync"

	"depthfeed/internal/model"
)

// State is the immutable snapshot handed to subscribers and to the
// diagnostics HTTP surface.
type State struct {
	LiveSlice   *model.OrderbookSlice  `json:"live_slice,omitempty"`
	FrozenSlice *model.OrderbookSlice  `json:"frozen_slice,omitempty"`
	Frozen      bool                   `json:"frozen"`
	Status      model.ConnectionStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Metrics     model.Metrics          `json:"metrics"`
	IsLeader    bool                   `json:"is_leader"`
	SyncMode    model.SyncMode         `json:"sync_mode"`
}

// Field identifies which part of State a write touched, so subscribers
// that only care about one field group can be skipped cheaply.
type Field int

const (
	FieldSlice Field = iota
	FieldFrozen
	FieldStatus
	FieldMetrics
	FieldLeader
	FieldSyncMode
)

// Subscriber is called after a write with the field that changed and the
// full resulting state.
type Subscriber func(field Field, s State)

// Store holds the current State under a single lock and fans out changes
// to registered subscribers, the way the dashboard's stores retain a
// bounded view for concurrent readers.
type Store struct {
	mu          sync.RWMutex
	state       State
	subscribers map[int]Subscriber
	nextID      int
}

// New builds an empty Store in the disconnected state.
func New(mode model.SyncMode) *Store {
	return &Store{
		state: State{
			Status:   model.ConnectionStatus{State: model.StateDisconnected},
			SyncMode: mode,
		},
		subscribers: make(map[int]Subscriber),
	}
}

// Subscribe registers a callback invoked on every write; it returns an
// unsubscribe function.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetSlice updates the live slice. If the store is currently frozen, the
// write still lands (so the freeze point always resumes from the latest
// data) but FrozenSlice is left untouched until Unfreeze is called.
func (s *Store) SetSlice(slice model.OrderbookSlice) {
	s.mu.Lock()
	s.state.LiveSlice = &slice
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldSlice, snap)
}

// Freeze captures the current live slice into FrozenSlice and marks the
// store frozen; consumers reading FrozenSlice see a stable value while
// LiveSlice continues to move underneath it.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.state.Frozen = true
	if s.state.LiveSlice != nil {
		frozen := *s.state.LiveSlice
		s.state.FrozenSlice = &frozen
	}
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldFrozen, snap)
}

// Unfreeze clears the frozen flag and the frozen slice.
func (s *Store) Unfreeze() {
	s.mu.Lock()
	s.state.Frozen = false
	s.state.FrozenSlice = nil
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldFrozen, snap)
}

// SetStatus updates the connection status and its error string.
func (s *Store) SetStatus(status model.ConnectionStatus) {
	s.mu.Lock()
	s.state.Status = status
	s.state.Error = status.Error
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldStatus, snap)
}

// SetMetrics replaces the metrics frame.
func (s *Store) SetMetrics(m model.Metrics) {
	s.mu.Lock()
	s.state.Metrics = m
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldMetrics, snap)
}

// SetLeader updates the leadership flag (leader-replicated fabric only).
func (s *Store) SetLeader(isLeader bool) {
	s.mu.Lock()
	s.state.IsLeader = isLeader
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldLeader, snap)
}

// SetSyncMode records which fabric variant the consumer is attached to.
func (s *Store) SetSyncMode(mode model.SyncMode) {
	s.mu.Lock()
	if s.state.SyncMode == mode {
		s.mu.Unlock()
		return
	}
	s.state.SyncMode = mode
	snap := s.state
	s.mu.Unlock()
	s.notify(FieldSyncMode, snap)
}

func (s *Store) notify(field Field, snap State) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(field, snap)
	}
}
