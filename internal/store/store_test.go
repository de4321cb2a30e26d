package store

import (
	"testing"

	"depthfeed/internal/model"
)

func TestSetSliceNotifiesSubscriber(t *testing.T) {
	s := New(model.SyncModeSharedHost)

	var gotField Field
	var gotState State
	unsub := s.Subscribe(func(field Field, st State) {
		gotField = field
		gotState = st
	})
	defer unsub()

	s.SetSlice(model.OrderbookSlice{LastUpdateID: 42})
	if gotField != FieldSlice {
		t.Fatalf("expected FieldSlice notification, got %v", gotField)
	}
	if gotState.LiveSlice == nil || gotState.LiveSlice.LastUpdateID != 42 {
		t.Fatalf("unexpected live slice: %+v", gotState.LiveSlice)
	}
}

func TestFreezeCapturesLiveSliceUnfreezeClears(t *testing.T) {
	s := New(model.SyncModeSharedHost)
	s.SetSlice(model.OrderbookSlice{LastUpdateID: 7})

	s.Freeze()
	snap := s.Snapshot()
	if !snap.Frozen || snap.FrozenSlice == nil || snap.FrozenSlice.LastUpdateID != 7 {
		t.Fatalf("expected frozen slice captured at 7, got %+v", snap)
	}

	s.SetSlice(model.OrderbookSlice{LastUpdateID: 8})
	snap = s.Snapshot()
	if snap.FrozenSlice.LastUpdateID != 7 {
		t.Fatalf("expected frozen slice to stay pinned at 7, got %d", snap.FrozenSlice.LastUpdateID)
	}
	if snap.LiveSlice.LastUpdateID != 8 {
		t.Fatalf("expected live slice to keep moving, got %d", snap.LiveSlice.LastUpdateID)
	}

	s.Unfreeze()
	snap = s.Snapshot()
	if snap.Frozen || snap.FrozenSlice != nil {
		t.Fatalf("expected unfreeze to clear frozen state, got %+v", snap)
	}
}

func TestSetSyncModeNotifiesOnlyOnChange(t *testing.T) {
	s := New(model.SyncModeSharedHost)

	var fields []Field
	unsub := s.Subscribe(func(field Field, _ State) { fields = append(fields, field) })
	defer unsub()

	s.SetSyncMode(model.SyncModeSharedHost) // unchanged, no notification
	s.SetSyncMode(model.SyncModeSharedMem)

	if len(fields) != 1 || fields[0] != FieldSyncMode {
		t.Fatalf("expected one FieldSyncMode notification, got %v", fields)
	}
	if got := s.Snapshot().SyncMode; got != model.SyncModeSharedMem {
		t.Fatalf("SyncMode = %q, want %q", got, model.SyncModeSharedMem)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New(model.SyncModeSharedHost)
	calls := 0
	unsub := s.Subscribe(func(Field, State) { calls++ })
	s.SetStatus(model.ConnectionStatus{State: model.StateConnected})
	unsub()
	s.SetStatus(model.ConnectionStatus{State: model.StateDisconnected})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}
