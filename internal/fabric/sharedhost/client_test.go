package sharedhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"depthfeed/internal/model"
)

func TestClientReceivesBroadcastAndLateJoinReplay(t *testing.T) {
	s := New(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleConn))
	defer srv.Close()

	// a slice published before any tab attaches becomes the late-joiner replay
	s.Broadcast(model.ProducerMessage{
		Type: model.ProducerOrderbookUpdate,
		Data: &model.OrderbookSlice{LastUpdateID: 7},
	})

	got := make(chan model.ProducerMessage, 4)
	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), "tab-1", nil)
	c.OnMessage = func(m model.ProducerMessage) { got <- m }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case m := <-got:
		if m.Type != model.ProducerOrderbookUpdate || m.Data == nil || m.Data.LastUpdateID != 7 {
			t.Fatalf("unexpected replayed message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for late-joiner replay")
	}

	s.Broadcast(model.ProducerMessage{
		Type: model.ProducerOrderbookUpdate,
		Data: &model.OrderbookSlice{LastUpdateID: 8},
	})
	select {
	case m := <-got:
		if m.Data == nil || m.Data.LastUpdateID != 8 {
			t.Fatalf("unexpected broadcast message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestBroadcastSkipsHiddenTabs(t *testing.T) {
	s := New(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleConn))
	defer srv.Close()

	got := make(chan model.ProducerMessage, 8)
	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), "tab-1", nil)
	c.OnMessage = func(m model.ProducerMessage) { got <- m }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.tabs)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for tab registration")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.SetVisibility(true); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		hidden := false
		for _, tab := range s.tabs {
			hidden = tab.hidden
		}
		s.mu.Unlock()
		if hidden {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for hidden flag")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Broadcast(model.ProducerMessage{
		Type: model.ProducerOrderbookUpdate,
		Data: &model.OrderbookSlice{LastUpdateID: 9},
	})
	select {
	case m := <-got:
		t.Fatalf("hidden tab unexpectedly received %+v", m)
	case <-time.After(200 * time.Millisecond):
	}

	// resume delivers exactly one fresh slice
	if err := c.SetVisibility(false); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	select {
	case m := <-got:
		if m.Data == nil || m.Data.LastUpdateID != 9 {
			t.Fatalf("unexpected resume slice: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resume slice")
	}
}
