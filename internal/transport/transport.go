// Package transport implements the Transport Client: it maintains a single
// streaming connection to the exchange, reconnects under a capped
// exponential backoff with jitter, and emits parsed depth deltas.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"depthfeed/internal/logging"
	"depthfeed/internal/model"
)

const (
	backoffBase       = time.Second
	backoffCap        = 30 * time.Second
	maxReconnectTries = 5
	pingInterval      = 20 * time.Second
)

// Endpoint describes the stream the client dials: {base_ws_url}/{lowercased_symbol}{suffix}.
type Endpoint struct {
	BaseURL string
	Symbol  string
	Suffix  string
}

func (e Endpoint) URL() string {
	return fmt.Sprintf("%s/%s%s", e.BaseURL, strings.ToLower(e.Symbol), e.Suffix)
}

// Client owns one streaming session and reconnects it as needed.
type Client struct {
	endpoint Endpoint
	dialer   *websocket.Dialer
	log      *logging.Log

	OnOpen         func()
	OnMessage      func(model.RawDelta)
	OnClose        func()
	OnError        func(error)
	OnReconnecting func(attempt int)
	OnTerminal     func(error)

	cancel context.CancelFunc
}

// New builds a Transport Client for the given endpoint.
func New(endpoint Endpoint, log *logging.Log) *Client {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Client{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		log:      log,
	}
}

// Connect opens the session and runs the read loop until the context is
// canceled, Disconnect is called, or the reconnect ladder is exhausted.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.dialer.DialContext(ctx, c.endpoint.URL(), nil)
		if err != nil {
			attempt++
			if c.OnError != nil {
				c.OnError(err)
			}
			if attempt > maxReconnectTries {
				if c.OnTerminal != nil {
					c.OnTerminal(fmt.Errorf("transport: exceeded %d reconnect attempts: %w", maxReconnectTries, err))
				}
				return
			}
			if c.OnReconnecting != nil {
				c.OnReconnecting(attempt)
			}
			if c.sleep(ctx, backoffDelay(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		if c.OnOpen != nil {
			c.OnOpen()
		}

		pingCancel := c.startPing(ctx, conn)
		err = c.readLoop(ctx, conn)
		pingCancel()
		conn.Close()

		if c.OnClose != nil {
			c.OnClose()
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil && c.OnError != nil {
			c.OnError(err)
		}

		attempt++
		if attempt > maxReconnectTries {
			if c.OnTerminal != nil {
				c.OnTerminal(fmt.Errorf("transport: exceeded %d reconnect attempts", maxReconnectTries))
			}
			return
		}
		if c.OnReconnecting != nil {
			c.OnReconnecting(attempt)
		}
		if c.sleep(ctx, backoffDelay(attempt)) {
			return
		}
	}
}

// Disconnect gracefully closes the session and suppresses any pending
// reconnect.
func (c *Client) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) (canceled bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// backoffDelay implements delay(n) = min(BASE*2^(n-1) + U(0,1s), 30s).
func backoffDelay(attempt int) time.Duration {
	exp := backoffBase * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	delay := exp + jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		delta, ok := parseDepthFrame(raw)
		if !ok {
			continue // non-depth frame, silently discarded
		}
		if c.OnMessage != nil {
			c.OnMessage(delta)
		}
	}
}

func (c *Client) startPing(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

// depthFrame is the Binance diff-depth wire shape (futures and spot share
// the field layout; spot omits pu).
type depthFrame struct {
	Event         string     `json:"e"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func parseDepthFrame(raw []byte) (model.RawDelta, bool) {
	var frame depthFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return model.RawDelta{}, false
	}
	if frame.Event != "depthUpdate" {
		return model.RawDelta{}, false
	}

	return model.RawDelta{
		Symbol:        frame.Symbol,
		FirstUpdateID: frame.FirstUpdateID,
		FinalUpdateID: frame.FinalUpdateID,
		Bids:          pairsToPQ(frame.Bids),
		Asks:          pairsToPQ(frame.Asks),
	}, true
}

func pairsToPQ(pairs [][]string) []model.PriceQty {
	out := make([]model.PriceQty, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		out = append(out, model.PriceQty{Price: p[0], Qty: p[1]})
	}
	return out
}
