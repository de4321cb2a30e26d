package sharedhost

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"depthfeed/internal/logging"
	"depthfeed/internal/model"
)

const clientPingEvery = 2 * time.Second

// Client is the consumer side of the shared-host fabric: it attaches to
// the host's fan-out endpoint, renews presence with periodic pings, and
// hands every producer message to OnMessage.
type Client struct {
	hostAddr string
	tabID    string
	log      *logging.Log

	mu     sync.Mutex
	conn   *websocket.Conn
	hidden bool

	OnMessage func(model.ProducerMessage)
}

// NewClient builds a Client for the fan-out endpoint at hostAddr
// (host:port, no scheme).
func NewClient(hostAddr, tabID string, log *logging.Log) *Client {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Client{hostAddr: hostAddr, tabID: tabID, log: log}
}

// Run dials the host, announces presence, and reads producer messages
// until ctx is canceled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.hostAddr, Path: "/fabric", RawQuery: "tab_id=" + url.QueryEscape(c.tabID)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("sharedhost: dial %s: %w", u.String(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := c.send(model.ControlMessage{Type: model.ControlPing}); err != nil {
		return err
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		var msg model.ProducerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sharedhost: read: %w", err)
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// SetVisibility reports the consumer's hidden state to the host; the host
// stops sending slices while hidden and replays one fresh slice on resume.
func (c *Client) SetVisibility(hidden bool) error {
	c.mu.Lock()
	c.hidden = hidden
	c.mu.Unlock()
	return c.send(model.ControlMessage{Type: model.ControlVisibility, Hidden: hidden})
}

// SetDepth asks the producer to change the emitted slice depth.
func (c *Client) SetDepth(depth uint32) error {
	return c.send(model.ControlMessage{Type: model.ControlSetDepth, Depth: depth})
}

// Disconnect sends a disconnect control frame and closes the connection.
func (c *Client) Disconnect() {
	_ = c.send(model.ControlMessage{Type: model.ControlDisconnect})
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(clientPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(model.ControlMessage{Type: model.ControlPing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(msg model.ControlMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sharedhost: not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	return conn.WriteJSON(msg)
}
