package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Subscription is one Hyperliquid ws feed. Empty fields are omitted on the
// wire.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	User     string `json:"user,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type subscribeMessage struct {
	Method       string       `json:"method"`
	Subscription Subscription `json:"subscription"`
}

// Message is a decoded channel envelope.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     []Subscription
	lastRead time.Time
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	c.conn = conn
	return nil
}

// Subscribe sends sub now if connected and replays it after every reconnect.
// Subscribing twice to the same feed is a no-op.
func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	for _, existing := range c.subs {
		if existing == sub {
			c.mu.Unlock()
			return nil
		}
	}
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, subscribeMessage{Method: "subscribe", Subscription: sub})
}

// LastRead is the time of the last frame received.
func (c *Client) LastRead() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRead
}

// Run reads until ctx is done, reconnecting after errors. Pong frames are
// not passed to handler.
func (c *Client) Run(ctx context.Context, handler func(Message)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.String("url", c.url), zap.Error(err))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			c.resetConn()
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, subscribeMessage{Method: "subscribe", Subscription: sub}); err != nil {
			c.resetConn()
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(Message)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ws frame decode failed", zap.Error(err))
			continue
		}
		if msg.Channel == "pong" || handler == nil {
			continue
		}
		handler(msg)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended, reconnecting", zap.Error(err), zap.Duration("delay", c.reconnectDelay))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
