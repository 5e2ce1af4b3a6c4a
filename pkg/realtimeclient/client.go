package realtimeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	// URL is the stream endpoint, e.g. ws://localhost:8080/api/v1/ws.
	URL   string
	Token string
	// MaxVisible caps the visible set and is sent on subscribe.
	MaxVisible        int
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the client waits for any frame before
	// treating the connection as dead.
	HeartbeatTimeout time.Duration
	Policy           Policy
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
}

// Handlers receive client callbacks. Nil handlers are skipped. Callbacks run
// on the client's read goroutine and must not block.
type Handlers struct {
	OnState        func(from, to State)
	OnNotification func(n Notification, evicted *Notification)
	OnAckResult    func(f Frame)
	OnError        func(f Frame)
}

// Client keeps a stream open, reconnecting with backoff, and maintains the
// visible set.
type Client struct {
	cfg      Config
	handlers Handlers
	log      *zap.Logger

	stateMu sync.Mutex
	machine *Machine

	visible *VisibleSet

	writeMu sync.Mutex
	conn    *websocket.Conn

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, h Handlers) *Client {
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.Policy.Base <= 0 {
		cfg.Policy = DefaultPolicy
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		handlers: h,
		log:      log,
		machine:  NewMachine(cfg.Policy),
		visible:  NewVisibleSet(cfg.MaxVisible),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.machine.State()
}

// Visible returns the shown notifications in display order.
func (c *Client) Visible() []Notification {
	return c.visible.Items()
}

func (c *Client) fire(ev Event) State {
	c.stateMu.Lock()
	from := c.machine.State()
	to, err := c.machine.Fire(ev)
	c.stateMu.Unlock()

	if err != nil {
		c.log.Warn("Ignored realtime client event", zap.Stringer("event", ev), zap.Error(err))
		return to
	}
	c.log.Debug("Realtime client transition",
		zap.Stringer("event", ev),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if from != to && c.handlers.OnState != nil {
		c.handlers.OnState(from, to)
	}
	return to
}

// Run connects and keeps reconnecting until ctx ends, the server forces a
// disconnect, or attempts run out. It returns the terminal cause.
func (c *Client) Run(ctx context.Context) error {
	state := c.fire(EventConnect)
	for {
		switch state {
		case StateConnecting:
			conn, err := c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.fire(EventClose)
					return ctx.Err()
				}
				c.log.Info("Realtime connect failed", zap.Int("attempt", c.attempt()), zap.Error(err))
				state = c.fire(EventConnectFailure)
				continue
			}
			c.fire(EventConnectSuccess)
			state = c.fire(c.session(ctx, conn))

		case StateBackoff:
			delay := c.delay()
			c.log.Info("Realtime reconnect scheduled", zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				c.fire(EventClose)
				return err
			}
			state = c.fire(EventBackoffElapsed)

		case StateDisconnected:
			c.stateMu.Lock()
			err := c.machine.Err()
			c.stateMu.Unlock()
			if errors.Is(err, ErrClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err

		default:
			return fmt.Errorf("unexpected state %s", state)
		}
	}
}

func (c *Client) attempt() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.machine.Attempt()
}

func (c *Client) delay() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.machine.Delay()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// session runs one connection and returns the event that ended it.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) Event {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	if err := c.write(Frame{Type: FrameSubscribe, MaxVisible: c.cfg.MaxVisible}); err != nil {
		return EventConnectionLost
	}

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := c.write(Frame{Type: FrameHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return c.classify(ctx, err)
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("Malformed realtime frame", zap.Error(err))
			continue
		}
		if ev, stop := c.handle(f); stop {
			return ev
		}
	}
}

func (c *Client) classify(ctx context.Context, err error) Event {
	if ctx.Err() != nil {
		return EventClose
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == CloseForceDisconnect {
		return EventForceDisconnect
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.log.Info("Realtime heartbeat timed out")
		return EventHeartbeatTimeout
	}
	c.log.Info("Realtime connection lost", zap.Error(err))
	return EventConnectionLost
}

func (c *Client) handle(f Frame) (Event, bool) {
	switch f.Type {
	case FrameWelcome:
		c.log.Info("Realtime session started", zap.String("session_id", f.SessionID))

	case FrameNotification:
		var n Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			c.log.Warn("Malformed notification frame", zap.Error(err))
			return 0, false
		}
		added, evicted := c.visible.Add(n)
		if added && c.handlers.OnNotification != nil {
			c.handlers.OnNotification(n, evicted)
		}

	case FrameAckResult:
		if c.handlers.OnAckResult != nil {
			c.handlers.OnAckResult(f)
		}

	case FrameError:
		c.log.Warn("Realtime server error", zap.String("code", f.Code), zap.String("message", f.Message))
		if c.handlers.OnError != nil {
			c.handlers.OnError(f)
		}

	case FrameForceDisconnect:
		c.log.Warn("Realtime session force-disconnected", zap.String("reason", f.Reason))
		return EventForceDisconnect, true

	case FrameHeartbeatAck:
	}
	return 0, false
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	return c.conn.WriteJSON(f)
}

var errNotConnected = errors.New("not connected")

// Ack acknowledges a notification. Dismissed and clicked notifications leave
// the visible set.
func (c *Client) Ack(notificationID, action string) error {
	if err := c.write(Frame{Type: FrameAck, NotificationID: notificationID, Action: action}); err != nil {
		return err
	}
	if action == "dismissed" || action == "clicked" {
		c.visible.Remove(notificationID)
	}
	return nil
}
