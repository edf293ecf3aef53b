// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/model"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a Client.
type Config struct {
	// URL of the channel server websocket (default: DefaultURL).
	URL string

	// Origin sent with the websocket handshake (default: http://localhost/).
	Origin string

	// Name announced to the server (default: DefaultName).
	Name string

	// Token authenticates the announce. Empty when the server is open.
	Token string

	// PossibleEvents announced to the server (default: DefaultPossibleEvents).
	PossibleEvents []string

	// AuthTimeout bounds the wait for module:authenticated (default: 10s).
	AuthTimeout time.Duration

	// SendRate limits outbound frames per second. Zero disables limiting.
	SendRate float64

	// SendBurst is the limiter burst (default: 16).
	SendBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) fillDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Origin == "" {
		c.Origin = "http://localhost/"
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.PossibleEvents == nil {
		c.PossibleEvents = DefaultPossibleEvents
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 16
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client is a persistent connection to the channel server. Sends made while
// disconnected are queued and flushed in order once the server authenticates
// the module.
//
// The Client is safe for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	init singleflight.Group

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	authed  chan error
	pending []Event
	closed  bool

	writeMu sync.Mutex

	contextUpdates hooks.Registry[func(model.Envelope)]
	events         hooks.Registry[func(Event)]
	ready          hooks.Registry[func()]

	disposeOnce sync.Once
}

// New creates a client. No connection is made until Initialize or Send.
func New(cfg Config) *Client {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}

	return &Client{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "channel").With("url", cfg.URL),
		metrics: cfg.Metrics,
		limiter: rate.NewLimiter(limit, cfg.SendBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued outbound events.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// =============================================================================
// LISTENERS
// =============================================================================

// OnContextUpdate registers fn for context:update events.
func (c *Client) OnContextUpdate(fn func(env model.Envelope)) (dispose func()) {
	return c.contextUpdates.Add(fn)
}

// OnEvent registers fn for every event received from the server.
func (c *Client) OnEvent(fn func(ev Event)) (dispose func()) {
	return c.events.Add(fn)
}

// OnReady registers fn to run after each successful authentication, once the
// pending queue has been flushed.
func (c *Client) OnReady(fn func()) (dispose func()) {
	return c.ready.Add(fn)
}

// =============================================================================
// CONNECTION
// =============================================================================

// Initialize connects and waits for authentication. Concurrent callers share
// one attempt. It returns nil immediately when already connected.
func (c *Client) Initialize(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.State() == StateConnected {
		return nil
	}

	_, err, _ := c.init.Do("connect", func() (any, error) {
		return nil, c.connect(ctx)
	})
	return err
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.reset(nil)
		c.metrics.ChannelError("dial")
		return err
	}

	authed := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.authed = authed
	c.mu.Unlock()

	go c.readLoop(conn)

	announce, err := NewEvent(TypeAnnounce, Announce{
		Name:           c.cfg.Name,
		Token:          c.cfg.Token,
		PossibleEvents: c.cfg.PossibleEvents,
	})
	if err != nil {
		c.reset(conn)
		return err
	}
	if err := c.write(conn, announce); err != nil {
		c.reset(conn)
		return err
	}

	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case err := <-authed:
		if err != nil {
			c.reset(conn)
			c.metrics.ChannelError("auth")
			return err
		}
	case <-timer.C:
		c.reset(conn)
		c.metrics.ChannelError("auth")
		return &Error{Type: ErrTypeUnauthorized, Op: "authenticate", Message: "timed out waiting for " + TypeAuthenticated}
	case <-ctx.Done():
		c.reset(conn)
		return ctx.Err()
	case <-c.ctx.Done():
		c.reset(conn)
		return ErrClosed
	}

	if err := c.drain(conn); err != nil {
		c.reset(conn)
		return err
	}
	c.metrics.SetConnected(true)
	c.logger.Info("channel connected", "name", c.cfg.Name)

	c.ready.EachIsolated(c.logger, "channel-ready", func(fn func()) error {
		fn()
		return nil
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsCfg, err := websocket.NewConfig(c.cfg.URL, c.cfg.Origin)
	if err != nil {
		return nil, &Error{Type: ErrTypeDial, Op: "dial", Message: "invalid channel url", Cause: err}
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, &Error{Type: ErrTypeDial, Op: "dial", Message: c.cfg.URL, Cause: err}
	}
	return conn, nil
}

// reset drops conn if it is still current and returns to disconnected.
// Queued events are kept.
func (c *Client) reset(conn *websocket.Conn) {
	c.mu.Lock()
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	current := c.conn
	c.conn = nil
	c.authed = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if current != nil {
		current.Close()
	}
	c.metrics.SetConnected(false)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var ev Event
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			c.mu.Lock()
			authed := c.authed
			current := c.conn == conn
			c.mu.Unlock()

			if current {
				if authed != nil {
					select {
					case authed <- &Error{Type: ErrTypeTransport, Op: "read", Message: "connection lost", Cause: err}:
					default:
					}
				}
				c.logger.Warn("channel connection lost", "error", err)
				c.metrics.ChannelError("read")
				c.reset(conn)
			}
			return
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Type {
	case TypeAuthenticated:
		var auth Authenticated
		err := ev.Decode(&auth)
		if err == nil && !auth.Authenticated {
			err = ErrUnauthorized
		}
		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()
		if authed != nil {
			select {
			case authed <- err:
			default:
			}
		}

	case TypeContextUpdate:
		var env model.Envelope
		if err := ev.Decode(&env); err != nil {
			c.logger.Warn("bad context update", "error", err)
			break
		}
		c.contextUpdates.EachIsolated(c.logger, "context-update", func(fn func(model.Envelope)) error {
			fn(env.Clone())
			return nil
		})

	case TypeError:
		var payload ErrorPayload
		if ev.Decode(&payload) == nil {
			c.logger.Warn("channel server error", "message", payload.Message)
		}
	}

	c.events.EachIsolated(c.logger, "channel-event", func(fn func(Event)) error {
		fn(ev)
		return nil
	})
}

// =============================================================================
// SENDING
// =============================================================================

// Send delivers ev, or queues it and starts a connection attempt when
// disconnected. A transport failure keeps ev queued and returns the error.
func (c *Client) Send(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		c.pending = append(c.pending, ev)
		n := len(c.pending)
		c.mu.Unlock()

		c.metrics.SetPending(n)
		go c.reconnect()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, ev); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, ev)
		n := len(c.pending)
		c.mu.Unlock()
		c.metrics.SetPending(n)
		c.reset(conn)
		return err
	}
	return nil
}

// SendContextUpdate sends env as a context:update event.
func (c *Client) SendContextUpdate(env model.Envelope) error {
	ev, err := NewEvent(TypeContextUpdate, env)
	if err != nil {
		return err
	}
	return c.Send(ev)
}

func (c *Client) reconnect() {
	if err := c.Initialize(c.ctx); err != nil && !IsClosed(err) {
		c.logger.Debug("channel connect failed", "error", err)
	}
}

// drain writes queued events in order and marks the client connected once
// the queue is empty. Sends that arrive meanwhile are queued behind the
// events being flushed. On failure the unsent remainder goes back to the
// front of the queue.
func (c *Client) drain(conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			if c.conn == conn {
				c.state = StateConnected
			}
			c.mu.Unlock()
			c.metrics.SetPending(0)
			return nil
		}
		queue := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, ev := range queue {
			if err := c.write(conn, ev); err != nil {
				c.logger.Warn("flush failed", "remaining", len(queue)-i, "error", err)
				c.requeue(queue[i:])
				return err
			}
		}
	}
}

func (c *Client) requeue(events []Event) {
	c.mu.Lock()
	c.pending = append(append([]Event(nil), events...), c.pending...)
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)
}

func (c *Client) write(conn *websocket.Conn, ev Event) error {
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(c.ctx); err != nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	err := websocket.JSON.Send(conn, ev)
	c.writeMu.Unlock()

	if err != nil {
		c.metrics.ChannelError("send")
		return &Error{Type: ErrTypeTransport, Op: "send", Message: ev.Type, Cause: err}
	}
	c.metrics.Sent()
	return nil
}

// =============================================================================
// DISPOSAL
// =============================================================================

// Dispose flushes what it can, closes the connection, and resets all state.
// Later calls are no-ops.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		connected := c.state == StateConnected
		c.mu.Unlock()

		if connected {
			if err := c.drain(conn); err != nil {
				c.logger.Debug("final flush failed", "error", err)
			}
		}

		c.cancel()
		c.reset(nil)

		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()

		c.contextUpdates.Clear()
		c.events.Clear()
		c.ready.Clear()
		c.metrics.SetPending(0)
	})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
