// Package stream maintains the B-hyve event WebSocket: it authenticates with
// the session token, keeps the connection alive with application pings and
// redials with a configurable backoff when the connection drops.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State of the connection loop.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

const (
	DefaultHeartbeat = 25 * time.Second

	writeTimeout = 10 * time.Second
)

// EventHandler receives every decoded frame.
type EventHandler func(bhyve.Event)

// TokenProvider supplies the session token used to authenticate the stream.
type TokenProvider interface {
	SessionToken(ctx context.Context) (string, error)
}

// Metrics receives connection statistics. All methods must be safe for
// concurrent use.
type Metrics interface {
	FrameReceived(event string)
	Reconnecting()
	SetConnected(connected bool)
}

// Stream is the event stream as seen by the rest of the bridge.
type Stream interface {
	Start(ctx context.Context) error
	Stop() error
	State() State
	IsConnected() bool
	Send(ctx context.Context, payload any) error
	OnEvent(handler EventHandler) Subscription
}

// Subscription is returned by OnEvent.
type Subscription interface {
	Unsubscribe() error
}

type subscriberEntry struct {
	subID   int
	handler EventHandler
}

// Client implements Stream over gorilla/websocket.
type Client struct {
	url     string
	tokens  TokenProvider
	logger  *zap.Logger
	dialer  *websocket.Dialer
	clock   clock.Clock
	metrics Metrics

	heartbeat time.Duration
	reconnect ReconnectPolicy

	conn    *websocket.Conn
	state   State
	connMu  sync.RWMutex
	writeMu sync.Mutex

	heartbeatMu    sync.Mutex
	heartbeatTimer clock.Timer

	subscribers []subscriberEntry
	nextSubID   int
	subsMu      sync.RWMutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeat sets how long the stream may stay silent before a ping is sent.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithReconnectPolicy sets the delay between reconnect attempts.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.reconnect = p }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces the clock used for heartbeats and backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics reports connection statistics to m.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a stream client for url. Nothing is dialed until Start.
func NewClient(url string, tokens TokenProvider, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:       url,
		tokens:    tokens,
		logger:    logger.Named("stream"),
		dialer:    websocket.DefaultDialer,
		clock:     clock.Real(),
		metrics:   nopMetrics{},
		heartbeat: DefaultHeartbeat,
		reconnect: DefaultReconnectPolicy(),
		state:     StateStopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the connection loop. It returns immediately; the first
// connection attempt happens in the background.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("stream already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(StateStarting)

	go c.run(ctx, c.done)
	return nil
}

// Stop closes the socket and waits for the connection loop to exit.
func (c *Client) Stop() error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return nil
	}

	c.logger.Info("Closing websocket connection", zap.String("state", string(c.State())))
	cancel()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	<-done
	c.setState(StateStopped)
	return nil
}

// State returns the state of the connection loop.
func (c *Client) State() State {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

// IsConnected returns true while an authenticated socket is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Send writes payload as a JSON text frame.
func (c *Client) Send(ctx context.Context, payload any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		c.logger.Warn("Tried to send message whilst websocket closed", zap.String("state", string(c.State())))
		return bhyve.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := c.write(ctx, conn, data); err != nil {
		return fmt.Errorf("%w: %v", bhyve.ErrWebsocket, err)
	}
	return nil
}

// OnEvent registers handler for every decoded frame.
func (c *Client) OnEvent(handler EventHandler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriberEntry{subID: subID, handler: handler})

	return &subscription{unsubscribe: func() { c.unsubscribe(subID) }}
}

func (c *Client) unsubscribe(subID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.subscribers {
		if entry.subID == subID {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := c.reconnect.Initial
	for {
		uptime, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}
		if c.reconnect.Stable(uptime) {
			delay = c.reconnect.Initial
		}

		c.setState(StateStarting)
		c.metrics.Reconnecting()
		c.logger.Warn("Websocket disconnected, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return
		case <-c.clock.After(delay):
		}
		delay = c.reconnect.Next(delay)
	}
}

// connectAndServe dials, authenticates and reads until the connection fails.
// It returns how long the socket stayed authenticated, zero if it never was.
func (c *Client) connectAndServe(ctx context.Context) (time.Duration, error) {
	token, err := c.tokens.SessionToken(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting session token: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: dial: %v", bhyve.ErrWebsocket, err)
	}

	c.logger.Info("Authenticating websocket")
	auth, _ := json.Marshal(bhyve.AppConnectionMessage{Event: bhyve.EventAppConnection, Token: token})
	if err := c.write(ctx, conn, auth); err != nil {
		conn.Close()
		return 0, fmt.Errorf("%w: sending app_connection: %v", bhyve.ErrWebsocket, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.state = StateRunning
	c.connMu.Unlock()
	c.metrics.SetConnected(true)
	c.logger.Info("Websocket connected")
	connectedAt := c.clock.Now()

	// Unblock ReadMessage when the loop is cancelled.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	c.resetHeartbeat(conn)
	err = c.readLoop(conn)

	close(stopWatch)
	c.stopHeartbeat()
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	c.metrics.SetConnected(false)
	conn.Close()

	return c.clock.Since(connectedAt), err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", bhyve.ErrWebsocket, err)
		}
		c.resetHeartbeat(conn)

		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := bhyve.ParseEvent(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.ByteString("frame", data), zap.Error(err))
			continue
		}
		c.metrics.FrameReceived(ev.Event)
		c.logger.Debug("Event received", zap.String("event", ev.Event), zap.String("device_id", ev.DeviceID))
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev bhyve.Event) {
	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(ev)
	}
}

// resetHeartbeat (re)arms the ping timer after inbound traffic or a ping.
func (c *Client) resetHeartbeat(conn *websocket.Conn) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()

	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.heartbeat, func() { c.sendHeartbeat(conn) })
}

func (c *Client) stopHeartbeat() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()

	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

func (c *Client) sendHeartbeat(conn *websocket.Conn) {
	c.connMu.RLock()
	current := c.conn
	c.connMu.RUnlock()
	if current != conn {
		return
	}

	ping, _ := json.Marshal(bhyve.PingMessage{Event: bhyve.EventPing})
	if err := c.write(context.Background(), conn, ping); err != nil {
		c.logger.Warn("Failed to send heartbeat", zap.Error(err))
		return
	}
	c.resetHeartbeat(conn)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setState(s State) {
	c.connMu.Lock()
	c.state = s
	c.connMu.Unlock()
}

type subscription struct {
	once        sync.Once
	unsubscribe func()
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.unsubscribe)
	return nil
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string) {}
func (nopMetrics) Reconnecting()        {}
func (nopMetrics) SetConnected(bool)    {}
