package ripple

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame on a new connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event filter
// ============================================================================

// EventFilter narrows a subscription. Zero-value fields match everything.
type EventFilter struct {
	// Event restricts to insert, update, or delete.
	Event string `json:"event,omitempty"`
	// Column/Value restrict to rows whose New column equals Value.
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (f EventFilter) matches(ev ChangeEvent) bool {
	if f.Event != "" && f.Event != ev.Event {
		return false
	}
	if f.Column == "" {
		return true
	}
	raw := ev.New
	if len(raw) == 0 {
		raw = ev.Old
	}
	var row map[string]any
	if json.Unmarshal(raw, &row) != nil {
		return false
	}
	v, ok := row[f.Column].(string)
	return ok && v == f.Value
}

// ============================================================================
// Subscription
// ============================================================================

// ChangeHandler receives change events for one subscription. Events within
// a subscription are delivered sequentially in arrival order.
type ChangeHandler func(ev ChangeEvent)

// Subscription is one registered table listener.
type Subscription struct {
	id      int
	Table   string
	Filter  EventFilter
	handler ChangeHandler
	rt      *RealtimeClient

	mu     sync.Mutex
	closed bool
}

// Unsubscribe cancels the subscription. After it returns, the handler is
// never invoked again, even for events already in flight.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.rt.mu.Lock()
	delete(s.rt.subs, s.id)
	s.rt.mu.Unlock()
}

// deliver runs the handler against an event unless the subscription closed.
// The lock makes Unsubscribe a hard barrier, not just a detach.
func (s *Subscription) deliver(ev ChangeEvent, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("realtime: handler panic",
				zap.String("table", s.Table),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient subscribes to row change events over a WebSocket, with
// auto-reconnect and heartbeat.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	nextSub          int
	subs             map[int]*Subscription
	recon            *reconnector

	onStateChange []func(RealtimeState)

	pingCounter  int
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// RealtimeFactory builds realtime clients bound to the parent Client.
type RealtimeFactory struct{ c *Client }

// Connect creates a realtime client. Call Connect on it to dial.
func (r *RealtimeFactory) Connect(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = r.c.logger
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      r.c.baseURL,
		config:       &cfg,
		logger:       cfg.Logger,
		state:        StateDisconnected,
		subs:         make(map[int]*Subscription),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// OnStateChange registers a connection state observer.
func (rt *RealtimeClient) OnStateChange(h func(RealtimeState)) {
	rt.mu.Lock()
	rt.onStateChange = append(rt.onStateChange, h)
	rt.mu.Unlock()
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	handlers := append([]func(RealtimeState){}, rt.onStateChange...)
	rt.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Subscribe registers a handler for change events on a table. It may be
// called before or after Connect; live connections are told about the new
// subscription immediately.
func (rt *RealtimeClient) Subscribe(table string, filter EventFilter, handler ChangeHandler) *Subscription {
	rt.mu.Lock()
	id := rt.nextSub
	rt.nextSub++
	sub := &Subscription{id: id, Table: table, Filter: filter, handler: handler, rt: rt}
	rt.subs[id] = sub
	conn := rt.conn
	rt.mu.Unlock()

	if conn != nil {
		if err := rt.sendSubscribe(context.Background(), sub); err != nil {
			rt.logger.Warn("realtime: subscribe command failed",
				zap.String("table", table), zap.Error(err))
		}
	}
	return sub
}

func (rt *RealtimeClient) sendSubscribe(ctx context.Context, sub *Subscription) error {
	return rt.send(ctx, &RealtimeCommand{
		Type: "subscribe",
		Payload: map[string]any{
			"table":  sub.Table,
			"filter": sub.Filter,
		},
	})
}

// Connect establishes the WebSocket connection and replays subscribe
// commands for every registered subscription.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got %q", env.Type)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	subs := make([]*Subscription, 0, len(rt.subs))
	for _, s := range rt.subs {
		subs = append(subs, s)
	}
	rt.mu.Unlock()
	rt.recon.markConnected()
	rt.setState(StateConnected)

	for _, sub := range subs {
		if err := rt.sendSubscribe(ctx, sub); err != nil {
			rt.logger.Warn("realtime: resubscribe failed",
				zap.String("table", sub.Table), zap.Error(err))
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Subscriptions stay
// registered and resume on the next Connect.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.mu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	rt.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	drop := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
	}

	err := rt.send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.conn = nil
			rt.state = StateDisconnected
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.logger.Warn("realtime: connection lost", zap.Error(err))
			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "change":
			var ev ChangeEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				rt.logger.Warn("realtime: bad change payload", zap.Error(err))
				continue
			}
			rt.dispatch(ev)
		case "error":
			rt.logger.Warn("realtime: server error", zap.ByteString("payload", env.Payload))
		}
	}
}

// dispatch routes one change event to every matching subscription,
// sequentially, so events within a subscription keep their arrival order.
func (rt *RealtimeClient) dispatch(ev ChangeEvent) {
	rt.mu.Lock()
	matching := make([]*Subscription, 0, len(rt.subs))
	for _, sub := range rt.subs {
		if sub.Table == ev.Table && sub.Filter.matches(ev) {
			matching = append(matching, sub)
		}
	}
	rt.mu.Unlock()

	for _, sub := range matching {
		sub.deliver(ev, rt.logger)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.setState(StateReconnecting)
	rt.logger.Info("realtime: reconnecting",
		zap.Int("attempt", rt.recon.attempt),
		zap.Duration("delay", delay))

	time.Sleep(delay)

	// A Disconnect issued during the delay wins over the redial.
	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.mu.Unlock()
	if intentional {
		return
	}

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		} else {
			rt.setState(StateDisconnected)
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
