package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Manager owns one notification-channel connection: its transport, outbound
// queue, reconnect timer and subscriber tables.
type Manager struct {
	cfg    ManagerConfig
	tokens TokenSource
	dialer Dialer
	clock  Clock
	rec    Recorder
	logger *slog.Logger

	// Manager lifetime; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan StatusEvent

	mu          sync.Mutex
	alive       bool   // Liveness flag; false after Close
	gen         uint64 // Bumped on every connect/disconnect; stale callbacks compare against it
	status      Status
	conn        Conn
	connID      uuid.UUID
	connectedAt time.Time
	attempts    int
	nextDelay   time.Duration
	retryTimer  Timer
	authTimer   Timer
	lastErr     error
	unwatch     func()

	queue    *Queue[[]byte]
	channels handlerTable
	types    handlerTable
	taps     handlerTable
}

// NewManager creates a Connection Manager. It does not connect; call Connect,
// or let a TokenNotifier trigger it when a token appears.
func NewManager(cfg ManagerConfig, tokens TokenSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer(DefaultDialerConfig(), logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.EventBufferSize < 1 {
		cfg.EventBufferSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		tokens:   tokens,
		dialer:   cfg.Dialer,
		clock:    cfg.Clock,
		rec:      cfg.Recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan StatusEvent, cfg.EventBufferSize),
		alive:    true,
		status:   StatusDisconnected,
		queue:    NewQueue[[]byte](cfg.QueueSize, cfg.Overflow),
		channels: newHandlerTable(),
		types:    newHandlerTable(),
		taps:     newHandlerTable(),
	}

	if n, ok := tokens.(TokenNotifier); ok {
		m.unwatch = n.OnChange(m.tokenChanged)
	}

	return m
}

// Connect opens the transport and starts the AUTH handshake. It is a no-op
// while a transport is already open or being opened, and returns ErrNoToken
// without changing state when no token is available. It returns once the
// WebSocket upgrade completes; authentication finishes asynchronously.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.status.open() {
		m.mu.Unlock()
		return nil
	}
	token := m.tokens.Token()
	if token == "" {
		m.mu.Unlock()
		m.logger.Debug("connect skipped, no auth token")
		return ErrNoToken
	}

	// An explicit retry after the budget ran out starts a fresh cycle.
	if m.status == StatusError {
		m.attempts = 0
	}
	m.stopTimersLocked()
	old := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.CloseNormalClosure, "reconnecting")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	m.logger.Debug("dialing", "url", m.cfg.URL, "attempt", m.Stats().Attempts)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)

	m.mu.Lock()
	if !m.alive || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.CloseNormalClosure, "")
		}
		return ErrSuperseded
	}

	if err != nil {
		m.logger.Warn("dial failed", "url", m.cfg.URL, "error", err)
		m.lastErr = err
		m.setStatusLocked(StatusDisconnected, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.conn = conn
	m.connID = uuid.New()
	m.connectedAt = m.clock.Now()
	// With an ack required, the attempt budget only refills once the
	// server accepts the token.
	if !m.cfg.RequireAuthAck {
		m.attempts = 0
		m.nextDelay = 0
	}
	m.lastErr = nil
	m.setStatusLocked(StatusConnected, nil)

	m.wg.Add(1)
	go m.readLoop(gen, conn, m.connID)

	m.authenticateLocked(gen, token)
	m.mu.Unlock()

	return nil
}

// Disconnect closes the transport with a normal closure, cancels any pending
// reconnect and drops queued frames. The manager stays usable; the next
// Connect starts a fresh attempt cycle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	conn := m.disconnectLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "")
	}
}

// Close tears the manager down permanently. Pending timers and in-flight
// callbacks become no-ops; the Events channel is closed. Close waits for the
// read goroutine, so calling it from a Handler blocks until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return nil
	}
	conn := m.disconnectLocked()
	m.alive = false
	close(m.events)
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	m.cancel()
	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "")
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager closed")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection manager close timed out")
		return ctx.Err()
	}
}

// Send encodes v as JSON and writes it if the connection is authenticated,
// otherwise queues it and starts a connection attempt if none is in flight.
// Being disconnected is not an error.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return m.send(data)
}

// SendMessage sends an application frame {type, payload, timestamp}.
func (m *Manager) SendMessage(msgType string, payload any) error {
	return m.Send(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: formatTimestamp(m.clock.Now()),
	})
}

func (m *Manager) send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.alive {
		return ErrManagerClosed
	}

	if m.status == StatusAuthenticated && m.conn != nil {
		err := m.writeLocked(data)
		if err == nil {
			return nil
		}
		// Keep the frame for the next connection.
		m.logger.Warn("write failed, queueing frame", "conn_id", m.connID, "error", err)
		m.enqueueLocked(data)
		m.failLocked(err)
		return nil
	}

	if err := m.enqueueLocked(data); err != nil {
		return err
	}

	if m.status == StatusDisconnected && m.tokens.Token() != "" {
		m.connectAsyncLocked()
	}
	return nil
}

func (m *Manager) enqueueLocked(data []byte) error {
	evicted, err := m.queue.Push(data)
	if err != nil {
		m.rec.FramesDropped(DropRejected, 1)
		m.logger.Warn("outbound queue full, rejecting frame", "queue_size", m.cfg.QueueSize)
		return err
	}
	if evicted {
		m.rec.FramesDropped(DropOverflow, 1)
		m.logger.Warn("outbound queue full, dropped oldest frame", "queue_size", m.cfg.QueueSize)
	}
	m.rec.QueueDepth(m.queue.Len())
	return nil
}

// Subscribe registers handler for frames whose "channel" field equals
// channel. Handlers for the same channel all run, in registration order.
// The first handler for a channel announces it to the server.
func (m *Manager) Subscribe(channel string, handler Handler) (cancel func()) {
	m.mu.Lock()
	first := !m.channels.has(channel)
	id := m.channels.add(channel, handler)
	if first && m.status == StatusAuthenticated {
		m.writeControlLocked(FrameSubscribe, channel)
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		removed, empty := m.channels.remove(channel, id)
		if removed && empty && m.status == StatusAuthenticated {
			m.writeControlLocked(FrameUnsubscribe, channel)
		}
	}
}

// Unsubscribe removes every handler for channel.
func (m *Manager) Unsubscribe(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channels.removeAll(channel) && m.status == StatusAuthenticated {
		m.writeControlLocked(FrameUnsubscribe, channel)
	}
}

// Handle registers handler for frames whose "type" field equals msgType.
func (m *Manager) Handle(msgType string, handler Handler) (cancel func()) {
	m.mu.Lock()
	id := m.types.add(msgType, handler)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.types.remove(msgType, id)
		m.mu.Unlock()
	}
}

// OnFrame registers handler for every well-formed inbound frame.
func (m *Manager) OnFrame(handler Handler) (cancel func()) {
	m.mu.Lock()
	id := m.taps.add("", handler)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.taps.remove("", id)
		m.mu.Unlock()
	}
}

// Events returns status transitions. The channel is buffered; events are
// dropped when the consumer falls behind. It is closed by Close.
func (m *Manager) Events() <-chan StatusEvent {
	return m.events
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queue.Stats()
	s := Stats{
		Status:           m.status,
		Attempts:         m.attempts,
		MaxAttempts:      m.cfg.Backoff.MaxAttempts,
		ReconnectPending: m.retryTimer != nil,
		NextDelay:        m.nextDelay,
		QueueLen:         m.queue.Len(),
		QueueDropped:     qs.Dropped,
		QueueCleared:     qs.Cleared,
		Channels:         m.channels.keys(),
	}
	if m.conn != nil {
		s.ConnID = m.connID.String()
		s.ConnectedAt = m.connectedAt
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// authenticateLocked writes the AUTH frame and either waits for the ack or,
// when no ack is required, marks the connection authenticated right away.
func (m *Manager) authenticateLocked(gen uint64, token string) {
	data, _ := json.Marshal(AuthFrame{Type: FrameAuth, Token: token})
	if err := m.writeLocked(data); err != nil {
		m.logger.Warn("failed to send auth frame", "conn_id", m.connID, "error", err)
		m.failLocked(err)
		return
	}
	m.setStatusLocked(StatusAuthenticating, nil)

	if !m.cfg.RequireAuthAck {
		m.authenticatedLocked()
		return
	}
	if m.cfg.AuthAckTimeout > 0 {
		m.authTimer = m.clock.AfterFunc(m.cfg.AuthAckTimeout, func() {
			m.authTimedOut(gen)
		})
	}
}

// authenticatedLocked re-announces channels, then flushes the queue in order.
func (m *Manager) authenticatedLocked() {
	m.stopAuthTimerLocked()
	m.attempts = 0
	m.nextDelay = 0
	m.setStatusLocked(StatusAuthenticated, nil)
	m.logger.Info("connection authenticated", "conn_id", m.connID)

	for _, ch := range m.channels.keys() {
		if !m.writeControlLocked(FrameSubscribe, ch) {
			return
		}
	}

	items := m.queue.Drain()
	for i, data := range items {
		if err := m.writeLocked(data); err != nil {
			m.queue.Requeue(items[i:])
			m.logger.Warn("queue flush interrupted", "conn_id", m.connID, "remaining", len(items)-i, "error", err)
			m.failLocked(err)
			return
		}
	}
	m.rec.QueueDepth(m.queue.Len())

	if len(items) > 0 {
		m.logger.Debug("flushed queued frames", "conn_id", m.connID, "count", len(items))
	}
}

func (m *Manager) authTimedOut(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.alive || gen != m.gen || m.status != StatusAuthenticating {
		return
	}
	m.authTimer = nil
	m.logger.Warn("no auth acknowledgment", "conn_id", m.connID, "timeout", m.cfg.AuthAckTimeout)
	m.failLocked(ErrAuthTimeout)
}

// readLoop reads frames from conn until it fails. Every callback is tagged
// with gen so frames from a replaced transport are ignored.
func (m *Manager) readLoop(gen uint64, conn Conn, connID uuid.UUID) {
	defer m.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, conn, err)
			return
		}
		m.handleFrame(gen, conn, connID, data, m.clock.Now())
	}
}

func (m *Manager) handleFrame(gen uint64, conn Conn, connID uuid.UUID, data []byte, receivedAt time.Time) {
	env, parseErr := parseEnvelope(data)

	m.mu.Lock()
	if !m.alive || gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}

	if parseErr != nil {
		m.rec.FramesDropped(DropMalformed, 1)
		m.mu.Unlock()
		m.logger.Warn("dropping malformed frame", "conn_id", connID, "size", len(data), "error", parseErr)
		return
	}
	m.rec.FrameReceived()

	if m.status == StatusAuthenticating {
		switch env.Type {
		case m.cfg.AuthAckType:
			m.authenticatedLocked()
		case m.cfg.AuthRejectType:
			m.authRejectedLocked()
		}
	}

	var handlers []Handler
	handlers = m.taps.lookup(handlers, "")
	if env.Channel != "" {
		handlers = m.channels.lookup(handlers, env.Channel)
	}
	if env.Type != "" {
		handlers = m.types.lookup(handlers, env.Type)
	}
	m.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	frame := Frame{
		Type:       env.Type,
		Channel:    env.Channel,
		Data:       data,
		ConnID:     connID,
		ReceivedAt: receivedAt,
	}
	for _, h := range handlers {
		m.invoke(h, frame)
	}
}

// invoke runs one handler; a panic is logged and does not reach the read loop.
func (m *Manager) invoke(h Handler, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked",
				"type", f.Type,
				"channel", f.Channel,
				"panic", r,
			)
		}
	}()
	h(f)
}

// handleClosed reacts to a transport failure reported by the read loop.
func (m *Manager) handleClosed(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.alive || gen != m.gen || m.conn != conn {
		return
	}
	m.conn = nil
	m.stopAuthTimerLocked()

	code := CloseCode(err)
	if code == websocket.CloseNormalClosure {
		m.logger.Info("connection closed normally", "conn_id", m.connID)
		m.setStatusLocked(StatusDisconnected, nil)
		return
	}

	m.logger.Warn("connection lost", "conn_id", m.connID, "code", code, "error", err)
	m.lastErr = err
	m.setStatusLocked(StatusDisconnected, err)
	m.scheduleReconnectLocked()
}

// authRejectedLocked closes the transport and parks the manager in the
// error state; a bad token is not retried automatically.
func (m *Manager) authRejectedLocked() {
	m.stopAuthTimerLocked()
	conn := m.conn
	m.conn = nil
	m.lastErr = ErrAuthRejected
	m.setStatusLocked(StatusError, ErrAuthRejected)
	m.logger.Error("authentication rejected", "conn_id", m.connID)

	if conn != nil {
		go conn.Close(websocket.ClosePolicyViolation, "auth rejected")
	}
}

// failLocked drops the current transport after a local failure and enters
// the reconnect path.
func (m *Manager) failLocked(err error) {
	m.stopAuthTimerLocked()
	conn := m.conn
	m.conn = nil
	m.lastErr = err
	m.setStatusLocked(StatusDisconnected, err)
	m.scheduleReconnectLocked()

	if conn != nil {
		go conn.Close(websocket.CloseAbnormalClosure, "")
	}
}

// scheduleReconnectLocked arms the retry timer, or enters StatusError once
// the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked() {
	if m.cfg.Backoff.Exhausted(m.attempts) {
		m.nextDelay = 0
		m.lastErr = ErrReconnectExhausted
		m.setStatusLocked(StatusError, ErrReconnectExhausted)
		m.logger.Error("giving up reconnecting", "attempts", m.attempts)
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.nextDelay = delay
	gen := m.gen

	m.rec.ReconnectScheduled(m.attempts, delay)
	m.setStatusLocked(StatusReconnecting, m.lastErr)
	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.cfg.Backoff.MaxAttempts,
		"delay", delay,
	)

	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.reconnectFired(gen)
	})
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()
	if !m.alive || gen != m.gen || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "attempt", m.Stats().Attempts)
	err := m.Connect(m.ctx)
	switch {
	case errors.Is(err, ErrNoToken):
		// Nothing left to retry with; park until a token or Connect arrives.
		m.mu.Lock()
		if m.alive && gen == m.gen && m.status == StatusReconnecting {
			m.nextDelay = 0
			m.lastErr = ErrNoToken
			m.setStatusLocked(StatusDisconnected, ErrNoToken)
		}
		m.mu.Unlock()
	case err != nil && !errors.Is(err, ErrSuperseded):
		m.logger.Debug("reconnection failed", "error", err)
	}
}

// connectAsyncLocked starts Connect in the background.
func (m *Manager) connectAsyncLocked() {
	if !m.alive {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Connect(m.ctx); err != nil && !errors.Is(err, ErrNoToken) && !errors.Is(err, ErrSuperseded) {
			m.logger.Debug("background connect failed", "error", err)
		}
	}()
}

// tokenChanged follows the token source: a token appearing connects, a
// token disappearing disconnects.
func (m *Manager) tokenChanged(prev, next string) {
	switch {
	case prev == "" && next != "":
		m.mu.Lock()
		m.connectAsyncLocked()
		m.mu.Unlock()
	case prev != "" && next == "":
		m.logger.Info("auth token removed, disconnecting")
		m.Disconnect()
	}
}

// disconnectLocked invalidates the current generation and resets the
// connection cycle. The returned transport must be closed by the caller.
func (m *Manager) disconnectLocked() Conn {
	m.gen++
	m.stopTimersLocked()
	conn := m.conn
	m.conn = nil

	if n := m.queue.Clear(); n > 0 {
		m.rec.FramesDropped(DropCleared, n)
		m.logger.Debug("discarded queued frames", "count", n)
	}
	m.rec.QueueDepth(0)

	m.attempts = 0
	m.nextDelay = 0
	m.lastErr = nil
	m.setStatusLocked(StatusDisconnected, nil)
	return conn
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopAuthTimerLocked()
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

// writeLocked writes one frame on the current transport.
func (m *Manager) writeLocked(data []byte) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.WriteMessage(data); err != nil {
		return err
	}
	m.rec.FrameSent()
	return nil
}

// writeControlLocked sends a subscribe/unsubscribe frame. On a write error
// the transport is dropped and false is returned.
func (m *Manager) writeControlLocked(frameType, channel string) bool {
	data, _ := json.Marshal(ControlFrame{
		Type:      frameType,
		Channel:   channel,
		Timestamp: formatTimestamp(m.clock.Now()),
	})
	if err := m.writeLocked(data); err != nil {
		m.logger.Warn("failed to send control frame", "type", frameType, "channel", channel, "error", err)
		m.failLocked(err)
		return false
	}
	return true
}

// setStatusLocked records a transition and publishes it on Events.
func (m *Manager) setStatusLocked(s Status, err error) {
	if m.status == s {
		return
	}
	prev := m.status
	m.status = s
	m.rec.StatusChanged(prev, s)

	m.logger.Debug("status changed", "from", prev, "to", s)

	if !m.alive {
		return
	}
	ev := StatusEvent{
		From:     prev,
		To:       s,
		Err:      err,
		Attempts: m.attempts,
		At:       m.clock.Now(),
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("status event dropped, consumer behind", "to", s)
	}
}
