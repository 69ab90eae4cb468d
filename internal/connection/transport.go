package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open WebSocket transport. ReadMessage is only called from the
// manager's read loop; WriteMessage and Close may be called concurrently with it.
type Conn interface {
	// ReadMessage blocks until a data frame arrives or the transport fails.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and reason, then releases the transport.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerConfig configures the gorilla/websocket dialer.
type DialerConfig struct {
	HandshakeTimeout time.Duration // Max time for the HTTP upgrade
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 = disabled)
	UserAgent        string        // Optional User-Agent header
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// NewDialer creates a Dialer backed by gorilla/websocket.
func NewDialer(cfg DialerConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsDialer{cfg: cfg, logger: logger}
}

type wsDialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

// Dial performs the WebSocket upgrade. A nil error means the transport is open.
func (d *wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Accept", "application/json")
	if d.cfg.UserAgent != "" {
		header.Set("User-Agent", d.cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		cfg:    d.cfg,
		logger: d.logger,
		conn:   conn,
		done:   make(chan struct{}),
	}

	// Any ping or pong from the server proves liveness.
	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	c.extendReadDeadline()

	if d.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)

	return c, nil
}

// wsConn implements Conn on top of *websocket.Conn.
type wsConn struct {
	cfg    DialerConfig
	logger *slog.Logger
	conn   *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// extendReadDeadline pushes the read deadline out by two ping periods so a
// silent peer surfaces as a read error.
func (c *wsConn) extendReadDeadline() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
}

// heartbeatLoop sends keepalive pings until the connection is closed.
func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// CloseCode extracts the WebSocket close code from a read error. Errors that
// carry no close frame (network failures, deadlines) map to 1006.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
