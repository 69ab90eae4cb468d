package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrNoToken            = errors.New("no auth token available")
	ErrManagerClosed      = errors.New("manager closed")
	ErrSuperseded         = errors.New("connection attempt superseded")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrAuthTimeout        = errors.New("authentication acknowledgment timeout")
)

// Status is the connection manager state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticating
	StatusAuthenticated
	StatusReconnecting
	StatusError
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusDisconnected,
	StatusConnecting,
	StatusConnected,
	StatusAuthenticating,
	StatusAuthenticated,
	StatusReconnecting,
	StatusError,
}

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// open reports whether a transport is live or being established.
func (s Status) open() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusAuthenticating, StatusAuthenticated:
		return true
	}
	return false
}

// StatusEvent represents a status transition.
type StatusEvent struct {
	From     Status
	To       Status
	Err      error // Optional error that caused the transition
	Attempts int   // Reconnect attempts consumed at the time of the transition
	At       time.Time
}

// Frame is one decoded inbound message handed to subscribers.
type Frame struct {
	Type       string          // "type" field, empty if absent
	Channel    string          // "channel" field, empty if absent
	Data       json.RawMessage // Whole frame as received
	ConnID     uuid.UUID       // Connection the frame arrived on
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// Decode unmarshals the whole frame into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Handler receives inbound frames on the manager's read goroutine. A handler
// must not call Close, which waits for that goroutine; call Disconnect or hand
// Close to another goroutine instead.
type Handler func(Frame)

// envelope holds the routing keys of an inbound frame.
type envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// AuthFrame is sent right after the transport opens.
type AuthFrame struct {
	Type  string `json:"type"` // Always "AUTH"
	Token string `json:"token"`
}

// ControlFrame announces channel interest to the server.
type ControlFrame struct {
	Type      string `json:"type"` // "subscribe" or "unsubscribe"
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
}

// Message is an application frame built by SendMessage.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Frame types the manager writes itself.
const (
	FrameAuth        = "AUTH"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// timestampLayout matches ISO-8601 with millisecond precision in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// TokenSource provides the bearer token. "" means no token is available.
type TokenSource interface {
	Token() string
}

// TokenNotifier is a TokenSource that reports changes.
type TokenNotifier interface {
	TokenSource
	OnChange(fn func(prev, next string)) (cancel func())
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() string { return string(t) }

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL             string         // WebSocket URL (see WebSocketURL)
	Backoff         Backoff        // Reconnect policy
	QueueSize       int            // Max queued outbound frames
	Overflow        OverflowPolicy // What to do when the queue is full
	RequireAuthAck  bool           // Wait for AuthAckType before flushing the queue
	AuthAckType     string         // Inbound type acknowledging AUTH
	AuthRejectType  string         // Inbound type rejecting AUTH
	AuthAckTimeout  time.Duration  // 0 = wait forever
	EventBufferSize int            // Buffer size for the Events channel
	Dialer          Dialer         // nil = gorilla/websocket dialer with defaults
	Clock           Clock          // nil = wall clock
	Recorder        Recorder       // nil = no metrics
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:         DefaultBackoff(),
		QueueSize:       1000,
		Overflow:        DropOldest,
		RequireAuthAck:  true,
		AuthAckType:     "AUTH_SUCCESS",
		AuthRejectType:  "AUTH_ERROR",
		AuthAckTimeout:  10 * time.Second,
		EventBufferSize: 64,
	}
}

// Stats is a snapshot of manager state.
type Stats struct {
	Status           Status        `json:"status"`
	Attempts         int           `json:"attempts"`
	MaxAttempts      int           `json:"max_attempts"`
	ReconnectPending bool          `json:"reconnect_pending"`
	NextDelay        time.Duration `json:"next_delay_ns"`
	QueueLen         int           `json:"queue_len"`
	QueueDropped     int64         `json:"queue_dropped"` // Overflow evictions only
	QueueCleared     int64         `json:"queue_cleared"` // Discarded by Disconnect or Close
	ConnID           string        `json:"conn_id,omitempty"`
	ConnectedAt      time.Time     `json:"connected_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	Channels         []string      `json:"channels"`
}

// Recorder receives manager metrics. Implementations must be cheap; they are
// called with the manager lock held.
type Recorder interface {
	StatusChanged(from, to Status)
	FrameSent()
	FrameReceived()
	FramesDropped(reason string, n int)
	ReconnectScheduled(attempt int, delay time.Duration)
	QueueDepth(n int)
}

type noopRecorder struct{}

func (noopRecorder) StatusChanged(from, to Status)                       {}
func (noopRecorder) FrameSent()                                          {}
func (noopRecorder) FrameReceived()                                      {}
func (noopRecorder) FramesDropped(reason string, n int)                  {}
func (noopRecorder) ReconnectScheduled(attempt int, delay time.Duration) {}
func (noopRecorder) QueueDepth(n int)                                    {}

// Reasons passed to Recorder.FramesDropped.
const (
	DropMalformed = "malformed"
	DropOverflow  = "queue_overflow"
	DropRejected  = "queue_full"
	DropCleared   = "disconnect"
)
