package config

import "time"

// NotifyConfig is the root configuration for a notifytail instance.
type NotifyConfig struct {
	API           APIConfig           `yaml:"api"`
	Auth          AuthConfig          `yaml:"auth"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Journal       JournalConfig       `yaml:"journal"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           LogConfig           `yaml:"log"`
}

// APIConfig holds tech suite API settings.
type APIConfig struct {
	BaseURL string `yaml:"base_url"` // REST base URL; the WebSocket URL is derived from it
	WSURL   string `yaml:"ws_url"`   // Optional explicit override
}

// AuthConfig holds bearer token and handshake settings.
type AuthConfig struct {
	Token        string        `yaml:"token"`      // Static token (usually ${ENV})
	TokenFile    string        `yaml:"token_file"` // Polled file holding the token
	PollInterval time.Duration `yaml:"poll_interval"`
	RequireAck   *bool         `yaml:"require_ack"` // nil = default (true)
	AckType      string        `yaml:"ack_type"`
	RejectType   string        `yaml:"reject_type"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// ConnectionConfig holds WebSocket connection manager settings.
type ConnectionConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	QueueSize          int           `yaml:"queue_size"`
	OverflowPolicy     string        `yaml:"overflow_policy"` // "drop_oldest" or "reject_new"
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	EventBuffer        int           `yaml:"event_buffer"`
}

// SubscriptionsConfig lists channels subscribed at startup.
type SubscriptionsConfig struct {
	Channels []string `yaml:"channels"`
}

// JournalConfig holds the notification journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the status/metrics HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AuthAckRequired reports whether the manager waits for an auth acknowledgment.
func (a AuthConfig) AuthAckRequired() bool {
	if a.RequireAck == nil {
		return true
	}
	return *a.RequireAck
}
