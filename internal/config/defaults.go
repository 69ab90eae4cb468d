package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL            = "http://localhost:8080/api"
	DefaultPollInterval       = 5 * time.Second
	DefaultAckType            = "AUTH_SUCCESS"
	DefaultRejectType         = "AUTH_ERROR"
	DefaultAckTimeout         = 10 * time.Second
	DefaultMaxAttempts        = 5
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultQueueSize          = 1000
	DefaultOverflowPolicy     = "drop_oldest"
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultEventBuffer        = 64
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
)

func (c *NotifyConfig) applyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}

	// Auth defaults
	if c.Auth.PollInterval == 0 {
		c.Auth.PollInterval = DefaultPollInterval
	}
	if c.Auth.AckType == "" {
		c.Auth.AckType = DefaultAckType
	}
	if c.Auth.RejectType == "" {
		c.Auth.RejectType = DefaultRejectType
	}
	if c.Auth.AckTimeout == 0 {
		c.Auth.AckTimeout = DefaultAckTimeout
	}

	// Connection defaults
	if c.Connection.MaxAttempts == 0 {
		c.Connection.MaxAttempts = DefaultMaxAttempts
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.QueueSize == 0 {
		c.Connection.QueueSize = DefaultQueueSize
	}
	if c.Connection.OverflowPolicy == "" {
		c.Connection.OverflowPolicy = DefaultOverflowPolicy
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.EventBuffer == 0 {
		c.Connection.EventBuffer = DefaultEventBuffer
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
