package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *NotifyConfig) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("api.base_url is not a valid URL: %q", c.API.BaseURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("api.base_url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}

	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return errors.New("auth.token or auth.token_file is required")
	}
	if c.Auth.TokenFile != "" && c.Auth.PollInterval <= 0 {
		return errors.New("auth.poll_interval must be > 0")
	}

	if c.Connection.MaxAttempts < 1 {
		return errors.New("connection.max_attempts must be >= 1")
	}
	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return fmt.Errorf("connection.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Connection.ReconnectBaseDelay, c.Connection.ReconnectMaxDelay)
	}
	if c.Connection.QueueSize < 1 {
		return errors.New("connection.queue_size must be >= 1")
	}
	switch c.Connection.OverflowPolicy {
	case "drop_oldest", "reject_new":
	default:
		return fmt.Errorf("connection.overflow_policy must be drop_oldest or reject_new, got %q", c.Connection.OverflowPolicy)
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
