package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return errors.New("account.id is required")
	}
	if c.Account.Password == "" {
		return errors.New("account.password is required")
	}
	switch strings.ToLower(c.Account.Type) {
	case "real", "demo":
	default:
		return fmt.Errorf("account.type must be real or demo, got %q", c.Account.Type)
	}

	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}

	if c.Connection.LoginRetries < 0 {
		return errors.New("connection.login_retries must be >= 0")
	}
	if c.Connection.ReconnectDelay <= 0 {
		return errors.New("connection.reconnect_delay must be > 0")
	}

	if c.Maintenance.Interval <= 0 {
		return errors.New("maintenance.interval must be > 0")
	}
	if c.Maintenance.ReconcileWindow <= 0 {
		return errors.New("maintenance.reconcile_window must be > 0")
	}
	if c.Maintenance.HighWaterMark < 1 {
		return errors.New("maintenance.high_water_mark must be >= 1")
	}

	for i, s := range c.Subscriptions {
		if s.Topic == "" {
			return fmt.Errorf("subscriptions[%d].topic is required", i)
		}
	}

	if c.Database.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
		if c.Writer.BufferSize < 1 {
			return errors.New("writer.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
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
