package config

import (
	"time"

	"github.com/rickgao/xapi-client/internal/coordinator"
	"github.com/rickgao/xapi-client/internal/version"
)

// Default values for optional configuration fields.
const (
	DefaultAccountType   = "demo"
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultDBAppName     = "xapi-client"
	DefaultMaxConns      = 4
	DefaultMinConns      = 1
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultBufferSize    = 10000
	DefaultMetricsPort   = 9090
	DefaultMetricsPath   = "/metrics"
)

// ApplyDefaults fills every unset field. Client timing defaults come from
// coordinator.DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := coordinator.DefaultConfig()

	// Account defaults
	if c.Account.Type == "" {
		c.Account.Type = DefaultAccountType
	}
	if c.Account.AppName == "" {
		c.Account.AppName = version.UserAgent()
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = d.Host
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = d.RateLimit
	}

	// Connection defaults
	if c.Connection.SettleDelay == 0 {
		c.Connection.SettleDelay = d.SettleDelay
	}
	if c.Connection.ReconnectDelay == 0 {
		c.Connection.ReconnectDelay = d.ReconnectDelay
	}
	if c.Connection.LoginRetries == 0 {
		c.Connection.LoginRetries = d.LoginRetries
	}
	if c.Connection.LoginBackoff == 0 {
		c.Connection.LoginBackoff = d.LoginBackoff
	}
	if c.Connection.LogoutTimeout == 0 {
		c.Connection.LogoutTimeout = d.LogoutTimeout
	}

	// Maintenance defaults
	m := &c.Maintenance
	if m.Interval == 0 {
		m.Interval = d.MaintenanceInterval
	}
	if m.ResubscribeInterval == 0 {
		m.ResubscribeInterval = d.ResubscribeInterval
	}
	if m.StaleAfter == 0 {
		m.StaleAfter = d.StaleAfter
	}
	if m.PurgeAfter == 0 {
		m.PurgeAfter = d.PurgeAfter
	}
	if m.HighWaterMark == 0 {
		m.HighWaterMark = d.HighWaterMark
	}
	if m.ReconcileWindow == 0 {
		m.ReconcileWindow = d.ReconcileWindow
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.ApplicationName == "" {
		c.Database.ApplicationName = DefaultDBAppName
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Coordinator converts the loaded config into coordinator settings.
func (c *Config) Coordinator() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.AccountID = c.Account.ID
	cfg.Password = c.Account.Password
	cfg.AccountType = coordinator.NormalizeAccountType(c.Account.Type)
	cfg.AppName = c.Account.AppName
	cfg.Host = c.API.Host
	cfg.SafeMode = c.API.SafeMode
	cfg.RateLimit = c.API.RateLimit
	cfg.SettleDelay = c.Connection.SettleDelay
	cfg.ReconnectDelay = c.Connection.ReconnectDelay
	cfg.LoginRetries = c.Connection.LoginRetries
	cfg.LoginBackoff = c.Connection.LoginBackoff
	cfg.LogoutTimeout = c.Connection.LogoutTimeout
	cfg.MaintenanceInterval = c.Maintenance.Interval
	cfg.ResubscribeInterval = c.Maintenance.ResubscribeInterval
	cfg.StaleAfter = c.Maintenance.StaleAfter
	cfg.PurgeAfter = c.Maintenance.PurgeAfter
	cfg.HighWaterMark = c.Maintenance.HighWaterMark
	cfg.ReconcileWindow = c.Maintenance.ReconcileWindow

	for _, s := range c.Subscriptions {
		args := make(map[string]any, len(s.Args)+1)
		for k, v := range s.Args {
			args[k] = v
		}
		if s.Symbol != "" {
			args["symbol"] = s.Symbol
		}
		cfg.Subscriptions = append(cfg.Subscriptions, coordinator.Subscription{Topic: s.Topic, Args: args})
	}
	return cfg
}
