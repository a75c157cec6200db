// Package config loads the client's YAML configuration.
package config

import "time"

// Config is the root configuration for one client instance.
type Config struct {
	Account       AccountConfig        `yaml:"account"`
	API           APIConfig            `yaml:"api"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Maintenance   MaintenanceConfig    `yaml:"maintenance"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Database      DBConfig             `yaml:"database"`
	Writer        WriterConfig         `yaml:"writer"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

// AccountConfig holds the broker credentials.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"` // real or demo
	AppName  string `yaml:"app_name"`
}

// APIConfig holds endpoint and throttling settings.
type APIConfig struct {
	Host      string        `yaml:"host"`
	RateLimit time.Duration `yaml:"rate_limit"`
	SafeMode  bool          `yaml:"safe_mode"` // Reject tradeTransaction locally
}

// ConnectionConfig holds connect, login and reconnect timing.
type ConnectionConfig struct {
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	LoginRetries   int           `yaml:"login_retries"`
	LoginBackoff   time.Duration `yaml:"login_backoff"`
	LogoutTimeout  time.Duration `yaml:"logout_timeout"`
}

// MaintenanceConfig holds the timers that run while the session is ready.
type MaintenanceConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ResubscribeInterval time.Duration `yaml:"resubscribe_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	PurgeAfter          time.Duration `yaml:"purge_after"`
	HighWaterMark       int           `yaml:"high_water_mark"`
	ReconcileWindow     time.Duration `yaml:"reconcile_window"`
}

// SubscriptionConfig is one stream topic kept subscribed while ready.
type SubscriptionConfig struct {
	Topic  string         `yaml:"topic"`
	Symbol string         `yaml:"symbol"`
	Args   map[string]any `yaml:"args"`
}

// DBConfig holds the optional position journal database.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	ApplicationName string `yaml:"application_name"` // Reported to the server as application_name
}

// WriterConfig holds journal batching settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds the metrics and health HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
