package coordinator

import (
	"strings"
	"time"

	"github.com/rickgao/xapi-client/internal/positions"
	"github.com/rickgao/xapi-client/internal/queue"
)

// DefaultHost is the broker's websocket host.
const DefaultHost = "ws.xtb.com"

// Subscription is a stream topic kept subscribed while ready.
type Subscription struct {
	Topic string
	Args  map[string]any
}

// Config configures a Coordinator.
type Config struct {
	AccountID   string
	Password    string
	AccountType string // "real" or "demo"
	AppName     string
	Host        string
	SafeMode    bool

	RateLimit      time.Duration
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
	LoginRetries   int
	LoginBackoff   time.Duration
	LogoutTimeout  time.Duration // Longest Disconnect waits for the logout reply

	MaintenanceInterval time.Duration // Ping, server time, snapshot, stale sweep
	FollowUpDelay       time.Duration // Spacing of the commands after each maintenance ping
	ResubscribeInterval time.Duration
	StaleAfter          time.Duration // Open transactions older than this are rejected
	PurgeAfter          time.Duration // Age at which completed transactions are evicted
	HighWaterMark       int           // Registry size that triggers eviction
	ReconcileWindow     time.Duration

	Subscriptions []Subscription
}

// DefaultConfig returns the protocol defaults for a demo account.
func DefaultConfig() Config {
	return Config{
		AccountType:         "demo",
		Host:                DefaultHost,
		RateLimit:           queue.DefaultRateLimit,
		SettleDelay:         1000 * time.Millisecond,
		ReconnectDelay:      2000 * time.Millisecond,
		LoginRetries:        2,
		LoginBackoff:        500 * time.Millisecond,
		LogoutTimeout:       1000 * time.Millisecond,
		MaintenanceInterval: 19 * time.Second,
		FollowUpDelay:       1 * time.Second,
		ResubscribeInterval: 60 * time.Second,
		StaleAfter:          60 * time.Second,
		PurgeAfter:          10 * time.Minute,
		HighWaterMark:       20000,
		ReconcileWindow:     positions.DefaultWindow,
	}
}

// NormalizeAccountType maps anything but "real" to "demo".
func NormalizeAccountType(t string) string {
	if strings.EqualFold(strings.TrimSpace(t), "real") {
		return "real"
	}
	return "demo"
}

// URLs returns the command and stream endpoints for an account type.
func URLs(host, accountType string) (command, stream string) {
	if host == "" {
		host = DefaultHost
	}
	t := NormalizeAccountType(accountType)
	return "wss://" + host + "/" + t, "wss://" + host + "/" + t + "Stream"
}
