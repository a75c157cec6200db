package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/xapi-client/internal/config"
)

// BuildConnString builds the journal's PostgreSQL URL. Credentials are
// escaped, IPv6 hosts are bracketed, and the session is tagged with
// application_name so journal connections are identifiable in
// pg_stat_activity.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
