package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/tickmux/internal/config"
	"github.com/rickgao/tickmux/internal/version"
)

const defaultSSLMode = "prefer"

// BuildConnString renders cfg as a postgres:// URL. Sessions are tagged with
// the service name so journal writers are visible in pg_stat_activity.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", "tickmux-"+version.Version)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
