package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/tickmux/internal/logging"
)

// maxGroupCeiling is the largest ceiling whose ids still fit the 4-digit
// wire form.
const maxGroupCeiling = 10000

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Upstream.validate("upstream"); err != nil {
		return err
	}

	if c.Token.Static == "" {
		if c.Token.AppKey == "" {
			return errors.New("token.app_key is required unless token.static is set")
		}
		if c.Token.SecretKey == "" {
			return errors.New("token.secret_key is required unless token.static is set")
		}
		if err := validateURL("token.rest_url", c.Token.RestURL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Token.ExpiryMargin < 0 {
		return errors.New("token.expiry_margin must be >= 0")
	}
	if c.Token.MaxRetries < 0 {
		return errors.New("token.max_retries must be >= 0")
	}

	if c.Redis.URL != "" {
		if err := validateURL("redis.url", c.Redis.URL, "redis", "rediss"); err != nil {
			return err
		}
	}

	if c.Downstream.Addr == "" {
		return errors.New("downstream.addr is required")
	}
	if !strings.HasPrefix(c.Downstream.Path, "/") {
		return fmt.Errorf("downstream.path must start with /, got %q", c.Downstream.Path)
	}
	if c.Downstream.QueueSize < 1 {
		return errors.New("downstream.queue_size must be >= 1")
	}
	if c.Downstream.PingInterval >= c.Downstream.PongTimeout {
		return fmt.Errorf("downstream.ping_interval (%s) must be less than pong_timeout (%s)",
			c.Downstream.PingInterval, c.Downstream.PongTimeout)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
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

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

func (u *UpstreamConfig) validate(prefix string) error {
	if err := validateURL(prefix+".ws_url", u.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if u.GroupCeiling < 1 || u.GroupCeiling > maxGroupCeiling {
		return fmt.Errorf("%s.group_ceiling must be between 1 and %d, got %d", prefix, maxGroupCeiling, u.GroupCeiling)
	}
	for _, t := range u.RealTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%s.real_types must not contain empty entries", prefix)
		}
	}
	if u.LoginTimeout <= 0 {
		return fmt.Errorf("%s.login_timeout must be > 0", prefix)
	}
	if u.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("%s.reconnect_base_delay must be > 0", prefix)
	}
	if u.ReconnectMaxDelay < u.ReconnectBaseDelay {
		return fmt.Errorf("%s.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			prefix, u.ReconnectMaxDelay, u.ReconnectBaseDelay)
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

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s must include a host", field)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s, got %q", field, strings.Join(schemes, " or "), raw)
}
