package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL                = "wss://mockapi.kiwoom.com:10000/api/dostk/websocket"
	DefaultRestURL              = "https://mockapi.kiwoom.com"
	DefaultRealType             = "0B"
	DefaultGroupCeiling         = 10000
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultUpstreamWriteTimeout = 5 * time.Second
	DefaultLoginTimeout         = 10 * time.Second
	DefaultStaleTimeout         = 2 * time.Minute
	DefaultConnectTimeout       = 30 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultExpiryMargin         = 5 * time.Minute
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultRedisKey             = "tickmux:access_token"
	DefaultDownstreamAddr       = ":8080"
	DefaultDownstreamPath       = "/ws"
	DefaultQueueSize            = 1024
	DefaultWriteTimeout         = 10 * time.Second
	DefaultPongTimeout          = 60 * time.Second
	DefaultCommandTimeout       = 30 * time.Second
	DefaultMaxMessageSize       = 4096
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 5 * time.Second
	DefaultBufferSize           = 10000
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
)

func (c *Config) applyDefaults() {
	// Upstream defaults
	u := &c.Upstream
	if u.WSURL == "" {
		u.WSURL = DefaultWSURL
	}
	if len(u.RealTypes) == 0 {
		u.RealTypes = []string{DefaultRealType}
	}
	if u.GroupCeiling == 0 {
		u.GroupCeiling = DefaultGroupCeiling
	}
	if u.HandshakeTimeout == 0 {
		u.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if u.WriteTimeout == 0 {
		u.WriteTimeout = DefaultUpstreamWriteTimeout
	}
	if u.LoginTimeout == 0 {
		u.LoginTimeout = DefaultLoginTimeout
	}
	if u.StaleTimeout == 0 {
		u.StaleTimeout = DefaultStaleTimeout
	}
	if u.ConnectTimeout == 0 {
		u.ConnectTimeout = DefaultConnectTimeout
	}
	if u.ReconnectBaseDelay == 0 {
		u.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if u.ReconnectMaxDelay == 0 {
		u.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if u.MaxReconnectAttempts == 0 {
		u.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	// Token defaults
	if c.Token.RestURL == "" {
		c.Token.RestURL = DefaultRestURL
	}
	if c.Token.ExpiryMargin == 0 {
		c.Token.ExpiryMargin = DefaultExpiryMargin
	}
	if c.Token.Timeout == 0 {
		c.Token.Timeout = DefaultAPITimeout
	}
	if c.Token.MaxRetries == 0 {
		c.Token.MaxRetries = DefaultMaxRetries
	}
	if c.Redis.Key == "" {
		c.Redis.Key = DefaultRedisKey
	}

	// Downstream defaults
	d := &c.Downstream
	if d.Addr == "" {
		d.Addr = DefaultDownstreamAddr
	}
	if d.Path == "" {
		d.Path = DefaultDownstreamPath
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.WriteTimeout == 0 {
		d.WriteTimeout = DefaultWriteTimeout
	}
	if d.PongTimeout == 0 {
		d.PongTimeout = DefaultPongTimeout
	}
	if d.PingInterval == 0 {
		d.PingInterval = d.PongTimeout * 9 / 10
	}
	if d.CommandTimeout == 0 {
		d.CommandTimeout = DefaultCommandTimeout
	}
	if d.MaxMessageSize == 0 {
		d.MaxMessageSize = DefaultMaxMessageSize
	}

	// Database defaults
	applyDBDefaults(&c.Database)

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

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
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
