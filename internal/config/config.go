package config

import "time"

// Config is the root configuration for a multiplexer instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Token      TokenConfig      `yaml:"token"`
	Redis      RedisConfig      `yaml:"redis"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Database   DBConfig         `yaml:"database"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InstanceConfig identifies this multiplexer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// UpstreamConfig holds feed connection and lifecycle settings.
type UpstreamConfig struct {
	WSURL                string        `yaml:"ws_url"`
	RealTypes            []string      `yaml:"real_types"`
	GroupCeiling         int           `yaml:"group_ceiling"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	LoginTimeout         time.Duration `yaml:"login_timeout"`
	StaleTimeout         time.Duration `yaml:"stale_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // <= 0 retries forever
}

// TokenConfig holds access token settings. A static token skips the REST
// issue flow entirely.
type TokenConfig struct {
	RestURL      string        `yaml:"rest_url"`
	AppKey       string        `yaml:"app_key"`
	SecretKey    string        `yaml:"secret_key"`
	Static       string        `yaml:"static"`
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// RedisConfig holds the token cache connection. An empty URL caches in memory.
type RedisConfig struct {
	URL string `yaml:"url"` // redis://[:password@]host:port/db
	Key string `yaml:"key"`
}

// DownstreamConfig holds the consumer WebSocket server settings.
type DownstreamConfig struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	QueueSize      int           `yaml:"queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DBConfig holds the journal database connection. An empty host disables
// the journal.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// JournalConfig holds batch writer settings.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds the operational HTTP server settings (/health,
// /debug/subscriptions and Prometheus metrics).
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
