package mux

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/tickmux/internal/fanout"
	"github.com/rickgao/tickmux/internal/model"
	"github.com/rickgao/tickmux/internal/registry"
	"github.com/rickgao/tickmux/internal/upstream"
)

// Errors
var (
	ErrInvalidInstrument = errors.New("instrument is required")
	ErrStopped           = errors.New("multiplexer stopped")
	ErrNotStarted        = errors.New("multiplexer not started")
)

// TokenProvider supplies the feed access token. It is called once per login
// attempt.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// tokenInvalidator is implemented by providers that cache tokens.
type tokenInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Config configures a Multiplexer.
type Config struct {
	Upstream             upstream.Config
	GroupCeiling         int           // Exclusive upper bound on group ids
	ConnectTimeout       time.Duration // Bound on token + dial + login
	ReconnectBaseDelay   time.Duration // First reconnect wait, doubled per attempt
	ReconnectMaxDelay    time.Duration // Cap on the reconnect wait
	MaxReconnectAttempts int           // Attempts before giving up until the next Subscribe
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Upstream:             upstream.DefaultConfig(),
		GroupCeiling:         registry.DefaultGroupCeiling,
		ConnectTimeout:       30 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Stats contains multiplexer statistics.
type Stats struct {
	State             upstream.State
	Instruments       int
	Consumers         int
	GroupsInUse       int
	Reconnecting      bool
	Reconnects        int64 // Successful reconnects
	ReconnectAttempts int64
	Fanout            fanout.Stats
	Upstream          upstream.Stats // Current session; zero if none
}

// Subscription describes one registered instrument.
type Subscription struct {
	Instrument model.Instrument `json:"instrument"`
	Group      string           `json:"grp_no"`
	Consumers  int              `json:"consumers"`
}
