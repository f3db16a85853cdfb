package upstream

import (
	"errors"
	"time"

	"github.com/rickgao/tickmux/internal/model"
)

// Errors
var (
	ErrConnection     = errors.New("upstream connection failed")
	ErrAuthentication = errors.New("upstream authentication rejected")
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("session closed")
	ErrInvalidState   = errors.New("invalid session state")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// TickHandler receives every decoded tick, in feed order, from the read loop.
// Implementations must not block.
type TickHandler interface {
	HandleTick(tick model.Tick)
}

// TickHandlerFunc adapts a function to TickHandler.
type TickHandlerFunc func(model.Tick)

// HandleTick calls f(tick).
func (f TickHandlerFunc) HandleTick(tick model.Tick) { f(tick) }

// LostFunc is invoked once when a running session loses its connection
// without Close having been called.
type LostFunc func(s *Session, err error)

// Config configures a Session and its transport.
type Config struct {
	URL              string        // Feed WebSocket URL
	HandshakeTimeout time.Duration // Dial handshake bound
	WriteTimeout     time.Duration // Write deadline for sends
	LoginTimeout     time.Duration // Max wait for the LOGIN reply
	StaleTimeout     time.Duration // Max silence before the connection is considered lost (0 = never)
	RealTypes        []string      // Real-time types requested per item (e.g. "0B")
	UserAgent        string        // Sent on the handshake when set
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		LoginTimeout:     10 * time.Second,
		StaleTimeout:     2 * time.Minute,
		RealTypes:        []string{"0B"},
	}
}

// Stats contains session statistics.
type Stats struct {
	State          State
	FramesReceived int64
	TicksDecoded   int64
	Malformed      int64
	Unknown        int64
	PingsEchoed    int64
	CommandErrors  int64
}
