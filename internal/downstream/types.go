package downstream

import (
	"context"
	"time"

	"github.com/rickgao/tickmux/internal/fanout"
	"github.com/rickgao/tickmux/internal/model"
)

// Actions accepted from consumers.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Reply types.
const (
	ReplySubscribed   = "subscribed"
	ReplyUnsubscribed = "unsubscribed"
	ReplyError        = "error"
)

// Error codes carried in error replies.
const (
	CodeUnknownAction  = "unknown_action"
	CodeValidation     = "validation"
	CodeCapacity       = "capacity"
	CodeAuthentication = "authentication"
	CodeConnection     = "connection"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Subscriber is the control surface the server drives. *mux.Multiplexer
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, inst model.Instrument, c fanout.Sink) error
	Unsubscribe(ctx context.Context, inst model.Instrument, c fanout.Sink) error
	RemoveConsumer(c fanout.Sink)
}

// Command is a consumer request.
type Command struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument"`
}

// Reply acknowledges a command or reports an error.
type Reply struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Config configures the server.
type Config struct {
	QueueSize       int           // Per-consumer event ring capacity
	WriteTimeout    time.Duration // Write deadline per message
	PongTimeout     time.Duration // Max wait for a pong before the consumer is dropped
	PingInterval    time.Duration // Must be less than PongTimeout
	CommandTimeout  time.Duration // Bound on a single subscribe/unsubscribe
	MaxMessageSize  int64         // Largest accepted command
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string // Empty allows any origin
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    54 * time.Second,
		CommandTimeout:  30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
}

// Stats contains server statistics.
type Stats struct {
	Clients       int   // Currently connected
	Connected     int64 // Total accepted connections
	Commands      int64
	CommandErrors int64
	EventsSent    int64
	EventsDropped int64
}
