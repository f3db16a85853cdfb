package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tickmux/internal/model"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindSessionConnected     Kind = "session_connected"
	KindSessionLost          Kind = "session_lost"
	KindSessionClosed        Kind = "session_closed"
	KindConnectFailed        Kind = "connect_failed"
	KindLoginFailed          Kind = "login_failed"
	KindReconnectExhausted   Kind = "reconnect_exhausted"
	KindInstrumentRegistered Kind = "instrument_registered"
	KindInstrumentRemoved    Kind = "instrument_removed"
	KindConsumerConnected    Kind = "consumer_connected"
	KindConsumerDisconnected Kind = "consumer_disconnected"
)

// Entry is one journal row.
type Entry struct {
	ID         uuid.UUID
	At         time.Time
	Kind       Kind
	Instrument model.Instrument // Empty if not instrument-related
	Group      *model.GroupID   // Nil if not group-related
	Consumer   string           // Consumer id, if any
	Detail     string
}

// NewEntry stamps a new entry with an id and the current time.
func NewEntry(kind Kind) Entry {
	return Entry{ID: uuid.New(), At: time.Now(), Kind: kind}
}

// WithInstrument sets the instrument and group.
func (e Entry) WithInstrument(inst model.Instrument, group model.GroupID) Entry {
	e.Instrument = inst
	e.Group = &group
	return e
}

// WithConsumer sets the consumer id.
func (e Entry) WithConsumer(id string) Entry {
	e.Consumer = id
	return e
}

// WithDetail sets free-form detail, typically an error message.
func (e Entry) WithDetail(detail string) Entry {
	e.Detail = detail
	return e
}

// Recorder accepts journal entries. Record must not block.
type Recorder interface {
	Record(e Entry)
}

// Discard is a Recorder that drops everything.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(Entry) {}

// Config contains configuration for the batch writer.
type Config struct {
	// BufferSize bounds the entries held between flushes.
	BufferSize int

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// Metrics holds writer metrics.
type Metrics struct {
	Inserts int64
	Dropped int64
	Errors  int64
	Flushes int64
}
