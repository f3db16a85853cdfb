package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instrument identifies a tradable security (exchange + ticker).
type Instrument string

// Code returns the feed item code: the instrument up to the first '.'.
func (i Instrument) Code() string {
	s := string(i)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// String implements fmt.Stringer.
func (i Instrument) String() string {
	return string(i)
}

// GroupID is the upstream feed's coarse subscription handle.
type GroupID int

// groupIDWidth is the fixed width of a group id on the wire.
const groupIDWidth = 4

// String renders the group id in its wire form ("0007").
func (g GroupID) String() string {
	return fmt.Sprintf("%0*d", groupIDWidth, int(g))
}

// ParseGroupID parses the wire form of a group id.
func ParseGroupID(s string) (GroupID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty group id")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse group id %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative group id %q", s)
	}
	return GroupID(n), nil
}

// ConsumerID identifies one downstream client connection.
type ConsumerID = uuid.UUID

// NewConsumerID returns a fresh random consumer id.
func NewConsumerID() ConsumerID {
	return uuid.New()
}

// -----------------------------------------------------------------------------
// Real-time Types
// -----------------------------------------------------------------------------

// Tick is a single decoded real-time update from the feed.
type Tick struct {
	Group         GroupID         // Group the tick was tagged with
	ItemCode      string          // Feed item code (e.g., "005930")
	Type          string          // Real-time type (e.g., "0B")
	EventTime     string          // Exchange event time, HHMMSS
	Price         decimal.Decimal // Current price (absolute)
	ChangeAmount  decimal.Decimal // Change versus previous close (signed)
	ChangePercent decimal.Decimal // Change rate in percent (signed)
	Volume        int64           // Accumulated volume
	ReceivedAt    time.Time       // Local timestamp when the frame was read
}

// Event is the outbound shape delivered to downstream consumers.
type Event struct {
	Instrument    Instrument      `json:"instrument"`
	EventTime     string          `json:"eventTime"`
	Price         decimal.Decimal `json:"price"`
	ChangeAmount  decimal.Decimal `json:"changeAmount"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
}

// NewEvent builds the outbound event for a tick resolved to an instrument.
func NewEvent(inst Instrument, t Tick) Event {
	return Event{
		Instrument:    inst,
		EventTime:     t.EventTime,
		Price:         t.Price,
		ChangeAmount:  t.ChangeAmount,
		ChangePercent: t.ChangePercent,
		Volume:        t.Volume,
	}
}
