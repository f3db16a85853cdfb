package fanout

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/tickmux/internal/model"
)

// Sink receives events for one consumer. Deliver must not block; it returns
// false when the event displaced an older queued one.
type Sink interface {
	Deliver(ev model.Event) bool
}

// Resolver maps a group to its instrument and a snapshot of its consumers.
// registry.Registry[Sink] implements it.
type Resolver interface {
	Lookup(group model.GroupID) (model.Instrument, []Sink, bool)
}

// Observer is notified after each dispatched tick.
type Observer interface {
	ObserveFanout(recipients int, elapsed time.Duration)
}

// Stats contains dispatcher statistics.
type Stats struct {
	Dispatched int64 // Ticks resolved to an instrument
	RaceDrops  int64 // Ticks for groups with no registered instrument
	Delivered  int64 // Per-consumer deliveries
	Displaced  int64 // Deliveries that pushed out an older event
}

// Dispatcher routes ticks from the upstream session to consumers.
type Dispatcher struct {
	resolver Resolver
	observer Observer
	logger   *slog.Logger

	dispatched atomic.Int64
	raceDrops  atomic.Int64
	delivered  atomic.Int64
	displaced  atomic.Int64
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(resolver Resolver, observer Observer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver: resolver,
		observer: observer,
		logger:   logger,
	}
}

// HandleTick implements upstream.TickHandler.
func (d *Dispatcher) HandleTick(tick model.Tick) {
	d.Dispatch(tick.Group, tick)
}

// Dispatch delivers tick to every consumer of the instrument registered under
// group. A group with no instrument (removed while the tick was in flight)
// is dropped silently.
func (d *Dispatcher) Dispatch(group model.GroupID, tick model.Tick) {
	start := time.Now()

	inst, sinks, ok := d.resolver.Lookup(group)
	if !ok {
		d.raceDrops.Add(1)
		d.logger.Debug("dropping tick for unmapped group", "grp_no", group, "item", tick.ItemCode)
		return
	}
	d.dispatched.Add(1)

	ev := model.NewEvent(inst, tick)
	for _, sink := range sinks {
		if !sink.Deliver(ev) {
			d.displaced.Add(1)
		}
	}
	d.delivered.Add(int64(len(sinks)))

	if d.observer != nil {
		d.observer.ObserveFanout(len(sinks), time.Since(start))
	}
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		RaceDrops:  d.raceDrops.Load(),
		Delivered:  d.delivered.Load(),
		Displaced:  d.displaced.Load(),
	}
}
