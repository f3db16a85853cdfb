package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/tickmux/internal/downstream"
	"github.com/rickgao/tickmux/internal/journal"
	"github.com/rickgao/tickmux/internal/mux"
	"github.com/rickgao/tickmux/internal/upstream"
)

const namespace = "tickmux"

// Sources are polled on every scrape. Nil sources are not registered.
type Sources struct {
	Mux        func() mux.Stats
	Downstream func() downstream.Stats
	Journal    func() journal.Metrics
}

// Metrics owns the fan-out histograms and registers the polled collectors.
// It implements fanout.Observer.
type Metrics struct {
	recipients prometheus.Histogram
	latency    prometheus.Histogram
}

// New registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		recipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "recipients",
			Help:      "Consumers each tick was delivered to",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "duration_seconds",
			Help:      "Time spent delivering one tick to all consumers",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

// ObserveFanout implements fanout.Observer.
func (m *Metrics) ObserveFanout(recipients int, elapsed time.Duration) {
	m.recipients.Observe(float64(recipients))
	m.latency.Observe(elapsed.Seconds())
}

// Register adds scrape-time collectors for src to reg.
func Register(reg prometheus.Registerer, src Sources) {
	f := promauto.With(reg)

	if src.Mux != nil {
		registerMux(f, src.Mux)
	}
	if src.Downstream != nil {
		registerDownstream(f, src.Downstream)
	}
	if src.Journal != nil {
		registerJournal(f, src.Journal)
	}
}

func registerMux(f promauto.Factory, stats func() mux.Stats) {
	gauge := func(subsystem, name, help string, v func(mux.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, func() float64 { return v(stats()) })
	}
	counter := func(subsystem, name, help string, v func(mux.Stats) int64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, func() float64 { return float64(v(stats())) })
	}

	gauge("upstream", "state", "Upstream session state (0 disconnected, 1 connecting, 2 authenticating, 3 running)",
		func(s mux.Stats) float64 { return float64(s.State) })
	gauge("upstream", "reconnecting", "1 while a reconnect loop is active",
		func(s mux.Stats) float64 { return boolValue(s.Reconnecting) })
	counter("upstream", "reconnects_total", "Successful reconnects",
		func(s mux.Stats) int64 { return s.Reconnects })
	counter("upstream", "reconnect_attempts_total", "Reconnect attempts",
		func(s mux.Stats) int64 { return s.ReconnectAttempts })

	// Session counters restart with each session, so they are gauges.
	session := func(name, help string, v func(upstream.Stats) int64) {
		gauge("upstream", "session_"+name, help, func(s mux.Stats) float64 { return float64(v(s.Upstream)) })
	}
	session("frames", "Frames received on the current session", func(s upstream.Stats) int64 { return s.FramesReceived })
	session("ticks", "Ticks decoded on the current session", func(s upstream.Stats) int64 { return s.TicksDecoded })
	session("malformed", "Malformed frames or items on the current session", func(s upstream.Stats) int64 { return s.Malformed })
	session("unknown", "Frames of unknown type on the current session", func(s upstream.Stats) int64 { return s.Unknown })
	session("pings", "PING frames echoed on the current session", func(s upstream.Stats) int64 { return s.PingsEchoed })
	session("command_errors", "REG/REMOVE rejections on the current session", func(s upstream.Stats) int64 { return s.CommandErrors })

	gauge("registry", "instruments", "Registered instruments",
		func(s mux.Stats) float64 { return float64(s.Instruments) })
	gauge("registry", "consumers", "Consumers with at least one subscription",
		func(s mux.Stats) float64 { return float64(s.Consumers) })
	gauge("registry", "groups_in_use", "Outstanding group ids",
		func(s mux.Stats) float64 { return float64(s.GroupsInUse) })

	counter("fanout", "dispatched_total", "Ticks resolved to an instrument",
		func(s mux.Stats) int64 { return s.Fanout.Dispatched })
	counter("fanout", "race_drops_total", "Ticks dropped because their group had no instrument",
		func(s mux.Stats) int64 { return s.Fanout.RaceDrops })
	counter("fanout", "delivered_total", "Per-consumer deliveries",
		func(s mux.Stats) int64 { return s.Fanout.Delivered })
	counter("fanout", "displaced_total", "Deliveries that displaced an older queued event",
		func(s mux.Stats) int64 { return s.Fanout.Displaced })
}

func registerDownstream(f promauto.Factory, stats func() downstream.Stats) {
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "downstream", Name: "clients",
		Help: "Connected consumers",
	}, func() float64 { return float64(stats().Clients) })

	counters := []struct {
		name, help string
		v          func(downstream.Stats) int64
	}{
		{"connections_total", "Accepted consumer connections", func(s downstream.Stats) int64 { return s.Connected }},
		{"commands_total", "Commands received", func(s downstream.Stats) int64 { return s.Commands }},
		{"command_errors_total", "Commands answered with an error", func(s downstream.Stats) int64 { return s.CommandErrors }},
		{"events_sent_total", "Events written to consumers", func(s downstream.Stats) int64 { return s.EventsSent }},
		{"events_dropped_total", "Events dropped from full consumer queues", func(s downstream.Stats) int64 { return s.EventsDropped }},
	}
	for _, c := range counters {
		v := c.v
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "downstream", Name: c.name, Help: c.help,
		}, func() float64 { return float64(v(stats())) })
	}
}

func registerJournal(f promauto.Factory, stats func() journal.Metrics) {
	counters := []struct {
		name, help string
		v          func(journal.Metrics) int64
	}{
		{"inserts_total", "Journal rows inserted", func(m journal.Metrics) int64 { return m.Inserts }},
		{"dropped_total", "Journal entries dropped from a full buffer", func(m journal.Metrics) int64 { return m.Dropped }},
		{"errors_total", "Failed journal inserts", func(m journal.Metrics) int64 { return m.Errors }},
		{"flushes_total", "Journal batch flushes", func(m journal.Metrics) int64 { return m.Flushes }},
	}
	for _, c := range counters {
		v := c.v
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal", Name: c.name, Help: c.help,
		}, func() float64 { return float64(v(stats())) })
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
