package mux

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zaptest"

	"github.com/rickgao/tickmux/internal/journal"
	"github.com/rickgao/tickmux/internal/model"
	"github.com/rickgao/tickmux/internal/registry"
	"github.com/rickgao/tickmux/internal/upstream"
	"github.com/rickgao/tickmux/internal/upstream/upstreamtest"
)

const waitFor = 3 * time.Second

type testSink struct {
	id     model.ConsumerID
	events chan model.Event
}

func newSink() *testSink {
	return &testSink{id: model.NewConsumerID(), events: make(chan model.Event, 64)}
}

func (s *testSink) ID() model.ConsumerID { return s.id }

func (s *testSink) Deliver(ev model.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *testSink) next(t *testing.T) model.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return model.Event{}
	}
}

func (s *testSink) assertNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

type tokens struct {
	token       string
	err         error
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (p *tokens) Token(context.Context) (string, error) {
	p.calls.Add(1)
	return p.token, p.err
}

func (p *tokens) Invalidate(context.Context) error {
	p.invalidated.Add(1)
	return nil
}

// droppingConn fails every read after the LOGIN reply, so its session dies
// the moment it reaches Running.
type droppingConn struct {
	upstream.Conn
	loggedIn atomic.Bool
}

func (c *droppingConn) Read(deadline time.Time) ([]byte, error) {
	if c.loggedIn.Load() {
		c.Conn.Close()
		return nil, errors.New("connection reset by peer")
	}
	data, err := c.Conn.Read(deadline)
	if err == nil && strings.Contains(string(data), `"LOGIN"`) {
		c.loggedIn.Store(true)
	}
	return data, err
}

// dropConns returns a transport factory whose dials numbered from..to
// (1-based) drop right after login.
func dropConns(from, to int32) (Option, *atomic.Int32) {
	var dialed atomic.Int32
	return WithConnFactory(func(cfg upstream.Config, logger *slog.Logger) upstream.Conn {
		n := dialed.Add(1)
		conn := upstream.NewConn(cfg, logger)
		if n >= from && n <= to {
			return &droppingConn{Conn: conn}
		}
		return conn
	}), &dialed
}

type recorder struct {
	mu    sync.Mutex
	kinds []journal.Kind
}

func (r *recorder) Record(e journal.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, e.Kind)
}

func (r *recorder) Kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Kind(nil), r.kinds...)
}

type fixture struct {
	feed   *upstreamtest.Feed
	tokens *tokens
	mux    *Multiplexer
}

func newFixture(t *testing.T, tune func(*Config), opts ...Option) *fixture {
	t.Helper()

	feed := upstreamtest.NewFeed()
	t.Cleanup(feed.Close)

	cfg := DefaultConfig()
	cfg.Upstream.URL = feed.URL()
	cfg.Upstream.LoginTimeout = 2 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.MaxReconnectAttempts = 50
	if tune != nil {
		tune(&cfg)
	}

	logger := slog.New(zapslog.NewHandler(zaptest.NewLogger(t).Core()))
	tok := &tokens{token: "tok"}
	m := New(cfg, tok, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	return &fixture{feed: feed, tokens: tok, mux: m}
}

func (f *fixture) waitCommands(t *testing.T, n int) []upstreamtest.Command {
	t.Helper()
	require.True(t, f.feed.Wait(waitFor, func() bool { return len(f.feed.Commands()) >= n }),
		"want %d commands, got %d", n, len(f.feed.Commands()))
	return f.feed.Commands()
}

func price(v string) map[string]string {
	return map[string]string{"20": "093015", "10": v, "11": "+100", "12": "+0.14", "13": "1000"}
}

func TestMultiplexer_FirstSubscriberAndLastLeaves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := newSink(), newSink()

	assert.Equal(t, upstream.StateDisconnected, f.mux.State())

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	assert.Equal(t, upstream.StateRunning, f.mux.State())
	assert.Equal(t, 1, f.feed.Logins())

	cmds := f.waitCommands(t, 1)
	assert.Equal(t, "REG", cmds[0].Trnm)
	assert.Equal(t, "0000", cmds[0].Group)
	assert.Equal(t, []string{"005930"}, cmds[0].Items)

	// Second consumer shares the group: no new frame.
	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", b))
	require.NoError(t, f.feed.SendReal(0, "005930", price("-71000")))

	for _, s := range []*testSink{a, b} {
		ev := s.next(t)
		assert.Equal(t, model.Instrument("005930.KS"), ev.Instrument)
		assert.Equal(t, "71000", ev.Price.String())
	}
	assert.Len(t, f.feed.Commands(), 1)

	require.NoError(t, f.mux.Unsubscribe(ctx, "005930.KS", a))
	assert.Equal(t, upstream.StateRunning, f.mux.State())

	require.NoError(t, f.mux.Unsubscribe(ctx, "005930.KS", b))
	cmds = f.waitCommands(t, 2)
	assert.Equal(t, "REMOVE", cmds[1].Trnm)
	assert.Equal(t, "0000", cmds[1].Group)

	assert.Equal(t, upstream.StateDisconnected, f.mux.State())
	assert.True(t, f.feed.Wait(waitFor, func() bool { return f.feed.Connections() == 0 }))
	require.NoError(t, f.mux.CheckInvariants())
}

func TestMultiplexer_NewInstrumentWhileRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))

	cmds := f.waitCommands(t, 2)
	assert.Equal(t, "0001", cmds[1].Group)
	assert.Equal(t, []string{"000660"}, cmds[1].Items)
	assert.Equal(t, 1, f.feed.Logins(), "one session shared by all instruments")

	require.NoError(t, f.feed.SendReal(1, "000660", price("185000")))
	assert.Equal(t, model.Instrument("000660.KS"), a.next(t).Instrument)
}

func TestMultiplexer_AuthenticationFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.RejectLogins(8005, "token expired")
	a := newSink()

	err := f.mux.Subscribe(context.Background(), "005930.KS", a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrAuthentication))

	assert.Equal(t, 0, f.mux.Stats().Instruments)
	assert.Equal(t, upstream.StateDisconnected, f.mux.State())
	assert.Equal(t, int32(1), f.tokens.invalidated.Load())
	assert.Empty(t, f.feed.Commands())

	// The next subscriber retries from scratch.
	f.feed.RejectLogins(0, "")
	require.NoError(t, f.mux.Subscribe(context.Background(), "005930.KS", a))
	assert.Equal(t, upstream.StateRunning, f.mux.State())
	assert.Equal(t, int32(2), f.tokens.calls.Load())
}

func TestMultiplexer_TokenFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.err = errors.New("credentials rejected")

	err := f.mux.Subscribe(context.Background(), "005930.KS", newSink())
	assert.True(t, errors.Is(err, upstream.ErrAuthentication))
	assert.Equal(t, 0, f.feed.Dials())
	assert.Equal(t, 0, f.mux.Stats().Instruments)
}

func TestMultiplexer_ConnectionFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.RefuseConnections(true)

	err := f.mux.Subscribe(context.Background(), "005930.KS", newSink())
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrConnection))
	assert.Equal(t, 0, f.mux.Stats().Instruments)
	assert.False(t, f.mux.Stats().Reconnecting)
}

func TestMultiplexer_Capacity(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.GroupCeiling = 1 })
	a := newSink()

	require.NoError(t, f.mux.Subscribe(context.Background(), "005930.KS", a))
	err := f.mux.Subscribe(context.Background(), "000660.KS", a)
	assert.True(t, errors.Is(err, registry.ErrCapacity))
	assert.Equal(t, 1, f.mux.Stats().Instruments)
}

func TestMultiplexer_InvalidInstrument(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.mux.Subscribe(context.Background(), "", newSink()), ErrInvalidInstrument)
	assert.ErrorIs(t, f.mux.Subscribe(context.Background(), "  ", newSink()), ErrInvalidInstrument)
	assert.ErrorIs(t, f.mux.Unsubscribe(context.Background(), "", newSink()), ErrInvalidInstrument)
}

func TestMultiplexer_NotStartedAndStopped(t *testing.T) {
	m := New(DefaultConfig(), &tokens{token: "tok"})
	assert.ErrorIs(t, m.Subscribe(context.Background(), "X", newSink()), ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.ErrorIs(t, m.Subscribe(context.Background(), "X", newSink()), ErrStopped)
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestMultiplexer_ReconnectReplaysRegistry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := newSink(), newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", b))
	require.NoError(t, f.mux.Subscribe(ctx, "035720.KQ", a))
	require.NoError(t, f.mux.Unsubscribe(ctx, "000660.KS", b))
	f.waitCommands(t, 4)

	first := f.feed.LastConn()
	f.feed.DropConnections()

	require.True(t, f.feed.Wait(waitFor, func() bool {
		return f.feed.LastConn() > first && len(f.feed.Registered(f.feed.LastConn())) == 2
	}), "registry not replayed on the new connection")

	// Exactly the surviving groups, each mapped to its own instrument.
	assert.Equal(t, map[string]string{"0000": "005930", "0002": "035720"}, f.feed.Registered(f.feed.LastConn()))
	assert.True(t, f.feed.Wait(waitFor, func() bool { return f.mux.State() == upstream.StateRunning }))
	assert.Equal(t, int64(1), f.mux.Stats().Reconnects)

	require.NoError(t, f.feed.SendReal(2, "035720", price("50000")))
	assert.Equal(t, model.Instrument("035720.KQ"), a.next(t).Instrument)
}

func TestMultiplexer_ReconnectExhaustedThenRestarted(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxReconnectAttempts = 2 })
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	f.feed.RefuseConnections(true)
	f.feed.DropConnections()

	require.Eventually(t, func() bool {
		st := f.mux.Stats()
		return st.ReconnectAttempts == 2 && !st.Reconnecting
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, upstream.StateDisconnected, f.mux.State())
	assert.Equal(t, 1, f.mux.Stats().Instruments, "subscriptions survive a lost connection")

	// A later subscription restarts the loop, and everything is replayed.
	f.feed.RefuseConnections(false)
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))

	require.True(t, f.feed.Wait(waitFor, func() bool {
		return len(f.feed.Registered(f.feed.LastConn())) == 2
	}))
	assert.True(t, f.feed.Wait(waitFor, func() bool { return f.mux.State() == upstream.StateRunning }))
}

func TestMultiplexer_ReconnectAbandonedWhenRegistryEmpties(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ReconnectBaseDelay = 200 * time.Millisecond
		cfg.ReconnectMaxDelay = 200 * time.Millisecond
	})
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	dials := f.feed.Dials()
	f.feed.DropConnections()

	require.Eventually(t, func() bool { return f.mux.Stats().Reconnecting }, waitFor, 5*time.Millisecond)
	f.mux.RemoveConsumer(a)

	require.Eventually(t, func() bool { return !f.mux.Stats().Reconnecting }, waitFor, 10*time.Millisecond)
	assert.Equal(t, dials, f.feed.Dials(), "no dial once nobody is subscribed")
}

func TestMultiplexer_UnmappedTickDropped(t *testing.T) {
	f := newFixture(t, nil)
	a := newSink()

	require.NoError(t, f.mux.Subscribe(context.Background(), "005930.KS", a))
	require.NoError(t, f.feed.SendReal(77, "000660", price("1")))
	require.NoError(t, f.feed.SendReal(0, "005930", price("2")))

	ev := a.next(t)
	assert.Equal(t, "2", ev.Price.String())
	a.assertNone(t)
	assert.Equal(t, int64(1), f.mux.Stats().Fanout.RaceDrops)
}

func TestMultiplexer_RemoveConsumer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := newSink(), newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", b))
	f.waitCommands(t, 2)

	f.mux.RemoveConsumer(a)
	cmds := f.waitCommands(t, 3)
	assert.Equal(t, "REMOVE", cmds[2].Trnm)
	assert.Equal(t, "0000", cmds[2].Group)

	subs := f.mux.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, Subscription{Instrument: "000660.KS", Group: "0001", Consumers: 1}, subs[0])
	assert.Equal(t, upstream.StateRunning, f.mux.State())

	f.mux.RemoveConsumer(b)
	assert.Equal(t, upstream.StateDisconnected, f.mux.State())
	require.NoError(t, f.mux.CheckInvariants())
}

func TestMultiplexer_SubscribeWhileDownKeepsSubscription(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ReconnectBaseDelay = 100 * time.Millisecond
		cfg.ReconnectMaxDelay = 100 * time.Millisecond
	})
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	f.feed.DropConnections()
	require.Eventually(t, func() bool { return f.mux.State() == upstream.StateDisconnected }, waitFor, 5*time.Millisecond)

	// Not the first subscriber: accepted without a synchronous connect.
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))
	assert.Equal(t, 2, f.mux.Stats().Instruments)

	require.True(t, f.feed.Wait(waitFor, func() bool {
		return len(f.feed.Registered(f.feed.LastConn())) == 2
	}))
}

func TestMultiplexer_Journal(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, nil, WithJournal(rec))
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))
	f.mux.RemoveConsumer(a)

	assert.Equal(t, []journal.Kind{
		journal.KindSessionConnected,
		journal.KindInstrumentRegistered,
		journal.KindInstrumentRegistered,
		journal.KindInstrumentRemoved,
		journal.KindInstrumentRemoved,
		journal.KindSessionClosed,
	}, rec.Kinds())
}

func TestMultiplexer_SessionLostRightAfterReconnect(t *testing.T) {
	opt, dialed := dropConns(2, 4)
	f := newFixture(t, nil, opt)
	ctx := context.Background()
	a := newSink()

	require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	require.NoError(t, f.mux.Subscribe(ctx, "000660.KS", a))
	f.waitCommands(t, 2)

	f.feed.DropConnections()

	require.Eventually(t, func() bool {
		return dialed.Load() >= 5 &&
			f.mux.State() == upstream.StateRunning &&
			len(f.feed.Registered(f.feed.LastConn())) == 2
	}, waitFor, 10*time.Millisecond, "multiplexer left down with subscriptions outstanding")

	assert.Equal(t, map[string]string{"0000": "005930", "0001": "000660"}, f.feed.Registered(f.feed.LastConn()))
	assert.Equal(t, 2, f.mux.Stats().Instruments)

	require.NoError(t, f.feed.SendReal(1, "000660", price("120000")))
	assert.Equal(t, model.Instrument("000660.KS"), a.next(t).Instrument)
}

func TestMultiplexer_FirstSessionLostRightAfterLogin(t *testing.T) {
	opt, _ := dropConns(1, 1)
	f := newFixture(t, nil, opt)
	ctx := context.Background()
	a := newSink()

	// Either the dead session is refused and the subscription rolled back,
	// or it was installed and the loss schedules a reconnect.
	if err := f.mux.Subscribe(ctx, "005930.KS", a); err != nil {
		require.ErrorIs(t, err, upstream.ErrConnection)
		assert.Equal(t, 0, f.mux.Stats().Instruments)
		require.NoError(t, f.mux.Subscribe(ctx, "005930.KS", a))
	}

	require.Eventually(t, func() bool {
		return f.mux.State() == upstream.StateRunning &&
			f.feed.LastConn() >= 2 &&
			f.feed.Registered(f.feed.LastConn())["0000"] == "005930"
	}, waitFor, 10*time.Millisecond, "multiplexer left down with subscriptions outstanding")
	require.NoError(t, f.mux.CheckInvariants())
}

func TestMultiplexer_ControlWaitHonoursContext(t *testing.T) {
	f := newFixture(t, nil)
	a := newSink()

	// Stand in for a reconnect attempt holding the control lock.
	f.mux.ctl <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.mux.Subscribe(ctx, "005930.KS", a), context.DeadlineExceeded)
	assert.ErrorIs(t, f.mux.Unsubscribe(ctx, "005930.KS", a), context.DeadlineExceeded)

	<-f.mux.ctl
	require.NoError(t, f.mux.Subscribe(context.Background(), "005930.KS", a))
	require.NoError(t, f.mux.Unsubscribe(context.Background(), "005930.KS", a))
	assert.Equal(t, 0, f.mux.Stats().Instruments)
}
