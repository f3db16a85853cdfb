package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tickmux/internal/fanout"
	"github.com/rickgao/tickmux/internal/journal"
	"github.com/rickgao/tickmux/internal/model"
	"github.com/rickgao/tickmux/internal/registry"
	"github.com/rickgao/tickmux/internal/upstream"
)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithJournal records lifecycle events to r.
func WithJournal(r journal.Recorder) Option {
	return func(m *Multiplexer) {
		if r != nil {
			m.journal = r
		}
	}
}

// WithObserver reports every fan-out to o.
func WithObserver(o fanout.Observer) Option {
	return func(m *Multiplexer) {
		m.observer = o
	}
}

// WithConnFactory overrides the upstream transport.
func WithConnFactory(f func(upstream.Config, *slog.Logger) upstream.Conn) Option {
	return func(m *Multiplexer) {
		if f != nil {
			m.newConn = f
		}
	}
}

// Multiplexer shares one upstream session among many consumers.
type Multiplexer struct {
	cfg      Config
	tokens   TokenProvider
	base     *slog.Logger
	logger   *slog.Logger
	journal  journal.Recorder
	observer fanout.Observer
	newConn  func(upstream.Config, *slog.Logger) upstream.Conn

	reg        *registry.Registry[fanout.Sink]
	dispatcher *fanout.Dispatcher

	// ctl serialises Subscribe, Unsubscribe, RemoveConsumer and reconnect
	// attempts, including the feed commands they send. It is a one-slot
	// semaphore so callers with a context can stop waiting.
	ctl chan struct{}

	// mu guards the fields below; never held across I/O.
	mu           sync.Mutex
	session      *upstream.Session // Running session, nil when down
	pending      *upstream.Session // Session being established
	started      bool
	stopped      bool
	reconnecting bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	reconnects        atomic.Int64
	reconnectAttempts atomic.Int64
}

// New creates a Multiplexer. Call Start before subscribing.
func New(cfg Config, tokens TokenProvider, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		cfg:     cfg,
		tokens:  tokens,
		logger:  slog.Default(),
		journal: journal.Discard{},
		newConn: upstream.NewConn,
		ctl:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base = m.logger
	m.logger = m.base.With("component", "mux")

	if m.cfg.ReconnectBaseDelay <= 0 {
		m.cfg.ReconnectBaseDelay = DefaultConfig().ReconnectBaseDelay
	}
	if m.cfg.ReconnectMaxDelay < m.cfg.ReconnectBaseDelay {
		m.cfg.ReconnectMaxDelay = m.cfg.ReconnectBaseDelay
	}

	m.reg = registry.New[fanout.Sink](cfg.GroupCeiling)
	m.dispatcher = fanout.NewDispatcher(m.reg, m.observer, m.logger)
	return m
}

// Start enables subscriptions. Cancelling ctx has the effect of Stop on
// background work, but Stop should still be called to close the session.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.logger.Info("multiplexer started",
		"url", m.cfg.Upstream.URL,
		"group_ceiling", m.cfg.GroupCeiling,
		"max_reconnect_attempts", m.cfg.MaxReconnectAttempts,
	)
	return nil
}

// Stop closes the upstream session and waits for background work.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.logger.Info("stopping multiplexer")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sess := m.session
	m.session = nil
	pending := m.pending
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pending != nil {
		pending.Close()
	}
	if sess != nil {
		sess.Close()
		m.journal.Record(journal.NewEntry(journal.KindSessionClosed).WithDetail("shutdown"))
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("multiplexer stopped")
	case <-ctx.Done():
		m.logger.Warn("multiplexer stop timed out")
	}
	return nil
}

// Subscribe adds consumer c to inst. The first subscriber overall opens the
// upstream session synchronously; if that fails the subscription is rolled
// back and the error (wrapping upstream.ErrConnection or
// upstream.ErrAuthentication) is returned. Exhausted group ids return
// registry.ErrCapacity. ctx bounds both the wait for the control lock and
// the synchronous connect.
func (m *Multiplexer) Subscribe(ctx context.Context, inst model.Instrument, c fanout.Sink) error {
	if strings.TrimSpace(string(inst)) == "" {
		return ErrInvalidInstrument
	}

	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	if err := m.checkRunning(); err != nil {
		return err
	}

	wasEmpty := m.reg.IsEmpty()
	res, err := m.reg.Subscribe(inst, c)
	if err != nil {
		return err
	}
	logger := m.logger.With("instrument", inst, "grp_no", res.Group, "consumer", consumerID(c))

	sess := m.currentSession()
	switch {
	case sess == nil && wasEmpty:
		if _, err := m.onFirstSubscriber(ctx); err != nil {
			m.reg.Unsubscribe(inst, c)
			logger.Warn("first subscription failed, rolled back", "error", err)
			return err
		}
		m.journal.Record(journal.NewEntry(journal.KindInstrumentRegistered).WithInstrument(inst, res.Group))

	case sess == nil:
		// Down with subscriptions outstanding: the reconnect loop replays
		// the registry, this instrument included.
		if res.IsNewInstrument {
			m.journal.Record(journal.NewEntry(journal.KindInstrumentRegistered).WithInstrument(inst, res.Group))
		}
		m.ensureReconnect()

	case res.IsNewInstrument:
		m.register(sess, res.Group, inst)
	}

	logger.Debug("subscribed", "new_instrument", res.IsNewInstrument)
	return nil
}

// Unsubscribe removes consumer c from inst. Removing the last consumer of an
// instrument sends REMOVE; removing the last instrument closes the session.
// ctx bounds the wait behind other control operations, such as a reconnect
// attempt in progress.
func (m *Multiplexer) Unsubscribe(ctx context.Context, inst model.Instrument, c fanout.Sink) error {
	if strings.TrimSpace(string(inst)) == "" {
		return ErrInvalidInstrument
	}

	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	res := m.reg.Unsubscribe(inst, c)
	if !res.InstrumentRemoved {
		return nil
	}

	if sess := m.currentSession(); sess != nil {
		m.remove(sess, res.Group, inst)
	}
	m.journal.Record(journal.NewEntry(journal.KindInstrumentRemoved).WithInstrument(inst, res.Group))

	if m.reg.IsEmpty() {
		m.onLastSubscriberLeft()
	}
	return nil
}

// RemoveConsumer drops every subscription of c, typically because its
// transport closed.
func (m *Multiplexer) RemoveConsumer(c fanout.Sink) {
	m.lock(context.Background())
	defer m.unlock()

	removed := m.reg.RemoveConsumer(c)
	if len(removed) == 0 {
		return
	}

	sess := m.currentSession()
	for _, r := range removed {
		if sess != nil {
			m.remove(sess, r.Group, r.Instrument)
		}
		m.journal.Record(journal.NewEntry(journal.KindInstrumentRemoved).WithInstrument(r.Instrument, r.Group))
	}

	m.logger.Debug("consumer removed", "consumer", consumerID(c), "instruments_removed", len(removed))

	if m.reg.IsEmpty() {
		m.onLastSubscriberLeft()
	}
}

// State returns the upstream session state.
func (m *Multiplexer) State() upstream.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.session != nil:
		return m.session.State()
	case m.pending != nil:
		return m.pending.State()
	default:
		return upstream.StateDisconnected
	}
}

// Stats returns multiplexer statistics.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	sess := m.session
	reconnecting := m.reconnecting
	m.mu.Unlock()

	st := Stats{
		State:             m.State(),
		Instruments:       m.reg.Len(),
		Consumers:         m.reg.ConsumerCount(),
		GroupsInUse:       m.reg.GroupsInUse(),
		Reconnecting:      reconnecting,
		Reconnects:        m.reconnects.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Fanout:            m.dispatcher.Stats(),
	}
	if sess != nil {
		st.Upstream = sess.Stats()
	}
	return st
}

// Subscriptions returns every registered instrument, ordered by group.
func (m *Multiplexer) Subscriptions() []Subscription {
	regs := m.reg.SnapshotInstruments()
	out := make([]Subscription, 0, len(regs))
	for _, r := range regs {
		out = append(out, Subscription{
			Instrument: r.Instrument,
			Group:      r.Group.String(),
			Consumers:  len(m.reg.ConsumersOf(r.Instrument)),
		})
	}
	return out
}

// CheckInvariants verifies the registry's internal consistency.
func (m *Multiplexer) CheckInvariants() error {
	return m.reg.CheckInvariants()
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// onFirstSubscriber opens the session and registers everything in the
// registry. Caller holds ctl.
func (m *Multiplexer) onFirstSubscriber(ctx context.Context) (*upstream.Session, error) {
	sess, err := m.establish(ctx)
	if err != nil {
		return nil, err
	}
	m.registerAll(sess)
	return sess, nil
}

// onLastSubscriberLeft closes the session. Caller holds ctl.
func (m *Multiplexer) onLastSubscriberLeft() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.Close()
	m.journal.Record(journal.NewEntry(journal.KindSessionClosed).WithDetail("no subscribers"))
	m.logger.Info("last subscriber left, upstream session closed")
}

// onConnectionLost runs on the lost session's read loop. It clears the
// session handle, keeps the registry and starts reconnecting.
func (m *Multiplexer) onConnectionLost(sess *upstream.Session, err error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.mu.Unlock()

	m.logger.Warn("upstream connection lost", "error", err, "instruments", m.reg.Len())
	m.journal.Record(journal.NewEntry(journal.KindSessionLost).WithDetail(err.Error()))

	m.ensureReconnect()
}

// establish fetches a token, dials and logs in. On success the session is
// installed as current. Caller holds ctl.
func (m *Multiplexer) establish(ctx context.Context) (*upstream.Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	base := m.ctx
	m.mu.Unlock()

	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	// Stop aborts an in-flight connect.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.journal.Record(journal.NewEntry(journal.KindLoginFailed).WithDetail(err.Error()))
		return nil, fmt.Errorf("%w: obtain token: %w", upstream.ErrAuthentication, err)
	}

	sess := upstream.NewSession(
		m.cfg.Upstream,
		m.newConn(m.cfg.Upstream, m.base.With("component", "upstream")),
		m.dispatcher,
		m.onConnectionLost,
		m.base.With("component", "upstream"),
	)

	m.mu.Lock()
	m.pending = sess
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()

	if err := sess.Connect(ctx); err != nil {
		m.journal.Record(journal.NewEntry(journal.KindConnectFailed).WithDetail(err.Error()))
		return nil, err
	}

	if err := sess.Login(ctx, token); err != nil {
		if errors.Is(err, upstream.ErrAuthentication) {
			m.invalidateToken(ctx)
			m.journal.Record(journal.NewEntry(journal.KindLoginFailed).WithDetail(err.Error()))
		} else {
			m.journal.Record(journal.NewEntry(journal.KindConnectFailed).WithDetail(err.Error()))
		}
		return nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		sess.Close()
		return nil, ErrStopped
	}
	// The read loop is already running. A session lost before this point
	// reported to nobody, so it must not be installed.
	if sess.State() != upstream.StateRunning {
		m.mu.Unlock()
		sess.Close()
		m.journal.Record(journal.NewEntry(journal.KindConnectFailed).WithDetail("lost after login"))
		return nil, fmt.Errorf("%w: session lost after login", upstream.ErrConnection)
	}
	m.session = sess
	m.mu.Unlock()

	m.journal.Record(journal.NewEntry(journal.KindSessionConnected).WithDetail(m.cfg.Upstream.URL))
	m.logger.Info("upstream session established")
	return sess, nil
}

// invalidateToken drops a cached token after the feed rejected it.
func (m *Multiplexer) invalidateToken(ctx context.Context) {
	inv, ok := m.tokens.(tokenInvalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("failed to invalidate token", "error", err)
	}
}

// register sends REG for one instrument. Caller holds ctl.
func (m *Multiplexer) register(sess *upstream.Session, group model.GroupID, inst model.Instrument) {
	if err := sess.SendRegister(group, inst); err != nil {
		m.logger.Warn("failed to send register", "instrument", inst, "grp_no", group, "error", err)
	}
	m.journal.Record(journal.NewEntry(journal.KindInstrumentRegistered).WithInstrument(inst, group))
}

// remove sends REMOVE for one instrument. Caller holds ctl.
func (m *Multiplexer) remove(sess *upstream.Session, group model.GroupID, inst model.Instrument) {
	if err := sess.SendRemove(group, inst); err != nil {
		m.logger.Warn("failed to send remove", "instrument", inst, "grp_no", group, "error", err)
	}
}

// registerAll sends REG for every registered instrument. Caller holds ctl.
func (m *Multiplexer) registerAll(sess *upstream.Session) {
	for _, r := range m.reg.SnapshotInstruments() {
		if err := sess.SendRegister(r.Group, r.Instrument); err != nil {
			m.logger.Warn("failed to send register", "instrument", r.Instrument, "grp_no", r.Group, "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Reconnect
// -----------------------------------------------------------------------------

// ensureReconnect starts the reconnect loop unless it is already running.
func (m *Multiplexer) ensureReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || !m.started || m.reconnecting {
		return
	}
	m.reconnecting = true

	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop retries with exponential backoff until a session is
// running, the registry empties, attempts run out or the multiplexer stops.
func (m *Multiplexer) reconnectLoop() {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseDelay
	maxWait := m.cfg.ReconnectMaxDelay

	for attempt := 1; ; attempt++ {
		select {
		case <-m.ctx.Done():
			m.clearReconnecting()
			return
		case <-time.After(wait):
		}

		last := m.cfg.MaxReconnectAttempts > 0 && attempt >= m.cfg.MaxReconnectAttempts
		if m.attemptReconnect(attempt, last) {
			return
		}

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

// attemptReconnect makes one attempt under ctl and reports whether the loop
// is finished. The reconnecting flag is cleared before ctl is released so a
// concurrent Subscribe always sees an accurate value.
func (m *Multiplexer) attemptReconnect(attempt int, last bool) bool {
	m.lock(context.Background())
	defer m.unlock()

	if m.reg.IsEmpty() {
		m.logger.Info("no subscribers left, reconnect abandoned")
		m.clearReconnecting()
		return true
	}
	if m.currentSession() != nil {
		m.clearReconnecting()
		return true
	}

	m.reconnectAttempts.Add(1)
	m.logger.Info("attempting reconnection", "attempt", attempt, "instruments", m.reg.Len())

	sess, err := m.establish(m.ctx)
	if err != nil {
		if errors.Is(err, ErrStopped) || m.ctx.Err() != nil {
			m.clearReconnecting()
			return true
		}
		m.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
		if last {
			m.logger.Error("reconnect attempts exhausted", "attempts", attempt)
			m.journal.Record(journal.NewEntry(journal.KindReconnectExhausted).WithDetail(err.Error()))
			m.clearReconnecting()
			return true
		}
		return false
	}

	m.registerAll(sess)

	// A session lost from here on starts a fresh loop via onConnectionLost;
	// one lost before this check was ignored by ensureReconnect, so keep going.
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		m.logger.Warn("session lost right after reconnect", "attempt", attempt)
		return false
	}
	m.reconnecting = false
	m.mu.Unlock()

	m.reconnects.Add(1)
	m.logger.Info("reconnected", "attempt", attempt, "instruments", m.reg.Len())
	return true
}

func (m *Multiplexer) clearReconnecting() {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// lock acquires ctl or gives up when ctx is done.
func (m *Multiplexer) lock(ctx context.Context) error {
	select {
	case m.ctl <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for control lock: %w", ctx.Err())
	}
}

func (m *Multiplexer) unlock() {
	<-m.ctl
}

func (m *Multiplexer) currentSession() *upstream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Multiplexer) checkRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

// consumerID returns a log-friendly id for c.
func consumerID(c fanout.Sink) string {
	if id, ok := c.(interface{ ID() model.ConsumerID }); ok {
		return id.ID().String()
	}
	return fmt.Sprintf("%p", c)
}
