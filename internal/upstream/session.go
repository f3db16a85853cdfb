package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tickmux/internal/model"
)

// Session is one lifetime of the upstream connection: dial, login, read
// until lost or closed. A Session is not reused; after it reaches
// Disconnected the caller builds a new one.
type Session struct {
	cfg     Config
	conn    Conn
	handler TickHandler
	onLost  LostFunc
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	closed      bool
	loopStarted bool

	done     chan struct{}
	doneOnce sync.Once

	// Stats
	framesReceived atomic.Int64
	ticksDecoded   atomic.Int64
	malformed      atomic.Int64
	unknown        atomic.Int64
	pingsEchoed    atomic.Int64
	commandErrors  atomic.Int64
}

// NewSession creates a disconnected session. If conn is nil a gorilla
// WebSocket transport for cfg.URL is used.
func NewSession(cfg Config, conn Conn, handler TickHandler, onLost LostFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if conn == nil {
		conn = NewConn(cfg, logger)
	}
	if handler == nil {
		handler = TickHandlerFunc(func(model.Tick) {})
	}
	if len(cfg.RealTypes) == 0 {
		cfg.RealTypes = DefaultConfig().RealTypes
	}

	return &Session{
		cfg:     cfg,
		conn:    conn,
		handler: handler,
		onLost:  onLost,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Connect dials the feed. On failure the session is finished and the error
// wraps ErrConnection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.conn.Dial(ctx); err != nil {
		return s.fail(fmt.Errorf("%w: dial: %w", ErrConnection, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state = StateAuthenticating
	return nil
}

// Login sends the LOGIN frame and waits for its reply. PING frames that
// arrive first are echoed. A rejected login wraps ErrAuthentication; any
// transport problem, timeout or cancellation wraps ErrConnection. Either
// way the connection is closed. On success the read loop starts.
func (s *Session) Login(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateAuthenticating {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: login in state %s", ErrInvalidState, st)
	}
	s.mu.Unlock()

	// Unblock the pending read if the caller gives up.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	data, err := EncodeLogin(token)
	if err != nil {
		return s.fail(fmt.Errorf("encode login: %w", err))
	}
	if err := s.conn.Send(data); err != nil {
		return s.fail(fmt.Errorf("%w: send login: %w", ErrConnection, err))
	}

	var deadline time.Time
	if s.cfg.LoginTimeout > 0 {
		deadline = time.Now().Add(s.cfg.LoginTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := s.awaitLogin(ctx, deadline); err != nil {
		return s.fail(err)
	}

	if !stop() {
		return s.fail(fmt.Errorf("%w: login: %w", ErrConnection, ctx.Err()))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateRunning
	s.loopStarted = true
	s.mu.Unlock()

	go s.readLoop()

	s.logger.Info("upstream session running", "url", s.cfg.URL)
	return nil
}

// awaitLogin reads until the LOGIN reply arrives.
func (s *Session) awaitLogin(ctx context.Context, deadline time.Time) error {
	for {
		data, err := s.conn.Read(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: login: %w", ErrConnection, ctx.Err())
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: login reply timed out", ErrConnection)
			}
			return fmt.Errorf("%w: read login reply: %w", ErrConnection, err)
		}
		s.framesReceived.Add(1)

		f, err := DecodeFrame(data)
		if err != nil {
			s.malformed.Add(1)
			s.logger.Debug("skipping malformed frame during login", "error", err)
			continue
		}

		switch f.Trnm {
		case TrnmPing:
			s.echo(data)
		case TrnmLogin:
			if f.ReturnCode != 0 {
				return fmt.Errorf("%w: %s (code %d)", ErrAuthentication, f.ReturnMsg, f.ReturnCode)
			}
			return nil
		default:
			s.logger.Debug("ignoring frame before login", "trnm", f.Trnm)
		}
	}
}

// SendRegister asks the feed to stream inst under group.
func (s *Session) SendRegister(group model.GroupID, inst model.Instrument) error {
	data, err := EncodeRegister(group, inst.Code(), s.cfg.RealTypes)
	if err != nil {
		return err
	}
	return s.send(data)
}

// SendRemove asks the feed to stop streaming group.
func (s *Session) SendRemove(group model.GroupID, inst model.Instrument) error {
	data, err := EncodeRemove(group, inst.Code(), s.cfg.RealTypes)
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *Session) send(data []byte) error {
	s.mu.Lock()
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running {
		return ErrNotConnected
	}
	return s.conn.Send(data)
}

// Close shuts the session down. Idempotent; OnLost is not invoked.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateDisconnected
	started := s.loopStarted
	s.mu.Unlock()

	err := s.conn.Close()
	if !started {
		s.finish()
	}
	return err
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has finished: the read loop exited, or
// the session failed or was closed before it started.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns session statistics.
func (s *Session) Stats() Stats {
	return Stats{
		State:          s.State(),
		FramesReceived: s.framesReceived.Load(),
		TicksDecoded:   s.ticksDecoded.Load(),
		Malformed:      s.malformed.Load(),
		Unknown:        s.unknown.Load(),
		PingsEchoed:    s.pingsEchoed.Load(),
		CommandErrors:  s.commandErrors.Load(),
	}
}

// readLoop is the sole reader while Running.
func (s *Session) readLoop() {
	for {
		var deadline time.Time
		if s.cfg.StaleTimeout > 0 {
			deadline = time.Now().Add(s.cfg.StaleTimeout)
		}

		data, err := s.conn.Read(deadline)
		receivedAt := time.Now()

		if err != nil {
			lost := s.markLost()
			if lost {
				s.logger.Warn("upstream connection lost", "error", err)
			}
			s.finish()
			if lost && s.onLost != nil {
				s.onLost(s, err)
			}
			return
		}

		s.handle(data, receivedAt)
	}
}

// handle processes one frame from the read loop.
func (s *Session) handle(data []byte, receivedAt time.Time) {
	s.framesReceived.Add(1)

	f, err := DecodeFrame(data)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Debug("skipping malformed frame", "error", err)
		return
	}

	switch f.Trnm {
	case TrnmPing:
		s.echo(data)

	case TrnmReal:
		ticks, errs := DecodeReal(f, receivedAt)
		for _, err := range errs {
			s.malformed.Add(1)
			s.logger.Debug("skipping malformed REAL item", "error", err)
		}
		for _, tick := range ticks {
			s.ticksDecoded.Add(1)
			s.handler.HandleTick(tick)
		}

	case TrnmReg, TrnmRemove:
		if f.ReturnCode != 0 {
			s.commandErrors.Add(1)
			s.logger.Warn("feed rejected command",
				"trnm", f.Trnm,
				"grp_no", f.Group,
				"code", f.ReturnCode,
				"msg", f.ReturnMsg,
			)
		}

	case TrnmLogin:
		s.logger.Debug("unexpected LOGIN frame while running")

	default:
		s.unknown.Add(1)
		s.logger.Debug("skipping frame", "trnm", f.Trnm)
	}
}

// echo returns a PING frame to the feed unchanged.
func (s *Session) echo(data []byte) {
	if err := s.conn.Send(data); err != nil {
		s.logger.Debug("failed to echo ping", "error", err)
		return
	}
	s.pingsEchoed.Add(1)
}

// markLost transitions to Disconnected after a read failure. It reports
// false if the session had already been closed deliberately.
func (s *Session) markLost() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state = StateDisconnected
	s.mu.Unlock()

	s.conn.Close()
	return true
}

// fail tears the session down before the read loop started.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.closed = true
	s.state = StateDisconnected
	s.mu.Unlock()

	s.conn.Close()
	s.finish()
	return err
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
