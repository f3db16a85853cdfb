package downstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickmux/internal/journal"
	"github.com/rickgao/tickmux/internal/model"
	"github.com/rickgao/tickmux/internal/mux"
	"github.com/rickgao/tickmux/internal/registry"
	"github.com/rickgao/tickmux/internal/upstream"
)

// Server upgrades HTTP requests to consumer WebSocket connections.
type Server struct {
	cfg      Config
	subs     Subscriber
	journal  journal.Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	// Stats
	connected     atomic.Int64
	commands      atomic.Int64
	commandErrors atomic.Int64
	eventsSent    atomic.Int64
	eventsDropped atomic.Int64
}

// NewServer creates a consumer server. rec may be nil.
func NewServer(cfg Config, subs Subscriber, rec journal.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = journal.Discard{}
	}
	def := DefaultConfig()
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}

	s := &Server{
		cfg:     cfg,
		subs:    subs,
		journal: rec,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ServeHTTP upgrades the request and runs the consumer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	s.connected.Add(1)

	s.logger.Info("consumer connected", "consumer", c.id, "remote", r.RemoteAddr)
	s.journal.Record(journal.NewEntry(journal.KindConsumerConnected).WithConsumer(c.id.String()).WithDetail(r.RemoteAddr))

	go func() {
		defer s.wg.Done()
		c.run()
		s.forget(c)
	}()
}

// Close disconnects every consumer and waits for their handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()

	return Stats{
		Clients:       n,
		Connected:     s.connected.Load(),
		Commands:      s.commands.Load(),
		CommandErrors: s.commandErrors.Load(),
		EventsSent:    s.eventsSent.Load(),
		EventsDropped: s.eventsDropped.Load(),
	}
}

// forget removes a finished client.
func (s *Server) forget(c *client) {
	s.subs.RemoveConsumer(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	s.logger.Info("consumer disconnected", "consumer", c.id)
	s.journal.Record(journal.NewEntry(journal.KindConsumerDisconnected).WithConsumer(c.id.String()))
}

// handleCommand executes one command and returns the reply to send.
func (s *Server) handleCommand(ctx context.Context, c *client, data []byte) Reply {
	s.commands.Add(1)

	cmd, err := decodeCommand(data)
	if err != nil {
		s.commandErrors.Add(1)
		return errorReply(CodeValidation, err.Error())
	}

	inst := strings.TrimSpace(cmd.Instrument)

	switch cmd.Action {
	case ActionSubscribe, ActionUnsubscribe:
	default:
		s.commandErrors.Add(1)
		return errorReply(CodeUnknownAction, "unknown action: "+cmd.Action)
	}
	if inst == "" {
		s.commandErrors.Add(1)
		return errorReply(CodeValidation, mux.ErrInvalidInstrument.Error())
	}

	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	if cmd.Action == ActionSubscribe {
		err = s.subs.Subscribe(ctx, model.Instrument(inst), c)
	} else {
		err = s.subs.Unsubscribe(ctx, model.Instrument(inst), c)
	}
	if err != nil {
		s.commandErrors.Add(1)
		s.logger.Warn("command failed",
			"consumer", c.id,
			"action", cmd.Action,
			"instrument", inst,
			"error", err,
		)
		return errorReply(classify(err), err.Error())
	}

	if cmd.Action == ActionSubscribe {
		return Reply{Type: ReplySubscribed, Instrument: inst}
	}
	return Reply{Type: ReplyUnsubscribed, Instrument: inst}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// classify maps a command error to a reply code.
func classify(err error) string {
	switch {
	case errors.Is(err, mux.ErrInvalidInstrument):
		return CodeValidation
	case errors.Is(err, registry.ErrCapacity):
		return CodeCapacity
	case errors.Is(err, upstream.ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, upstream.ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return CodeConnection
	case errors.Is(err, mux.ErrStopped), errors.Is(err, mux.ErrNotStarted):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

func errorReply(code, msg string) Reply {
	return Reply{Type: ReplyError, Code: code, Error: msg}
}
