package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tickmux/internal/api"
	"github.com/rickgao/tickmux/internal/auth"
	"github.com/rickgao/tickmux/internal/config"
	"github.com/rickgao/tickmux/internal/database"
	"github.com/rickgao/tickmux/internal/downstream"
	"github.com/rickgao/tickmux/internal/journal"
	"github.com/rickgao/tickmux/internal/logging"
	"github.com/rickgao/tickmux/internal/metrics"
	"github.com/rickgao/tickmux/internal/mux"
	"github.com/rickgao/tickmux/internal/upstream"
	"github.com/rickgao/tickmux/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/multiplexer.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional .env file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger, flush, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting multiplexer",
		"build", version.String(),
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("multiplexer failed", "error", err)
		flush()
		os.Exit(1)
	}

	logger.Info("multiplexer stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, closeTokens, err := newTokenProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTokens()

	// Journal (optional)
	var (
		rec    journal.Recorder = journal.Discard{}
		writer *journal.Writer
		pool   *pgxpool.Pool
	)
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.Config{
			BufferSize:    cfg.Journal.BufferSize,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, pool, logger.With("component", "journal"))
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		rec = writer
		logger.Info("journal enabled")
	} else {
		logger.Info("no database configured, journal disabled")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.New(reg)

	// Multiplexer
	m := mux.New(muxConfig(cfg), tokens,
		mux.WithLogger(logger),
		mux.WithJournal(rec),
		mux.WithObserver(observer),
	)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start multiplexer: %w", err)
	}

	// Downstream
	server := downstream.NewServer(downstreamConfig(cfg), m, rec, logger.With("component", "downstream"))

	sources := metrics.Sources{Mux: m.Stats, Downstream: server.Stats}
	if writer != nil {
		sources.Journal = writer.Stats
	}
	metrics.Register(reg, sources)

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.Downstream.Path, server)
	wsServer := &http.Server{
		Addr:              cfg.Downstream.Addr,
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newOpsHandler(cfg.Metrics.Path, reg, m, pool, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ops server", "addr", opsServer.Addr)
		return listen(opsServer)
	})
	g.Go(func() error {
		logger.Info("starting downstream server", "addr", wsServer.Addr, "path", cfg.Downstream.Path)
		return listen(wsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting consumers, then drop the existing ones.
		wsServer.Shutdown(shutdownCtx)
		server.Close()

		if err := m.Stop(shutdownCtx); err != nil {
			logger.Warn("multiplexer stop", "error", err)
		}
		if writer != nil {
			if err := writer.Stop(shutdownCtx); err != nil {
				logger.Warn("journal stop", "error", err)
			}
		}

		opsServer.Shutdown(shutdownCtx)
		return nil
	})

	logger.Info("multiplexer running",
		"ws_url", cfg.Upstream.WSURL,
		"downstream", cfg.Downstream.Addr+cfg.Downstream.Path,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	return g.Wait()
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return nil
}

// newTokenProvider builds the token source: a static token, or REST issue
// cached in Redis or memory.
func newTokenProvider(cfg *config.Config, logger *slog.Logger) (mux.TokenProvider, func(), error) {
	if cfg.Token.Static != "" {
		logger.Info("using static access token")
		return auth.StaticProvider(cfg.Token.Static), func() {}, nil
	}

	client := api.NewClient(
		cfg.Token.RestURL,
		cfg.Token.AppKey,
		cfg.Token.SecretKey,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.Token.Timeout),
		api.WithRetries(cfg.Token.MaxRetries, time.Second),
	)

	var (
		store   auth.Store
		cleanup = func() {}
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		store = auth.NewRedisStore(rdb, cfg.Redis.Key)
		cleanup = func() { rdb.Close() }
		logger.Info("caching access token in redis", "addr", opts.Addr, "db", opts.DB, "key", cfg.Redis.Key)
	}

	provider := auth.NewCachingProvider(
		auth.Config{ExpiryMargin: cfg.Token.ExpiryMargin},
		client,
		store,
		logger.With("component", "auth"),
	)
	return provider, cleanup, nil
}

func muxConfig(cfg *config.Config) mux.Config {
	u := cfg.Upstream
	return mux.Config{
		Upstream: upstream.Config{
			URL:              u.WSURL,
			HandshakeTimeout: u.HandshakeTimeout,
			WriteTimeout:     u.WriteTimeout,
			LoginTimeout:     u.LoginTimeout,
			StaleTimeout:     u.StaleTimeout,
			RealTypes:        u.RealTypes,
			UserAgent:        version.UserAgent(),
		},
		GroupCeiling:         u.GroupCeiling,
		ConnectTimeout:       u.ConnectTimeout,
		ReconnectBaseDelay:   u.ReconnectBaseDelay,
		ReconnectMaxDelay:    u.ReconnectMaxDelay,
		MaxReconnectAttempts: u.MaxReconnectAttempts,
	}
}

func downstreamConfig(cfg *config.Config) downstream.Config {
	d := cfg.Downstream
	def := downstream.DefaultConfig()
	return downstream.Config{
		QueueSize:       d.QueueSize,
		WriteTimeout:    d.WriteTimeout,
		PongTimeout:     d.PongTimeout,
		PingInterval:    d.PingInterval,
		CommandTimeout:  d.CommandTimeout,
		MaxMessageSize:  d.MaxMessageSize,
		ReadBufferSize:  def.ReadBufferSize,
		WriteBufferSize: def.WriteBufferSize,
		AllowedOrigins:  d.AllowedOrigins,
	}
}
