package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tickmux/internal/buffer"
)

// BatchSender sends a queued batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertEntrySQL = `
	INSERT INTO feed_events (id, occurred_at, kind, instrument, grp_no, consumer_id, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

// Writer buffers entries and writes them to feed_events in batches.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	// Input
	input *buffer.Ring[Entry]

	// Database
	db BatchSender

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flushMu serialises flushes so rows keep their order.
	flushMu sync.Mutex

	mu      sync.Mutex
	metrics Metrics
}

// NewWriter creates a journal writer over db.
func NewWriter(cfg Config, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		input:  buffer.NewRing[Entry](cfg.BufferSize),
		db:     db,
	}
}

// Record queues e. If the buffer is full the oldest queued entry is dropped.
func (w *Writer) Record(e Entry) {
	w.input.Push(e)
}

// Start begins flushing in the background.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the background loop and flushes what is left.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush
	w.input.Close()
	if ctx.Err() != nil {
		w.logger.Warn("skipping final journal flush", "pending", w.input.Len())
	} else {
		w.flushAll(ctx)
	}

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.metrics
	m.Dropped = w.input.Stats().Dropped
	return m
}

// flushLoop flushes on every interval and whenever a full batch is queued.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushAll(w.ctx)
		case <-w.input.Ready():
			if w.input.Len() >= w.cfg.BatchSize {
				w.flushAll(w.ctx)
			}
		}
	}
}

// flushAll drains the buffer in batches.
func (w *Writer) flushAll(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		batch := w.input.DrainTo(w.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		w.flush(ctx, batch)
	}
}

// flush writes one batch to the database.
func (w *Writer) flush(ctx context.Context, batch []Entry) {
	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed journal entries",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(ctx context.Context, rows []Entry) error {
	batch := &pgx.Batch{}
	for _, e := range rows {
		batch.Queue(insertEntrySQL,
			e.ID, e.At, string(e.Kind), nullString(string(e.Instrument)), groupParam(e), nullString(e.Consumer), nullString(e.Detail),
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func groupParam(e Entry) *int32 {
	if e.Group == nil {
		return nil
	}
	g := int32(*e.Group)
	return &g
}
