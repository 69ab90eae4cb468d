package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/techsuite-notify/internal/connection"
)

// Schema creates the notifications table.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id            BIGSERIAL PRIMARY KEY,
	received_at   TIMESTAMPTZ NOT NULL,
	connection_id UUID NOT NULL,
	type          TEXT,
	channel       TEXT,
	payload       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_received_at_idx ON notifications (received_at);
CREATE INDEX IF NOT EXISTS notifications_channel_idx ON notifications (channel, received_at);
`

const insertSQL = `
	INSERT INTO notifications (received_at, connection_id, type, channel, payload)
	VALUES ($1, $2, $3, $4, $5)
`

// DB is the subset of *pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder receives journal metrics.
type Recorder interface {
	BatchWritten(n int, elapsed time.Duration)
	BatchFailed(n int)
}

// Config holds writer settings.
type Config struct {
	BatchSize     int           // Rows per INSERT batch
	FlushInterval time.Duration // Max time a row waits in a partial batch
	BufferSize    int           // Frames buffered between the manager and the writer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats contains writer counters.
type Stats struct {
	Inserts  int64 `json:"inserts"`
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"errors"`
	Dropped  int64 `json:"dropped"`  // Evicted from a full buffer
	Buffered int   `json:"buffered"` // Frames waiting to be batched
}

// Writer batches frames into the notifications table.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     DB
	rec    Recorder

	// Input from the Connection Manager tap
	input  *connection.Queue[connection.Frame]
	notify chan struct{}

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

type row struct {
	ReceivedAt   time.Time
	ConnectionID uuid.UUID
	Type         *string
	Channel      *string
	Payload      json.RawMessage
}

// NewWriter creates a Writer. rec may be nil.
func NewWriter(cfg Config, db DB, rec Recorder, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		rec:    rec,
		logger: logger,
		input:  connection.NewQueue[connection.Frame](cfg.BufferSize, connection.DropOldest),
		notify: make(chan struct{}, 1),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the notifications table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Handle buffers one frame. It never blocks; it is meant to be registered
// with Manager.OnFrame.
func (w *Writer) Handle(f connection.Frame) {
	evicted, _ := w.input.Push(f)
	if evicted {
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Start begins consuming frames and writing to the database.
func (w *Writer) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
}

// Stop shuts the writer down and flushes whatever is buffered using ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
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
		return ctx.Err()
	}

	// Final flush
	w.collect()
	for w.pending() > 0 {
		if !w.flush(ctx) {
			break
		}
	}

	w.logger.Info("journal writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	s := w.stats
	s.Buffered = len(w.batch)
	w.batchMu.Unlock()
	s.Buffered += w.input.Len()
	return s
}

// consumeLoop moves buffered frames into the batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.notify:
			if w.collect() {
				w.flush(w.ctx)
			}
		}
	}
}

// flushLoop periodically flushes partial batches.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// collect drains the input queue into the batch and reports whether the
// batch reached BatchSize.
func (w *Writer) collect() bool {
	frames := w.input.Drain()

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	for _, f := range frames {
		w.batch = append(w.batch, transform(f))
	}
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) pending() int {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return len(w.batch)
}

// transform converts a Frame to a row. Missing type or channel become NULL.
func transform(f connection.Frame) row {
	return row{
		ReceivedAt:   f.ReceivedAt.UTC(),
		ConnectionID: f.ConnID,
		Type:         nullable(f.Type),
		Channel:      nullable(f.Channel),
		Payload:      f.Data,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flush writes up to BatchSize rows and reports whether the insert succeeded.
// Failed rows are dropped and counted.
func (w *Writer) flush(ctx context.Context) bool {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return true
	}

	// Take ownership of up to one batch
	n := len(w.batch)
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	batch := make([]row, n)
	copy(batch, w.batch[:n])
	w.batch = append(w.batch[:0], w.batch[n:]...)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		if w.rec != nil {
			w.rec.BatchFailed(len(batch))
		}
		return false
	}

	elapsed := time.Since(start)

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch))
	w.stats.Flushes++
	w.batchMu.Unlock()
	if w.rec != nil {
		w.rec.BatchWritten(len(batch), elapsed)
	}

	w.logger.Debug("flushed notifications",
		"count", len(batch),
		"duration", elapsed,
	)
	return true
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(ctx context.Context, rows []row) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ReceivedAt, r.ConnectionID, r.Type, r.Channel, r.Payload)
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
