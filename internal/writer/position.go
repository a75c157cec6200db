package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/model"
)

const insertPositionEvent = `
	INSERT INTO position_events (event_id, recorded_at, position, symbol, kind, cmd,
		volume, open_price, close_price, sl, tp, profit, closed, payload)
	VALUES ($1::uuid, $2, $3, $4, $5, $6,
		$7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14)
	ON CONFLICT (event_id) DO NOTHING
`

// BatchSender is the part of *pgxpool.Pool the writer uses.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PositionWriter consumes position events and writes them to the
// position_events table.
type PositionWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the coordinator
	input chan model.PositionEvent

	// Database
	db BatchSender

	// Batching
	batch   []positionRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewPositionWriter creates a new PositionWriter.
func NewPositionWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *PositionWriter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &PositionWriter{
		cfg:    cfg,
		db:     db,
		logger: logger.With("writer", "position_events"),
		input:  make(chan model.PositionEvent, cfg.BufferSize),
		batch:  make([]positionRow, 0, cfg.BatchSize),
	}
}

// Record queues ev for writing. It never blocks; false means the buffer was
// full and the event was dropped.
func (w *PositionWriter) Record(ev model.PositionEvent) bool {
	select {
	case w.input <- ev:
		return true
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		metrics.JournalRowsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Start begins consuming events and writing to the database.
func (w *PositionWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("position writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered events and flushes them, bounded by ctx.
func (w *PositionWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping position writer")

	if w.cancel != nil {
		w.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("position writer stop timed out")
		return ctx.Err()
	}

	// Drain whatever is still buffered
drain:
	for {
		select {
		case ev := <-w.input:
			w.add(ev)
		default:
			break drain
		}
	}

	w.flush(ctx)
	w.logger.Info("position writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *PositionWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads events, accumulates batches and flushes on size or interval.
func (w *PositionWriter) consumeLoop() {
	defer w.wg.Done()

	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultWriterConfig().FlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.input:
			if w.add(ev) {
				w.flush(w.ctx)
			}
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add transforms ev into the batch and reports whether the batch is full.
func (w *PositionWriter) add(ev model.PositionEvent) bool {
	row := w.transform(ev)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a PositionEvent to a positionRow.
func (w *PositionWriter) transform(ev model.PositionEvent) positionRow {
	row := positionRow{
		EventID:    ev.ID.String(),
		RecordedAt: ev.At.UnixMicro(),
		Position:   ev.Position,
		Symbol:     ev.Symbol,
		Kind:       string(ev.Kind),
		Closed:     true,
	}

	t := ev.Trade
	if t == nil {
		return row
	}
	if row.Symbol == "" {
		row.Symbol = t.Symbol
	}
	cmd := t.Cmd
	row.Cmd = &cmd
	row.Volume = numeric(t.Volume)
	row.OpenPrice = numeric(t.OpenPrice)
	row.ClosePrice = numeric(t.ClosePrice)
	row.StopLoss = numeric(t.StopLoss)
	row.TakeProfit = numeric(t.TakeProfit)
	row.Profit = numeric(t.Profit)
	row.Closed = t.Closed
	row.Payload = tradeToJSONB(t)
	return row
}

// flush writes the current batch to the database.
func (w *PositionWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]positionRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		metrics.JournalRowsTotal.WithLabelValues("failed").Add(float64(len(batch)))
		return
	}

	inserted := len(batch) - conflicts
	w.batchMu.Lock()
	w.metrics.Inserts += int64(inserted)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()
	metrics.JournalRowsTotal.WithLabelValues("inserted").Add(float64(inserted))

	w.logger.Debug("flushed position events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *PositionWriter) batchInsert(ctx context.Context, rows []positionRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPositionEvent,
			r.EventID, r.RecordedAt, r.Position, r.Symbol, r.Kind, r.Cmd,
			r.Volume, r.OpenPrice, r.ClosePrice, r.StopLoss, r.TakeProfit, r.Profit,
			r.Closed, r.Payload,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
