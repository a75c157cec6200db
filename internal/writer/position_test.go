package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/xapi-client/internal/model"
)

// fakeDB records every batch and answers each statement with rowsAffected.
type fakeDB struct {
	mu       sync.Mutex
	batches  []int
	affected string
	err      error
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	f.batches = append(f.batches, b.Len())
	f.mu.Unlock()
	return &fakeResults{tag: pgconn.NewCommandTag(f.affected), err: f.err}
}

func (f *fakeDB) sent() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

type fakeResults struct {
	tag pgconn.CommandTag
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) { return r.tag, r.err }
func (r *fakeResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r *fakeResults) QueryRow() pgx.Row                { return nil }
func (r *fakeResults) Close() error                     { return nil }

func testEvent(pos int64, tr *model.Trade) model.PositionEvent {
	return model.PositionEvent{
		ID:       uuid.New(),
		Position: pos,
		Symbol:   "EURUSD",
		Kind:     model.EventDeltaOpen,
		Trade:    tr,
		At:       time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestPositionWriter_Transform(t *testing.T) {
	w := NewPositionWriter(DefaultWriterConfig(), nil, nil)

	tr := &model.Trade{
		Cmd:       model.CmdBuy,
		Position:  7,
		Symbol:    "EURUSD",
		Volume:    decimal.RequireFromString("0.10"),
		OpenPrice: decimal.RequireFromString("1.08452"),
		Profit:    decimal.RequireFromString("-3.5"),
	}
	ev := testEvent(7, tr)

	row := w.transform(ev)

	assert.Equal(t, ev.ID.String(), row.EventID)
	assert.Equal(t, ev.At.UnixMicro(), row.RecordedAt)
	assert.Equal(t, int64(7), row.Position)
	assert.Equal(t, "delta_open", row.Kind)
	require.NotNil(t, row.Cmd)
	assert.Equal(t, model.CmdBuy, *row.Cmd)
	require.NotNil(t, row.Volume)
	assert.Equal(t, "0.1", *row.Volume)
	assert.Equal(t, "1.08452", *row.OpenPrice)
	assert.Equal(t, "-3.5", *row.Profit)
	assert.False(t, row.Closed)
	assert.JSONEq(t, `{"cmd":0,"order":0,"order2":0,"position":7,"symbol":"EURUSD","volume":0.1,
		"open_price":1.08452,"close_price":0,"sl":0,"tp":0,"profit":-3.5,"storage":0,"commission":0,
		"open_time":0,"close_time":null,"closed":false,"comment":"","customComment":""}`, string(row.Payload))
}

func TestPositionWriter_Transform_Tombstone(t *testing.T) {
	w := NewPositionWriter(DefaultWriterConfig(), nil, nil)

	ev := testEvent(9, nil)
	ev.Kind = model.EventDeltaClose

	row := w.transform(ev)

	assert.True(t, row.Closed)
	assert.Equal(t, "delta_close", row.Kind)
	assert.Nil(t, row.Cmd)
	assert.Nil(t, row.Volume)
	assert.Nil(t, row.Payload)
}

func TestPositionWriter_RecordDropsWhenFull(t *testing.T) {
	cfg := WriterConfig{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 1}
	w := NewPositionWriter(cfg, nil, nil)

	assert.True(t, w.Record(testEvent(1, nil)))
	assert.False(t, w.Record(testEvent(2, nil)))
	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestPositionWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{affected: "INSERT 0 1"}
	cfg := WriterConfig{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 10}
	w := NewPositionWriter(cfg, db, nil)
	require.NoError(t, w.Start(context.Background()))

	w.Record(testEvent(1, &model.Trade{Position: 1}))
	w.Record(testEvent(2, &model.Trade{Position: 2}))

	require.Eventually(t, func() bool { return len(db.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, db.sent())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Inserts)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestPositionWriter_StopFlushesRemainder(t *testing.T) {
	db := &fakeDB{affected: "INSERT 0 0"}
	cfg := WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}
	w := NewPositionWriter(cfg, db, nil)
	require.NoError(t, w.Start(context.Background()))

	w.Record(testEvent(1, nil))
	w.Record(testEvent(2, nil))
	w.Record(testEvent(3, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Equal(t, []int{3}, db.sent())
	stats := w.Stats()
	assert.Equal(t, int64(0), stats.Inserts)
	assert.Equal(t, int64(3), stats.Conflicts)
}

func TestPositionWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	cfg := WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}
	w := NewPositionWriter(cfg, db, nil)

	w.add(testEvent(1, nil))
	w.flush(context.Background())

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(0), stats.Inserts)
}

func TestPositionWriter_Lifecycle(t *testing.T) {
	cfg := WriterConfig{BatchSize: 10, FlushInterval: 10 * time.Millisecond, BufferSize: 10}
	w := NewPositionWriter(cfg, &fakeDB{affected: "INSERT 0 1"}, nil)

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	// Stop should complete without hanging
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(ctx))
}
