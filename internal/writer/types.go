package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds the events waiting to be batched. Record drops
	// events once it is full.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// positionRow represents a row to be inserted into the position_events table.
type positionRow struct {
	EventID    string // UUID
	RecordedAt int64  // Microseconds
	Position   int64
	Symbol     string
	Kind       string
	Cmd        *int
	Volume     *string // NUMERIC, NULL for tombstones
	OpenPrice  *string
	ClosePrice *string
	StopLoss   *string
	TakeProfit *string
	Profit     *string
	Closed     bool
	Payload    []byte // JSONB: the full trade record
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64
	Errors    int64
	Flushes   int64
}
