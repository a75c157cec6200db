package coordinator

import (
	"github.com/google/uuid"

	"github.com/rickgao/xapi-client/internal/command"
	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/model"
	"github.com/rickgao/xapi-client/internal/positions"
	"github.com/rickgao/xapi-client/internal/stream"
)

// onTrades applies a getTrades reply as a snapshot.
func (c *Coordinator) onTrades(r command.Reply) {
	var trades []model.Trade
	if err := r.Decode(&trades); err != nil {
		c.logger.Error("decode trades", "error", err)
		return
	}

	changes, ok := c.book.ApplySnapshot(trades, r.SentAt)
	if !ok {
		metrics.SnapshotsTotal.WithLabelValues("stale").Inc()
		c.logger.Debug("discarded stale snapshot",
			"transaction_id", r.TransactionID,
			"age", r.Received.Sub(r.SentAt),
		)
		return
	}
	metrics.SnapshotsTotal.WithLabelValues("applied").Inc()

	for _, ch := range changes {
		c.record(ch)
	}
	metrics.OpenPositions.Set(float64(len(c.book.Open())))
}

// onTradeEvent applies one stream trade event as a delta.
func (c *Coordinator) onTradeEvent(e stream.Event) {
	var tr model.Trade
	if err := e.Decode(&tr); err != nil {
		c.logger.Error("decode trade event", "error", err)
		return
	}

	ch, ok := c.book.ApplyDelta(tr)
	if !ok {
		return
	}
	c.record(ch)
	metrics.OpenPositions.Set(float64(len(c.book.Open())))
}

func (c *Coordinator) record(ch positions.Change) {
	if c.journal == nil {
		return
	}
	ev := model.PositionEvent{
		ID:       uuid.New(),
		Position: ch.Position.ID,
		Symbol:   ch.Position.Symbol,
		Kind:     ch.Kind,
		Trade:    ch.Position.Value,
		At:       ch.Position.LastUpdated,
	}
	if !c.journal.Record(ev) {
		c.logger.Warn("journal full, position event dropped", "position", ev.Position)
	}
}

// Positions returns every tracked position, including recently closed ones.
func (c *Coordinator) Positions() []positions.Position {
	return c.book.Positions()
}

// OpenPositions returns the open positions.
func (c *Coordinator) OpenPositions() []positions.Position {
	return c.book.Open()
}
