package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/queue"
)

// maintenance is the set of timers that run while the session is ready.
// stop cancels every one of them and waits for running work to finish.
type maintenance struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Coordinator) startMaintenance() *maintenance {
	ctx, cancel := context.WithCancel(context.Background())
	m := &maintenance{ctx: ctx, cancel: cancel}

	m.every(c.cfg.MaintenanceInterval, func() { c.maintain(m) })
	m.every(c.cfg.ResubscribeInterval, c.resubscribe)
	return m
}

// every runs fn each interval until stop.
func (m *maintenance) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// after runs fn once after d unless stopped first.
func (m *maintenance) after(d time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-m.ctx.Done():
		case <-t.C:
			fn()
		}
	}()
}

func (m *maintenance) stop() {
	m.cancel()
	m.wg.Wait()
}

// maintain is one maintenance cycle. The follow-up commands are staggered so
// the cycle never bursts into the rate limiter.
func (c *Coordinator) maintain(m *maintenance) {
	if c.cmd.Connected() {
		c.watch(m, c.cmd.Ping())
	}
	if c.stream.Connected() {
		c.watch(m, c.stream.Ping())
	}

	m.after(c.cfg.FollowUpDelay, func() {
		if c.cmd.Connected() && !c.cmd.Queue().Contains(protocol.CmdGetServerTime) {
			c.watch(m, c.cmd.GetServerTime())
		}
	})
	m.after(2*c.cfg.FollowUpDelay, func() {
		if c.cmd.Connected() && !c.cmd.Queue().Contains(protocol.CmdGetTrades) {
			c.watch(m, c.cmd.GetTrades(true))
		}
	})

	for _, q := range []*queue.Queue{c.cmd.Queue(), c.stream.Queue()} {
		if n := q.RejectStale(c.cfg.StaleAfter); n > 0 {
			c.logger.Warn("rejected stale transactions", "count", n)
		}
		if c.cfg.HighWaterMark > 0 && q.Len() > c.cfg.HighWaterMark {
			n := q.PurgeCompleted(c.cfg.PurgeAfter)
			c.logger.Info("purged completed transactions", "count", n, "remaining", q.Len())
		}
	}

	c.book.Prune()
	metrics.OpenPositions.Set(float64(len(c.book.Open())))
}

// watch logs a maintenance command that fails. Failures never stop the cycle.
func (c *Coordinator) watch(m *maintenance, tx *queue.Transaction) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := tx.Wait(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("maintenance command failed",
				"command", tx.Command,
				"transaction_id", tx.ID,
				"error", err,
			)
		}
	}()
}
