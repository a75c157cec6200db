package command

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/protocol"
)

// startLogin runs the login sequence for connection gen once the settle
// delay has passed.
func (c *Channel) startLogin(gen uint64) {
	if !c.current(gen) {
		return
	}
	policy := backoff.NewConstantBackOff(c.cfg.LoginBackoff)
	c.tryLogin(gen, c.cfg.LoginRetries, policy)
}

// tryLogin sends one login and, on a recoverable failure, schedules the next
// attempt while retries remain.
func (c *Channel) tryLogin(gen uint64, retries int, policy backoff.BackOff) {
	tx := c.Login()

	go func() {
		_, err := tx.Wait(context.Background())
		if err == nil {
			metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
			c.logger.Info("logged in", "account_id", c.cfg.AccountID)
			c.Ping()
			return
		}

		switch protocol.ErrorCode(err) {
		case protocol.CodeSocketClosed:
			metrics.LoginAttemptsTotal.WithLabelValues("aborted").Inc()
			return

		case protocol.CodeLoginFatal:
			metrics.LoginAttemptsTotal.WithLabelValues("fatal").Inc()
			c.logger.Error("login rejected", "account_id", c.cfg.AccountID, "error", err)
			if c.onFatal != nil {
				go c.onFatal(err)
			}
			return
		}

		metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		if retries <= 0 {
			c.logger.Error("login failed", "account_id", c.cfg.AccountID, "error", err)
			return
		}

		delay := policy.NextBackOff()
		c.logger.Warn("login failed, retrying",
			"error", err,
			"retries_left", retries,
			"delay", delay,
		)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || c.state != protocol.Connected {
			return
		}
		c.loginTimer = time.AfterFunc(delay, func() {
			if c.current(gen) {
				c.tryLogin(gen, retries-1, policy)
			}
		})
	}()
}
