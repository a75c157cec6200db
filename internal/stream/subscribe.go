package stream

import (
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/queue"
)

// send enqueues a stream request carrying the current session. Requests
// without a session or connection are rejected locally.
func (c *Channel) send(command string, args map[string]any, urgent bool) *queue.Transaction {
	req := queue.Request{Command: command, Urgent: urgent}

	sessionID := c.token.Get()
	switch {
	case !c.Connected():
		return c.rejectLocal(req, protocol.ErrStreamClosed)
	case sessionID == "":
		return c.rejectLocal(req, protocol.ErrNotLoggedIn)
	}

	req.Encode = func(tag string) ([]byte, error) {
		return protocol.EncodeStreamRequest(command, sessionID, args, tag)
	}
	return c.queue.Enqueue(req)
}

func (c *Channel) rejectLocal(req queue.Request, err error) *queue.Transaction {
	tx := c.queue.Add(req)
	c.queue.Reject(tx.ID, err, false)
	return tx
}

// Subscribe starts the pushes for topic.
func (c *Channel) Subscribe(topic string, args map[string]any) *queue.Transaction {
	return c.send(topic, args, false)
}

// Unsubscribe stops the pushes for topic. args must identify the subscription
// the same way Subscribe did (e.g. the symbol).
func (c *Channel) Unsubscribe(topic string, args map[string]any) *queue.Transaction {
	return c.send(protocol.StopCommand(topic), args, false)
}

// Ping keeps the stream session alive.
func (c *Channel) Ping() *queue.Transaction {
	return c.send(protocol.CmdPing, nil, true)
}

// SubscribeTrades streams position changes as protocol.EventTrade.
func (c *Channel) SubscribeTrades() *queue.Transaction {
	return c.Subscribe(protocol.TopicTrades, nil)
}

// SubscribeTickPrices streams quotes for symbol as protocol.EventTickPrices.
// Zero minArrivalTime or maxLevel leave the server defaults.
func (c *Channel) SubscribeTickPrices(symbol string, minArrivalTime, maxLevel int) *queue.Transaction {
	args := map[string]any{"symbol": symbol}
	if minArrivalTime > 0 {
		args["minArrivalTime"] = minArrivalTime
	}
	if maxLevel > 0 {
		args["maxLevel"] = maxLevel
	}
	return c.Subscribe(protocol.TopicTickPrices, args)
}

// SubscribeKeepAlive streams protocol.EventKeepAlive.
func (c *Channel) SubscribeKeepAlive() *queue.Transaction {
	return c.Subscribe(protocol.TopicKeepAlive, nil)
}

// SubscribeBalance streams protocol.EventBalance.
func (c *Channel) SubscribeBalance() *queue.Transaction {
	return c.Subscribe(protocol.TopicBalance, nil)
}

// SubscribeCandles streams one-minute candles for symbol as protocol.EventCandle.
func (c *Channel) SubscribeCandles(symbol string) *queue.Transaction {
	return c.Subscribe(protocol.TopicCandles, map[string]any{"symbol": symbol})
}
