package command

import (
	"github.com/rickgao/xapi-client/internal/model"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/queue"
)

// SendCommand sends command with args and returns its transaction. The
// transaction is rejected without touching the connection when the channel is
// disconnected, when no session exists and command needs one, or when safe
// mode forbids it.
func (c *Channel) SendCommand(command string, args any, urgent bool) *queue.Transaction {
	req := queue.Request{Command: command, Urgent: urgent}

	switch {
	case !c.Connected():
		return c.rejectLocal(req, protocol.ErrSocketClosed)
	case !protocol.AlwaysPermitted(command) && !c.token.Active():
		return c.rejectLocal(req, protocol.ErrNotLoggedIn)
	case c.cfg.SafeMode && command == protocol.CmdTradeTransaction:
		return c.rejectLocal(req, protocol.ErrTradingDisabled)
	}

	req.Encode = func(tag string) ([]byte, error) {
		return protocol.EncodeRequest(command, args, tag)
	}
	return c.queue.Enqueue(req)
}

func (c *Channel) rejectLocal(req queue.Request, err error) *queue.Transaction {
	tx := c.queue.Add(req)
	c.queue.Reject(tx.ID, err, false)
	return tx
}

// Ping keeps the session alive.
func (c *Channel) Ping() *queue.Transaction {
	return c.SendCommand(protocol.CmdPing, nil, true)
}

// Login authenticates with the configured credentials. It resolves with
// protocol.LoginReply.
func (c *Channel) Login() *queue.Transaction {
	args := map[string]any{
		"userId":   c.cfg.AccountID,
		"password": c.cfg.Password,
	}
	if c.cfg.AppName != "" {
		args["appName"] = c.cfg.AppName
	}
	return c.SendCommand(protocol.CmdLogin, args, true)
}

// Logout ends the session.
func (c *Channel) Logout() *queue.Transaction {
	return c.SendCommand(protocol.CmdLogout, nil, true)
}

// GetServerTime resolves with model.ServerTime.
func (c *Channel) GetServerTime() *queue.Transaction {
	return c.SendCommand(protocol.CmdGetServerTime, nil, false)
}

// GetTrades resolves with []model.Trade.
func (c *Channel) GetTrades(openedOnly bool) *queue.Transaction {
	return c.SendCommand(protocol.CmdGetTrades, map[string]any{"openedOnly": openedOnly}, false)
}

// GetAllSymbols resolves with []model.Symbol.
func (c *Channel) GetAllSymbols() *queue.Transaction {
	return c.SendCommand(protocol.CmdGetAllSymbols, nil, false)
}

// TradeTransaction opens, modifies or closes a position. It resolves with
// model.TradeTransResult.
func (c *Channel) TradeTransaction(info model.TradeTransInfo) *queue.Transaction {
	return c.SendCommand(protocol.CmdTradeTransaction, map[string]any{"tradeTransInfo": info}, false)
}
