package protocol

import "strings"

// Command connection commands.
const (
	CmdLogin            = "login"
	CmdLogout           = "logout"
	CmdPing             = "ping"
	CmdGetServerTime    = "getServerTime"
	CmdGetTrades        = "getTrades"
	CmdGetAllSymbols    = "getAllSymbols"
	CmdTradeTransaction = "tradeTransaction"
)

// Stream subscription topics. Each has a matching stop command (see StopCommand).
const (
	TopicTrades     = "getTrades"
	TopicTickPrices = "getTickPrices"
	TopicKeepAlive  = "getKeepAlive"
	TopicBalance    = "getBalance"
	TopicCandles    = "getCandles"
)

// Stream push event names.
const (
	EventTrade      = "trade"
	EventTickPrices = "tickPrices"
	EventKeepAlive  = "keepAlive"
	EventBalance    = "balance"
	EventCandle     = "candle"
)

// AlwaysPermitted reports whether command may be sent without a session.
func AlwaysPermitted(command string) bool {
	switch command {
	case CmdLogin, CmdPing, CmdLogout:
		return true
	}
	return false
}

// StopCommand returns the unsubscribe command for a subscription topic
// ("getTickPrices" -> "stopTickPrices").
func StopCommand(topic string) string {
	if rest, ok := strings.CutPrefix(topic, "get"); ok {
		return "stop" + rest
	}
	return "stop" + topic
}
