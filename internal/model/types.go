package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// The broker expects numeric fields as JSON numbers.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// -----------------------------------------------------------------------------
// Trade records
// -----------------------------------------------------------------------------

// Trade command codes.
const (
	CmdBuy       = 0
	CmdSell      = 1
	CmdBuyLimit  = 2
	CmdSellLimit = 3
	CmdBuyStop   = 4
	CmdSellStop  = 5
	CmdBalance   = 6
	CmdCredit    = 7
)

// Trade state tags carried by stream trade events.
const (
	StateCreated  = "Created"
	StateModified = "Modified"
	StateDeleted  = "Deleted"
)

// Trade is one trade record, as returned by getTrades and pushed on the
// stream "trade" topic.
type Trade struct {
	Cmd           int             `json:"cmd"`
	Order         int64           `json:"order"`
	Order2        int64           `json:"order2"`
	Position      int64           `json:"position"`
	Symbol        string          `json:"symbol"`
	Volume        decimal.Decimal `json:"volume"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	ClosePrice    decimal.Decimal `json:"close_price"`
	StopLoss      decimal.Decimal `json:"sl"`
	TakeProfit    decimal.Decimal `json:"tp"`
	Profit        decimal.Decimal `json:"profit"`
	Storage       decimal.Decimal `json:"storage"`
	Commission    decimal.Decimal `json:"commission"`
	OpenTime      int64           `json:"open_time"`
	CloseTime     *int64          `json:"close_time"`
	Closed        bool            `json:"closed"`
	Comment       string          `json:"comment"`
	CustomComment string          `json:"customComment"`
	State         string          `json:"state,omitempty"`
	Type          int             `json:"type,omitempty"`
}

// IsBalance reports whether the record is a balance or credit operation
// rather than a market position.
func (t Trade) IsBalance() bool {
	return t.Cmd == CmdBalance || t.Cmd == CmdCredit
}

// IsDeleted reports whether a stream event closes the position.
func (t Trade) IsDeleted() bool {
	return strings.EqualFold(t.State, StateDeleted)
}

// -----------------------------------------------------------------------------
// Command replies
// -----------------------------------------------------------------------------

// ServerTime is the getServerTime reply.
type ServerTime struct {
	Time       int64  `json:"time"`
	TimeString string `json:"timeString"`
}

// Offset returns the server clock minus the local clock at receivedAt.
func (s ServerTime) Offset(receivedAt time.Time) time.Duration {
	return time.UnixMilli(s.Time).Sub(receivedAt)
}

// Symbol is one entry of the getAllSymbols reply.
type Symbol struct {
	Symbol       string          `json:"symbol"`
	Description  string          `json:"description"`
	Currency     string          `json:"currency"`
	CategoryName string          `json:"categoryName"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Precision    int             `json:"precision"`
	LotMin       decimal.Decimal `json:"lotMin"`
	LotMax       decimal.Decimal `json:"lotMax"`
	LotStep      decimal.Decimal `json:"lotStep"`
}

// TradeTransInfo is the tradeTransaction argument.
type TradeTransInfo struct {
	Cmd           int             `json:"cmd"`
	CustomComment string          `json:"customComment"`
	Expiration    int64           `json:"expiration"`
	Offset        int             `json:"offset"`
	Order         int64           `json:"order"`
	Price         decimal.Decimal `json:"price"`
	StopLoss      decimal.Decimal `json:"sl"`
	Symbol        string          `json:"symbol"`
	TakeProfit    decimal.Decimal `json:"tp"`
	Type          int             `json:"type"`
	Volume        decimal.Decimal `json:"volume"`
}

// TradeTransResult is the tradeTransaction reply.
type TradeTransResult struct {
	Order int64 `json:"order"`
}

// -----------------------------------------------------------------------------
// Stream payloads
// -----------------------------------------------------------------------------

// TickPrice is one "tickPrices" push.
type TickPrice struct {
	Symbol    string          `json:"symbol"`
	Ask       decimal.Decimal `json:"ask"`
	Bid       decimal.Decimal `json:"bid"`
	AskVolume decimal.Decimal `json:"askVolume"`
	BidVolume decimal.Decimal `json:"bidVolume"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Level     int             `json:"level"`
	SpreadRaw decimal.Decimal `json:"spreadRaw"`
	Timestamp int64           `json:"timestamp"`
}

// Balance is one "balance" push.
type Balance struct {
	Balance     decimal.Decimal `json:"balance"`
	Credit      decimal.Decimal `json:"credit"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	MarginFree  decimal.Decimal `json:"marginFree"`
	MarginLevel decimal.Decimal `json:"marginLevel"`
}

// -----------------------------------------------------------------------------
// Journal records
// -----------------------------------------------------------------------------

// PositionEventKind classifies a journaled position change.
type PositionEventKind string

const (
	EventSnapshot   PositionEventKind = "snapshot"
	EventDeltaOpen  PositionEventKind = "delta_open"
	EventDeltaClose PositionEventKind = "delta_close"
)

// PositionEvent is one applied position change.
type PositionEvent struct {
	ID       uuid.UUID         // Row id
	Position int64             // Position id
	Symbol   string            // Instrument
	Kind     PositionEventKind // What produced the change
	Trade    *Trade            // nil for closes of unknown positions
	At       time.Time         // When the change was applied
}
