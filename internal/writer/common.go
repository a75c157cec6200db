package writer

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/rickgao/xapi-client/internal/model"
)

// numeric renders a decimal for a NUMERIC column.
func numeric(d decimal.Decimal) *string {
	s := d.String()
	return &s
}

// tradeToJSONB encodes the full trade record. A nil trade is stored as NULL.
func tradeToJSONB(t *model.Trade) []byte {
	if t == nil {
		return nil
	}
	data, _ := json.Marshal(t)
	return data
}
