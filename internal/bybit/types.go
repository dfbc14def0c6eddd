// Package bybit provides an account-aware client for the Bybit v5
// derivatives API, covering the position and order operations the
// reconciliation engine needs.
package bybit

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Account identifies which exchange account a client talks to.
// Every gateway call is bound to exactly one account; the engine must
// never compare a monitor against data fetched for the other account.
type Account string

const (
	AccountMain   Account = "main"
	AccountMirror Account = "mirror"
)

// Valid reports whether the account value is one of the known accounts.
func (a Account) Valid() bool {
	return a == AccountMain || a == AccountMirror
}

// Side is the position/order direction as Bybit spells it.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind classifies an open order by its role in the ladder.
type OrderKind string

const (
	OrderKindLimit      OrderKind = "Limit"      // entry leg
	OrderKindTakeProfit OrderKind = "TakeProfit" // reduce-only TP leg
	OrderKindStopLoss   OrderKind = "StopLoss"   // reduce-only stop leg
)

// Position is a live position snapshot for one symbol on one account.
type Position struct {
	Account  Account
	Symbol   string
	Side     Side
	Size     decimal.Decimal // contracts remaining, zero when flat
	AvgPrice decimal.Decimal // weighted average entry price
}

// IsOpen reports whether the position has any remaining size.
func (p Position) IsOpen() bool {
	return p.Size.IsPositive()
}

// Order is a resting order as returned by the open-orders endpoint.
type Order struct {
	OrderID      string
	Symbol       string
	Side         Side
	Kind         OrderKind
	Price        decimal.Decimal // limit price, or trigger price for stops
	Quantity     decimal.Decimal
	ReduceOnly   bool
	Status       string // New, PartiallyFilled, Untriggered, ...
	TriggerPrice decimal.Decimal
}

// OrderParams describes an order to be placed.
type OrderParams struct {
	Symbol       string
	Side         Side
	Kind         OrderKind
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	ReduceOnly   bool
	TriggerPrice decimal.Decimal // stops only
	OrderLinkID  string          // client order id, optional
}

// bybit v5 wire envelopes

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type positionListResult struct {
	List []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
	} `json:"list"`
}

type orderListResult struct {
	List []struct {
		OrderID       string `json:"orderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		OrderType     string `json:"orderType"`
		Price         string `json:"price"`
		Qty           string `json:"qty"`
		ReduceOnly    bool   `json:"reduceOnly"`
		OrderStatus   string `json:"orderStatus"`
		StopOrderType string `json:"stopOrderType"`
		TriggerPrice  string `json:"triggerPrice"`
	} `json:"list"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}
