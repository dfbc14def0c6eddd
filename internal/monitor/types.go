// Package monitor implements the position monitor and TP/SL reconciliation
// engine: per-position fill detection, proportional order rebalancing and
// lifecycle phase tracking, kept consistent across the main and mirror
// exchange accounts.
package monitor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
)

// Phase is the lifecycle stage of a position monitor.
type Phase string

const (
	// PhaseBuilding - limit entry legs are still open, position not yet
	// at target size
	PhaseBuilding Phase = "BUILDING"

	// PhaseMonitoring - position fully established, TP/SL ladder armed
	PhaseMonitoring Phase = "MONITORING"

	// PhaseProfitTaking - at least one TP leg has filled
	PhaseProfitTaking Phase = "PROFIT_TAKING"

	// PhaseClosed - terminal; remaining size is zero
	PhaseClosed Phase = "CLOSED"
)

// IsValidPhase checks if a phase string is a known Phase.
func IsValidPhase(phase string) bool {
	switch Phase(phase) {
	case PhaseBuilding, PhaseMonitoring, PhaseProfitTaking, PhaseClosed:
		return true
	default:
		return false
	}
}

// Key uniquely identifies a monitor. The account is part of the key by
// construction so a main and a mirror monitor for the same symbol and side
// can never collide.
type Key struct {
	Symbol  string
	Side    bybit.Side
	Account bybit.Account
}

// String renders the key in the canonical symbol_side_account form.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Symbol, k.Side, k.Account)
}

// Valid reports whether all three key dimensions are populated.
func (k Key) Valid() bool {
	return k.Symbol != "" && (k.Side == bybit.SideBuy || k.Side == bybit.SideSell) && k.Account.Valid()
}

// TPLeg is one take-profit rung of the ladder. Legs are kept in execution
// order (TP1 first) in a single ordered slice; there is no alternate
// representation anywhere in the system.
type TPLeg struct {
	OrderID        string          `json:"order_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	PercentOfTotal decimal.Decimal `json:"percent_of_total"`
	Filled         bool            `json:"filled"`
}

// SLLeg is the single stop-loss leg protecting the position.
type SLLeg struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LimitLeg is a pending layered entry order, relevant only while BUILDING.
type LimitLeg struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Filled   bool            `json:"filled"`
}

// PositionMonitor tracks one position's order ladder and lifecycle on one
// account. The Store owns all instances; other components receive copies
// and hand mutations back through the reconciliation pipeline.
type PositionMonitor struct {
	Symbol  string        `json:"symbol"`
	Side    bybit.Side    `json:"side"`
	Account bybit.Account `json:"account"`

	// InitialSize is fixed at creation; RemainingSize shrinks with every
	// detected fill. Invariant: 0 <= RemainingSize <= InitialSize, except
	// across an external position increase, which rebases both.
	InitialSize   decimal.Decimal `json:"initial_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	AvgPrice   decimal.Decimal `json:"avg_price"`

	TPLegs []TPLeg `json:"tp_legs"`
	SL     *SLLeg  `json:"sl,omitempty"`

	Phase Phase `json:"phase"`

	// FilledTPIndices guards against crediting the same TP fill twice.
	FilledTPIndices map[int]bool `json:"filled_tp_indices"`

	LimitLegs            []LimitLeg `json:"limit_legs,omitempty"`
	LimitOrdersCancelled bool       `json:"limit_orders_cancelled"`
	AllTPsFilled         bool       `json:"all_tps_filled"`

	// RealizedPnL accumulates the profit or loss locked in by each TP or
	// SL fill, valued against the average entry price.
	RealizedPnL decimal.Decimal `json:"realized_pnl"`

	// ChatID routes alerts. Nil means this monitor never notifies; mirror
	// monitors are created with a nil ChatID.
	ChatID *int64 `json:"chat_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConservativeSplit is the canonical TP percentage ladder: 85/5/5/5 across
// four legs in execution order.
var ConservativeSplit = []decimal.Decimal{
	decimal.NewFromInt(85),
	decimal.NewFromInt(5),
	decimal.NewFromInt(5),
	decimal.NewFromInt(5),
}

var hundred = decimal.NewFromInt(100)

// NewPositionMonitor creates a monitor in the given phase after validating
// identity and ladder invariants. TP percentages must sum to exactly 100.
func NewPositionMonitor(key Key, initialSize, entryPrice decimal.Decimal, tpLegs []TPLeg, sl *SLLeg, limitLegs []LimitLeg, chatID *int64) (*PositionMonitor, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	if initialSize.Sign() <= 0 {
		return nil, fmt.Errorf("%w: initial size %s", ErrInvalidSize, initialSize)
	}
	if len(tpLegs) > 0 {
		sum := decimal.Zero
		for _, leg := range tpLegs {
			sum = sum.Add(leg.PercentOfTotal)
		}
		if !sum.Equal(hundred) {
			return nil, fmt.Errorf("%w: percentages sum to %s", ErrBadPercentages, sum)
		}
	}

	phase := PhaseMonitoring
	if len(limitLegs) > 0 {
		phase = PhaseBuilding
	}

	now := time.Now()
	return &PositionMonitor{
		Symbol:          key.Symbol,
		Side:            key.Side,
		Account:         key.Account,
		InitialSize:     initialSize,
		RemainingSize:   initialSize,
		EntryPrice:      entryPrice,
		AvgPrice:        entryPrice,
		TPLegs:          tpLegs,
		SL:              sl,
		Phase:           phase,
		FilledTPIndices: make(map[int]bool),
		LimitLegs:       limitLegs,
		ChatID:          chatID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// BuildConservativeLadder splits a total size across the 85/5/5/5 ladder at
// the given prices. len(prices) must be 4. The last leg absorbs rounding
// residue so the leg quantities sum exactly to the total.
func BuildConservativeLadder(total decimal.Decimal, prices []decimal.Decimal) ([]TPLeg, error) {
	if len(prices) != len(ConservativeSplit) {
		return nil, fmt.Errorf("expected %d TP prices, got %d", len(ConservativeSplit), len(prices))
	}

	legs := make([]TPLeg, len(ConservativeSplit))
	allocated := decimal.Zero
	for i, pct := range ConservativeSplit {
		qty := total.Mul(pct).Div(hundred)
		if i == len(ConservativeSplit)-1 {
			qty = total.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		legs[i] = TPLeg{
			Price:          prices[i],
			Quantity:       qty,
			PercentOfTotal: pct,
		}
	}
	return legs, nil
}

// Key returns the monitor's composite identity.
func (m *PositionMonitor) Key() Key {
	return Key{Symbol: m.Symbol, Side: m.Side, Account: m.Account}
}

// Clone returns a deep copy. Reconciliation passes mutate a clone and
// commit it back to the store only once every gateway call has succeeded.
func (m *PositionMonitor) Clone() *PositionMonitor {
	copied := *m

	copied.TPLegs = make([]TPLeg, len(m.TPLegs))
	copy(copied.TPLegs, m.TPLegs)

	if m.SL != nil {
		sl := *m.SL
		copied.SL = &sl
	}

	copied.LimitLegs = make([]LimitLeg, len(m.LimitLegs))
	copy(copied.LimitLegs, m.LimitLegs)

	copied.FilledTPIndices = make(map[int]bool, len(m.FilledTPIndices))
	for i, v := range m.FilledTPIndices {
		copied.FilledTPIndices[i] = v
	}

	if m.ChatID != nil {
		chatID := *m.ChatID
		copied.ChatID = &chatID
	}
	return &copied
}

// UnfilledTPLegs returns the indices of legs not yet credited as filled.
func (m *PositionMonitor) UnfilledTPLegs() []int {
	var indices []int
	for i, leg := range m.TPLegs {
		if !leg.Filled && !m.FilledTPIndices[i] {
			indices = append(indices, i)
		}
	}
	return indices
}

// UnfilledLimitLegs returns the indices of entry legs not yet filled.
func (m *PositionMonitor) UnfilledLimitLegs() []int {
	var indices []int
	for i, leg := range m.LimitLegs {
		if !leg.Filled {
			indices = append(indices, i)
		}
	}
	return indices
}

// FinalTPIndex returns the index of the designated final leg: the highest
// percentage leg, ties broken by the last index.
func (m *PositionMonitor) FinalTPIndex() int {
	final := -1
	best := decimal.Zero
	for i, leg := range m.TPLegs {
		if leg.PercentOfTotal.GreaterThanOrEqual(best) {
			best = leg.PercentOfTotal
			final = i
		}
	}
	return final
}

// CreditTPFill marks a leg as filled exactly once. Returns false if the
// leg was already credited.
func (m *PositionMonitor) CreditTPFill(legIndex int) bool {
	if legIndex < 0 || legIndex >= len(m.TPLegs) {
		return false
	}
	if m.FilledTPIndices[legIndex] {
		return false
	}
	m.FilledTPIndices[legIndex] = true
	m.TPLegs[legIndex].Filled = true
	m.UpdatedAt = time.Now()
	return true
}

// RealizedFor returns the PnL realized by closing qty at exitPrice against
// the average entry of the position.
func (m *PositionMonitor) RealizedFor(exitPrice, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(m.AvgPrice)
	if m.Side == bybit.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// SizeInvariantHolds reports whether 0 <= remaining <= initial.
func (m *PositionMonitor) SizeInvariantHolds() bool {
	return m.RemainingSize.Sign() >= 0 && m.RemainingSize.LessThanOrEqual(m.InitialSize)
}
