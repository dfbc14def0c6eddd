package monitor

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
)

// EventKind discriminates what a reconciliation pass detected.
type EventKind string

const (
	// EventNoChange - live size matches the tracked remaining size.
	EventNoChange EventKind = "no_change"

	// EventLimitFilled - a layered entry leg filled while BUILDING.
	EventLimitFilled EventKind = "limit_filled"

	// EventTPFilled - a take-profit leg filled (LegIndex identifies it).
	EventTPFilled EventKind = "tp_filled"

	// EventSLFilled - the stop-loss leg fired and flattened the position.
	EventSLFilled EventKind = "sl_filled"

	// EventExternalIncrease - the position grew outside the monitor's
	// entry ladder; sizes are rebased to the new live size.
	EventExternalIncrease EventKind = "external_increase"

	// EventExternalReduction - the position shrank but no ladder leg
	// accounts for it (manual close of part of the position). Remaining
	// size is reduced without crediting any leg.
	EventExternalReduction EventKind = "external_reduction"

	// EventSuspiciousReduction - the observed reduction exceeds the
	// remaining size, which is impossible within one account and almost
	// always means wrong-account data. No mutation is applied.
	EventSuspiciousReduction EventKind = "suspicious_reduction"
)

// Event is the outcome of one fill-detection pass.
type Event struct {
	Kind EventKind

	// LegIndex identifies the TP or limit leg for fill events, -1 otherwise.
	LegIndex int

	// SizeDiff is the magnitude of the size change (always non-negative).
	SizeDiff decimal.Decimal

	// Exact is false when the diff matched no leg and was attributed to
	// the nearest unfilled TP leg.
	Exact bool

	LiveSize     decimal.Decimal
	LiveAvgPrice decimal.Decimal
}

// FillDetector classifies position size deltas against the monitor's order
// ladder. It performs no I/O and never mutates the monitor.
type FillDetector struct {
	// tolerance is the fractional quantity tolerance for matching a size
	// diff to a specific leg (0.01 = 1%).
	tolerance decimal.Decimal
	logger    zerolog.Logger
}

// NewFillDetector creates a detector with the given leg-match tolerance.
func NewFillDetector(tolerance decimal.Decimal, logger zerolog.Logger) *FillDetector {
	return &FillDetector{
		tolerance: tolerance,
		logger:    logger.With().Str("component", "FillDetector").Logger(),
	}
}

// Detect compares the monitor's last-known state against the live snapshot
// for the monitor's own account and classifies what changed.
//
// The account guard is checked first: data fetched for a different account
// aborts the pass with ErrAccountMismatch and no classification. This is
// the detector-level backstop behind the structural isolation in the
// gateway client set.
func (d *FillDetector) Detect(m *PositionMonitor, live *bybit.Position, openOrders []bybit.Order) (Event, error) {
	if live.Account != m.Account {
		d.logger.Error().
			Str("monitor_key", m.Key().String()).
			Str("live_account", string(live.Account)).
			Msg("Refusing to compare monitor against other account's position data")
		return Event{}, fmt.Errorf("%w: monitor=%s live=%s", ErrAccountMismatch, m.Account, live.Account)
	}

	// A live position on the opposite side means the position was flipped
	// outside the monitor's ladder, which no leg fill can produce. Treated
	// like an impossible reduction: flagged, never credited.
	if live.Size.IsPositive() && live.Side != m.Side {
		return Event{
			Kind:         EventSuspiciousReduction,
			LegIndex:     -1,
			SizeDiff:     m.RemainingSize.Add(live.Size),
			LiveSize:     live.Size,
			LiveAvgPrice: live.AvgPrice,
		}, nil
	}

	sizeDiff := m.RemainingSize.Sub(live.Size)

	if sizeDiff.IsZero() {
		return Event{Kind: EventNoChange, LegIndex: -1, LiveSize: live.Size, LiveAvgPrice: live.AvgPrice}, nil
	}

	if sizeDiff.Sign() < 0 {
		return d.classifyIncrease(m, live, sizeDiff.Neg()), nil
	}

	return d.classifyReduction(m, live, sizeDiff, openOrders), nil
}

// classifyIncrease handles a growing position: a limit entry fill while
// BUILDING, otherwise an external top-up that rebases the monitor.
func (d *FillDetector) classifyIncrease(m *PositionMonitor, live *bybit.Position, increase decimal.Decimal) Event {
	if m.Phase == PhaseBuilding {
		if idx, ok := d.matchLeg(increase, m.LimitLegs, m.UnfilledLimitLegs()); ok {
			return Event{
				Kind:         EventLimitFilled,
				LegIndex:     idx,
				SizeDiff:     increase,
				Exact:        true,
				LiveSize:     live.Size,
				LiveAvgPrice: live.AvgPrice,
			}
		}
	}
	return Event{
		Kind:         EventExternalIncrease,
		LegIndex:     -1,
		SizeDiff:     increase,
		LiveSize:     live.Size,
		LiveAvgPrice: live.AvgPrice,
	}
}

// classifyReduction handles a shrinking position per the detection rules:
// impossible reductions are flagged, exact leg matches are credited,
// a flattened position with its stop gone is an SL fire, and anything
// else is conservatively attributed to the nearest unfilled TP leg.
func (d *FillDetector) classifyReduction(m *PositionMonitor, live *bybit.Position, sizeDiff decimal.Decimal, openOrders []bybit.Order) Event {
	if sizeDiff.GreaterThan(m.RemainingSize) {
		return Event{
			Kind:         EventSuspiciousReduction,
			LegIndex:     -1,
			SizeDiff:     sizeDiff,
			LiveSize:     live.Size,
			LiveAvgPrice: live.AvgPrice,
		}
	}

	unfilled := m.UnfilledTPLegs()

	if idx, ok := d.matchTPLeg(sizeDiff, m.TPLegs, unfilled); ok {
		return Event{
			Kind:         EventTPFilled,
			LegIndex:     idx,
			SizeDiff:     sizeDiff,
			Exact:        true,
			LiveSize:     live.Size,
			LiveAvgPrice: live.AvgPrice,
		}
	}

	// Flat position whose stop leg is no longer resting: the stop fired.
	if live.Size.IsZero() && m.SL != nil && !orderResting(openOrders, m.SL.OrderID) {
		return Event{
			Kind:         EventSLFilled,
			LegIndex:     -1,
			SizeDiff:     sizeDiff,
			Exact:        true,
			LiveSize:     live.Size,
			LiveAvgPrice: live.AvgPrice,
		}
	}

	if idx, ok := nearestLeg(sizeDiff, m.TPLegs, unfilled); ok {
		return Event{
			Kind:         EventTPFilled,
			LegIndex:     idx,
			SizeDiff:     sizeDiff,
			Exact:        false,
			LiveSize:     live.Size,
			LiveAvgPrice: live.AvgPrice,
		}
	}

	return Event{
		Kind:         EventExternalReduction,
		LegIndex:     -1,
		SizeDiff:     sizeDiff,
		LiveSize:     live.Size,
		LiveAvgPrice: live.AvgPrice,
	}
}

// matchTPLeg finds an unfilled TP leg whose quantity matches sizeDiff
// within the tolerance.
func (d *FillDetector) matchTPLeg(sizeDiff decimal.Decimal, legs []TPLeg, unfilled []int) (int, bool) {
	for _, idx := range unfilled {
		if withinTolerance(sizeDiff, legs[idx].Quantity, d.tolerance) {
			return idx, true
		}
	}
	return -1, false
}

// matchLeg is the limit-leg variant of matchTPLeg.
func (d *FillDetector) matchLeg(sizeDiff decimal.Decimal, legs []LimitLeg, unfilled []int) (int, bool) {
	for _, idx := range unfilled {
		if withinTolerance(sizeDiff, legs[idx].Quantity, d.tolerance) {
			return idx, true
		}
	}
	return -1, false
}

// nearestLeg returns the unfilled TP leg whose quantity is closest to the
// observed diff.
func nearestLeg(sizeDiff decimal.Decimal, legs []TPLeg, unfilled []int) (int, bool) {
	best := -1
	var bestDist decimal.Decimal
	for _, idx := range unfilled {
		dist := legs[idx].Quantity.Sub(sizeDiff).Abs()
		if best == -1 || dist.LessThan(bestDist) {
			best = idx
			bestDist = dist
		}
	}
	return best, best != -1
}

func withinTolerance(observed, expected, tolerance decimal.Decimal) bool {
	if expected.IsZero() {
		return observed.IsZero()
	}
	return observed.Sub(expected).Abs().LessThanOrEqual(expected.Mul(tolerance))
}

func orderResting(orders []bybit.Order, orderID string) bool {
	if orderID == "" {
		return false
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

// ApplyEvent applies a classified event to the monitor. Callers pass a
// clone and commit it to the store only after all gateway side effects of
// the pass have succeeded. Returns false when the event implies no state
// change (including a TP fill already credited).
func ApplyEvent(m *PositionMonitor, ev Event) bool {
	switch ev.Kind {
	case EventLimitFilled:
		if ev.LegIndex >= 0 && ev.LegIndex < len(m.LimitLegs) {
			m.LimitLegs[ev.LegIndex].Filled = true
		}
		m.RemainingSize = ev.LiveSize
		if m.RemainingSize.GreaterThan(m.InitialSize) {
			m.InitialSize = m.RemainingSize
		}
		// Entry-side fill: adopt the exchange's weighted average.
		if ev.LiveAvgPrice.IsPositive() {
			m.AvgPrice = ev.LiveAvgPrice
			m.EntryPrice = ev.LiveAvgPrice
		}
		return true

	case EventTPFilled:
		if !m.CreditTPFill(ev.LegIndex) {
			return false
		}
		m.RealizedPnL = m.RealizedPnL.Add(m.RealizedFor(m.TPLegs[ev.LegIndex].Price, ev.SizeDiff))
		m.RemainingSize = m.RemainingSize.Sub(ev.SizeDiff)
		if m.RemainingSize.Sign() < 0 {
			m.RemainingSize = decimal.Zero
		}
		return true

	case EventSLFilled:
		if m.SL != nil {
			m.RealizedPnL = m.RealizedPnL.Add(m.RealizedFor(m.SL.Price, ev.SizeDiff))
		}
		m.RemainingSize = decimal.Zero
		return true

	case EventExternalIncrease:
		// New baseline, not a rebalance target.
		m.InitialSize = ev.LiveSize
		m.RemainingSize = ev.LiveSize
		return true

	case EventExternalReduction:
		m.RemainingSize = m.RemainingSize.Sub(ev.SizeDiff)
		if m.RemainingSize.Sign() < 0 {
			m.RemainingSize = decimal.Zero
		}
		return true

	default:
		return false
	}
}
