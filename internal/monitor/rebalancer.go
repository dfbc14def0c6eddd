package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
)

// AmendAction is one quantity amendment the rebalancer wants applied to a
// resting order. Prices are never touched by rebalancing.
type AmendAction struct {
	OrderID     string
	LegIndex    int // -1 for the SL leg
	NewQuantity decimal.Decimal
}

// RebalancePlan is the set of amendments needed to bring the ladder in
// line with a new remaining size. An empty plan means the ladder already
// matches and no gateway call will be made.
type RebalancePlan struct {
	Actions []AmendAction
}

// IsEmpty reports whether the plan requires any gateway traffic.
func (p RebalancePlan) IsEmpty() bool {
	return len(p.Actions) == 0
}

// Rebalancer recomputes TP/SL quantities proportional to the remaining
// position size. Planning is pure; Apply issues the amendments.
type Rebalancer struct {
	// epsilon is the smallest quantity delta worth an amendment; resting
	// quantities within epsilon of the target are left alone to avoid
	// order churn.
	epsilon decimal.Decimal
	logger  zerolog.Logger
}

// NewRebalancer creates a rebalancer with the given churn epsilon.
func NewRebalancer(epsilon decimal.Decimal, logger zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		epsilon: epsilon,
		logger:  logger.With().Str("component", "Rebalancer").Logger(),
	}
}

// Plan computes the amendments for the monitor's current remaining size:
// each unfilled TP leg is resized to remaining * its original percentage,
// and the SL leg to exactly the remaining size. A stop covering more than
// the live position risks an exchange rejection; covering less leaves
// exposure unprotected.
//
// Planning against an unchanged remaining size yields an empty plan, which
// makes rebalancing idempotent.
func (r *Rebalancer) Plan(m *PositionMonitor) RebalancePlan {
	var plan RebalancePlan

	for i := range m.TPLegs {
		leg := &m.TPLegs[i]
		if leg.Filled || m.FilledTPIndices[i] || leg.OrderID == "" {
			continue
		}
		target := m.RemainingSize.Mul(leg.PercentOfTotal).Div(hundred)
		if target.Sub(leg.Quantity).Abs().GreaterThan(r.epsilon) {
			plan.Actions = append(plan.Actions, AmendAction{
				OrderID:     leg.OrderID,
				LegIndex:    i,
				NewQuantity: target,
			})
		}
	}

	if m.SL != nil && m.SL.OrderID != "" && m.RemainingSize.IsPositive() {
		if m.RemainingSize.Sub(m.SL.Quantity).Abs().GreaterThan(r.epsilon) {
			plan.Actions = append(plan.Actions, AmendAction{
				OrderID:     m.SL.OrderID,
				LegIndex:    -1,
				NewQuantity: m.RemainingSize,
			})
		}
	}

	return plan
}

// Apply issues the planned amendments through the gateway client and, as
// each succeeds, records the new quantity on the monitor's leg so the next
// Plan call sees the updated resting state.
func (r *Rebalancer) Apply(ctx context.Context, client bybit.Client, m *PositionMonitor, plan RebalancePlan) error {
	for _, action := range plan.Actions {
		if err := client.AmendOrderQuantity(ctx, m.Symbol, action.OrderID, action.NewQuantity.String()); err != nil {
			return fmt.Errorf("rebalancing order %s: %w", action.OrderID, err)
		}

		if action.LegIndex >= 0 {
			m.TPLegs[action.LegIndex].Quantity = action.NewQuantity
		} else if m.SL != nil {
			m.SL.Quantity = action.NewQuantity
		}

		r.logger.Info().
			Str("monitor_key", m.Key().String()).
			Str("order_id", action.OrderID).
			Int("leg_index", action.LegIndex).
			Str("new_qty", action.NewQuantity.String()).
			Msg("Order quantity rebalanced")
	}
	return nil
}
