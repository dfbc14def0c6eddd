package monitor

import (
	"github.com/rs/zerolog"
)

// SideEffect is an action a phase transition requires from the engine.
type SideEffect string

const (
	// EffectCancelLimitLegs - cancel any still-open entry legs. Fired when
	// the ladder arms and again defensively on the first TP fill, so a TP
	// thinning the position can never leave over-sized stale entries.
	EffectCancelLimitLegs SideEffect = "cancel_limit_legs"

	// EffectMoveSLToBreakeven - reprice the stop leg to the entry price.
	EffectMoveSLToBreakeven SideEffect = "move_sl_to_breakeven"

	// EffectMonitorClosed - the monitor reached its terminal phase and is
	// eligible for removal from the store.
	EffectMonitorClosed SideEffect = "monitor_closed"
)

// Transition records one phase advance and the side effects it demands.
type Transition struct {
	From    Phase
	To      Phase
	Effects []SideEffect
}

// PhaseMachine advances monitors through the lifecycle
// BUILDING -> MONITORING -> PROFIT_TAKING -> CLOSED. Transitions never
// skip a phase; when a terminal condition is met from an earlier phase the
// machine steps through the intermediate phases in order.
type PhaseMachine struct {
	logger zerolog.Logger
}

// NewPhaseMachine creates a phase machine.
func NewPhaseMachine(logger zerolog.Logger) *PhaseMachine {
	return &PhaseMachine{logger: logger.With().Str("component", "PhaseMachine").Logger()}
}

func phaseRank(p Phase) int {
	switch p {
	case PhaseBuilding:
		return 0
	case PhaseMonitoring:
		return 1
	case PhaseProfitTaking:
		return 2
	case PhaseClosed:
		return 3
	default:
		return 0
	}
}

func nextPhase(p Phase) Phase {
	switch p {
	case PhaseBuilding:
		return PhaseMonitoring
	case PhaseMonitoring:
		return PhaseProfitTaking
	case PhaseProfitTaking:
		return PhaseClosed
	default:
		return PhaseClosed
	}
}

// impliedPhase derives the phase a monitor's fill state implies,
// independent of the phase currently recorded on it.
func impliedPhase(m *PositionMonitor) Phase {
	final := m.FinalTPIndex()
	if m.RemainingSize.IsZero() || (final >= 0 && m.FilledTPIndices[final]) {
		return PhaseClosed
	}
	if len(m.FilledTPIndices) > 0 {
		return PhaseProfitTaking
	}
	if len(m.UnfilledLimitLegs()) > 0 {
		return PhaseBuilding
	}
	return PhaseMonitoring
}

// Advance applies the event to the monitor's phase and returns the
// transitions fired, in order. The monitor's Phase and closure flags are
// mutated; the caller executes the returned side effects through the
// gateway before committing.
func (pm *PhaseMachine) Advance(m *PositionMonitor, ev Event) []Transition {
	var transitions []Transition

	target := impliedPhase(m)
	for phaseRank(m.Phase) < phaseRank(target) {
		from := m.Phase
		to := nextPhase(from)

		t := Transition{From: from, To: to}
		switch to {
		case PhaseMonitoring:
			// Ladder arms: clear out any entry legs still resting.
			if !m.LimitOrdersCancelled {
				t.Effects = append(t.Effects, EffectCancelLimitLegs)
			}
		case PhaseProfitTaking:
			if ev.Kind == EventTPFilled {
				t.Effects = append(t.Effects, EffectMoveSLToBreakeven)
			}
			if !m.LimitOrdersCancelled {
				t.Effects = append(t.Effects, EffectCancelLimitLegs)
			}
		case PhaseClosed:
			t.Effects = append(t.Effects, EffectMonitorClosed)
		}

		m.Phase = to
		transitions = append(transitions, t)

		pm.logger.Info().
			Str("monitor_key", m.Key().String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("event", string(ev.Kind)).
			Msg("Phase transition")
	}

	if m.Phase == PhaseClosed {
		final := m.FinalTPIndex()
		if final >= 0 && m.FilledTPIndices[final] {
			// Final leg credited: closeable even if rounding left a
			// negligible residual.
			m.AllTPsFilled = true
		}
		if len(m.UnfilledTPLegs()) == 0 && len(m.TPLegs) > 0 {
			m.AllTPsFilled = true
		}
	}

	return transitions
}

// SelfHeal advances a monitor whose recorded phase lags the phase implied
// by its filled-leg set (for example a filled first TP leg while still
// BUILDING). Returns the corrective transitions, empty when consistent.
// The caller logs the correction once.
func (pm *PhaseMachine) SelfHeal(m *PositionMonitor) []Transition {
	target := impliedPhase(m)
	if phaseRank(m.Phase) >= phaseRank(target) {
		return nil
	}

	pm.logger.Warn().
		Str("monitor_key", m.Key().String()).
		Str("recorded_phase", string(m.Phase)).
		Str("implied_phase", string(target)).
		Msg("Inconsistent phase for filled-leg set, self-healing")

	// Corrective advance carries no fill event; side effects that only
	// make sense at fill time (breakeven move) are not replayed.
	return pm.Advance(m, Event{Kind: EventNoChange, LegIndex: -1})
}
