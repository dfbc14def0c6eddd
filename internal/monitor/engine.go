package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bybit-trading-bot/internal/bybit"
)

// AlertPort is the one-way sink reconciliation events are pushed into.
// A nil chatID must be a no-op in every implementation; that is how
// mirror-account monitors stay silent.
type AlertPort interface {
	Notify(chatID *int64, kind string, fields map[string]any)
}

// Archiver receives monitors that reached their terminal phase, for
// durable trade-history bookkeeping.
type Archiver interface {
	ArchiveClosed(ctx context.Context, m *PositionMonitor) error
}

// StateMirror is a best-effort secondary view of live monitor state (e.g.
// Redis for a hot standby). Mirror failures never fail a pass.
type StateMirror interface {
	Save(ctx context.Context, m *PositionMonitor) error
	Delete(ctx context.Context, key Key) error
}

// EngineConfig holds the reconciliation engine's tunables.
type EngineConfig struct {
	// Interval between reconciliation cycles.
	Interval time.Duration

	// Workers bounds how many monitors reconcile concurrently, sized to
	// stay under the exchange rate limit.
	Workers int

	// FillMatchTolerance is the fractional tolerance for matching a size
	// diff to a specific leg quantity.
	FillMatchTolerance decimal.Decimal

	// QuantityEpsilon is the smallest resting-quantity delta worth an
	// amend call.
	QuantityEpsilon decimal.Decimal
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Interval:           8 * time.Second,
		Workers:            4,
		FillMatchTolerance: decimal.NewFromFloat(0.01),
		QuantityEpsilon:    decimal.NewFromFloat(0.000001),
	}
}

// Engine drives the periodic reconciliation of every monitor: it reads the
// live account state through the gateway, classifies fills, rebalances the
// ladder and advances lifecycle phases. Each monitor key is reconciled
// under its own lock; detector, rebalancer and phase machine run in strict
// sequence within a pass.
type Engine struct {
	cfg        EngineConfig
	store      *Store
	clients    *bybit.ClientSet
	detector   *FillDetector
	rebalancer *Rebalancer
	phases     *PhaseMachine
	alerts     AlertPort
	archiver   Archiver
	mirror     StateMirror
	logger     zerolog.Logger

	// Per-key pass locks; a second pass for a running key is skipped.
	locksMu sync.Mutex
	locks   map[Key]*sync.Mutex

	// Diagnostics already emitted this session, to stop alert storms
	// from a repeating identical detection error.
	diagMu     sync.Mutex
	diagnosed  map[Key]map[EventKind]bool
	healLogged map[Key]bool
}

// NewEngine wires the reconciliation engine. archiver and mirror may be nil.
func NewEngine(cfg EngineConfig, store *Store, clients *bybit.ClientSet, alerts AlertPort, archiver Archiver, mirror StateMirror, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		clients:    clients,
		detector:   NewFillDetector(cfg.FillMatchTolerance, logger),
		rebalancer: NewRebalancer(cfg.QuantityEpsilon, logger),
		phases:     NewPhaseMachine(logger),
		alerts:     alerts,
		archiver:   archiver,
		mirror:     mirror,
		logger:     logger.With().Str("component", "MonitorEngine").Logger(),
		locks:      make(map[Key]*sync.Mutex),
		diagnosed:  make(map[Key]map[EventKind]bool),
		healLogged: make(map[Key]bool),
	}
}

// Run reconciles all monitors every Interval until the context is
// cancelled. One monitor's failure never aborts the loop for others.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info().
		Dur("interval", e.cfg.Interval).
		Int("workers", e.cfg.Workers).
		Msg("Reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle reconciles every monitor with bounded concurrency.
func (e *Engine) runCycle(ctx context.Context) {
	monitors := e.store.All()
	if len(monitors) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, m := range monitors {
		m := m
		g.Go(func() error {
			if err := e.ReconcileKey(gctx, m.Key()); err != nil &&
				!errors.Is(err, ErrScheduleCollision) && !errors.Is(err, ErrMonitorNotFound) {
				e.logger.Error().Err(err).Str("monitor_key", m.Key().String()).Msg("Reconciliation pass failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ReconcileKey runs one reconciliation pass for a single monitor key. It
// is also the entry point for order-stream wake hints. A pass already in
// flight for the key makes this a no-op returning ErrScheduleCollision.
func (e *Engine) ReconcileKey(ctx context.Context, key Key) error {
	lock := e.keyLock(key)
	if !lock.TryLock() {
		return ErrScheduleCollision
	}
	defer lock.Unlock()

	m, err := e.store.Get(key)
	if err != nil {
		return err
	}
	return e.reconcile(ctx, m)
}

// reconcile performs one pass: fetch live state for the monitor's own
// account, detect, rebalance, advance phase, then commit. All mutations
// are staged on a clone and written back only after every gateway call in
// the pass has succeeded, so a timeout mid-pass persists nothing.
func (e *Engine) reconcile(ctx context.Context, m *PositionMonitor) error {
	client, err := e.clients.ForAccount(m.Account)
	if err != nil {
		return err
	}

	live, err := client.GetPosition(ctx, m.Symbol)
	if err != nil {
		return fmt.Errorf("fetching live position: %w", err)
	}
	openOrders, err := client.GetOpenOrders(ctx, m.Symbol)
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}

	staged := m.Clone()

	// Repair a phase that lags the filled-leg set before detecting, so
	// classification runs against a consistent lifecycle state.
	if healed := e.phases.SelfHeal(staged); len(healed) > 0 {
		e.logHealOnce(staged.Key())
		if err := e.executeEffects(ctx, client, staged, healed, openOrders); err != nil {
			return err
		}
	}

	ev, err := e.detector.Detect(staged, live, openOrders)
	if err != nil {
		if errors.Is(err, ErrAccountMismatch) {
			// Pass aborted, no mutation. Log only.
			e.logger.Error().Err(err).Str("monitor_key", m.Key().String()).Msg("Account mismatch, pass aborted")
			return nil
		}
		return err
	}

	if ev.Kind == EventSuspiciousReduction {
		e.raiseDiagnostic(staged, ev)
		return nil
	}

	changed := ApplyEvent(staged, ev)

	if changed && ev.Kind != EventSLFilled {
		plan := e.rebalancer.Plan(staged)
		if err := e.rebalancer.Apply(ctx, client, staged, plan); err != nil {
			return err
		}
	}

	transitions := e.phases.Advance(staged, ev)
	if err := e.executeEffects(ctx, client, staged, transitions, openOrders); err != nil {
		return err
	}

	if !changed && len(transitions) == 0 {
		return nil
	}

	if err := e.commit(ctx, staged); err != nil {
		return err
	}

	e.notifyEvent(staged, ev, transitions)
	return nil
}

// executeEffects runs transition side effects through the gateway,
// mutating the staged monitor as each succeeds.
func (e *Engine) executeEffects(ctx context.Context, client bybit.Client, staged *PositionMonitor, transitions []Transition, openOrders []bybit.Order) error {
	for _, t := range transitions {
		for _, effect := range t.Effects {
			switch effect {
			case EffectCancelLimitLegs:
				if err := e.cancelLimitLegs(ctx, client, staged, openOrders); err != nil {
					return err
				}
			case EffectMoveSLToBreakeven:
				if err := e.moveSLToBreakeven(ctx, client, staged); err != nil {
					return err
				}
			case EffectMonitorClosed:
				// Handled at commit time.
			}
		}
	}
	return nil
}

// cancelLimitLegs cancels every entry leg still resting on the exchange.
func (e *Engine) cancelLimitLegs(ctx context.Context, client bybit.Client, staged *PositionMonitor, openOrders []bybit.Order) error {
	for i := range staged.LimitLegs {
		leg := &staged.LimitLegs[i]
		if leg.Filled || leg.OrderID == "" {
			continue
		}
		if !orderResting(openOrders, leg.OrderID) {
			continue
		}
		if err := client.CancelOrder(ctx, staged.Symbol, leg.OrderID); err != nil {
			return fmt.Errorf("cancelling stale entry leg %s: %w", leg.OrderID, err)
		}
		e.logger.Info().
			Str("monitor_key", staged.Key().String()).
			Str("order_id", leg.OrderID).
			Msg("Cancelled stale entry leg")
	}
	staged.LimitOrdersCancelled = true
	return nil
}

// moveSLToBreakeven reprices the stop to the entry price via
// cancel-and-replace, keeping the quantity at the remaining size.
func (e *Engine) moveSLToBreakeven(ctx context.Context, client bybit.Client, staged *PositionMonitor) error {
	if staged.SL == nil || staged.RemainingSize.IsZero() {
		return nil
	}
	if staged.SL.Price.Equal(staged.EntryPrice) {
		return nil
	}

	if staged.SL.OrderID != "" {
		if err := client.CancelOrder(ctx, staged.Symbol, staged.SL.OrderID); err != nil {
			return fmt.Errorf("cancelling stop for breakeven move: %w", err)
		}
	}

	orderID, err := client.PlaceOrder(ctx, bybit.OrderParams{
		Symbol:       staged.Symbol,
		Side:         staged.Side.Opposite(),
		Kind:         bybit.OrderKindStopLoss,
		Quantity:     staged.RemainingSize,
		ReduceOnly:   true,
		TriggerPrice: staged.EntryPrice,
	})
	if err != nil {
		return fmt.Errorf("replacing stop at breakeven: %w", err)
	}

	staged.SL.OrderID = orderID
	staged.SL.Price = staged.EntryPrice
	staged.SL.Quantity = staged.RemainingSize

	e.logger.Info().
		Str("monitor_key", staged.Key().String()).
		Str("breakeven", staged.EntryPrice.String()).
		Msg("Stop loss moved to breakeven")
	return nil
}

// commit writes the staged monitor back: removal plus archive for closed
// monitors, upsert otherwise. The mirror is updated best-effort.
func (e *Engine) commit(ctx context.Context, staged *PositionMonitor) error {
	key := staged.Key()

	if staged.Phase == PhaseClosed {
		if e.archiver != nil {
			if err := e.archiver.ArchiveClosed(ctx, staged); err != nil {
				e.logger.Error().Err(err).Str("monitor_key", key.String()).Msg("Failed to archive closed position")
			}
		}
		if err := e.store.Remove(key); err != nil {
			return err
		}
		if e.mirror != nil {
			if err := e.mirror.Delete(ctx, key); err != nil {
				e.logger.Warn().Err(err).Str("monitor_key", key.String()).Msg("Mirror delete failed")
			}
		}
		return nil
	}

	if err := e.store.Upsert(staged); err != nil {
		return err
	}
	if e.mirror != nil {
		if err := e.mirror.Save(ctx, staged); err != nil {
			e.logger.Warn().Err(err).Str("monitor_key", key.String()).Msg("Mirror save failed")
		}
	}
	return nil
}

// raiseDiagnostic emits the suspicious-reduction diagnostic at most once
// per monitor per session.
func (e *Engine) raiseDiagnostic(m *PositionMonitor, ev Event) {
	e.diagMu.Lock()
	kinds, ok := e.diagnosed[m.Key()]
	if !ok {
		kinds = make(map[EventKind]bool)
		e.diagnosed[m.Key()] = kinds
	}
	already := kinds[ev.Kind]
	kinds[ev.Kind] = true
	e.diagMu.Unlock()

	if already {
		return
	}

	e.logger.Error().
		Str("monitor_key", m.Key().String()).
		Str("size_diff", ev.SizeDiff.String()).
		Str("remaining", m.RemainingSize.String()).
		Str("live_size", ev.LiveSize.String()).
		Msg("Suspicious reduction exceeds remaining size; refusing to credit any fill")

	if e.alerts != nil {
		e.alerts.Notify(m.ChatID, string(EventSuspiciousReduction), map[string]any{
			"symbol":    m.Symbol,
			"side":      string(m.Side),
			"account":   string(m.Account),
			"size_diff": ev.SizeDiff.String(),
			"remaining": m.RemainingSize.String(),
		})
	}
}

func (e *Engine) logHealOnce(key Key) {
	e.diagMu.Lock()
	defer e.diagMu.Unlock()
	if e.healLogged[key] {
		return
	}
	e.healLogged[key] = true
	e.logger.Warn().Str("monitor_key", key.String()).Msg("Monitor phase self-healed")
}

// notifyEvent pushes the pass outcome to the alert port. The port treats a
// nil chat id as a no-op, which keeps mirror monitors silent.
func (e *Engine) notifyEvent(m *PositionMonitor, ev Event, transitions []Transition) {
	if e.alerts == nil {
		return
	}

	fields := map[string]any{
		"symbol":    m.Symbol,
		"side":      string(m.Side),
		"account":   string(m.Account),
		"remaining": m.RemainingSize.String(),
	}

	switch ev.Kind {
	case EventTPFilled:
		fields["leg_index"] = ev.LegIndex
		fields["filled_qty"] = ev.SizeDiff.String()
		fields["exact_match"] = ev.Exact
		e.alerts.Notify(m.ChatID, string(EventTPFilled), fields)
	case EventLimitFilled:
		fields["leg_index"] = ev.LegIndex
		fields["filled_qty"] = ev.SizeDiff.String()
		e.alerts.Notify(m.ChatID, string(EventLimitFilled), fields)
	case EventSLFilled:
		e.alerts.Notify(m.ChatID, string(EventSLFilled), fields)
	case EventExternalIncrease:
		fields["new_baseline"] = ev.LiveSize.String()
		e.alerts.Notify(m.ChatID, string(EventExternalIncrease), fields)
	}

	for _, t := range transitions {
		for _, effect := range t.Effects {
			switch effect {
			case EffectMoveSLToBreakeven:
				e.alerts.Notify(m.ChatID, "breakeven_moved", map[string]any{
					"symbol":    m.Symbol,
					"account":   string(m.Account),
					"breakeven": m.EntryPrice.String(),
				})
			case EffectMonitorClosed:
				e.alerts.Notify(m.ChatID, "position_closed", map[string]any{
					"symbol":       m.Symbol,
					"side":         string(m.Side),
					"account":      string(m.Account),
					"realized_pnl": m.RealizedPnL.String(),
				})
			}
		}
	}
}

// keyLock returns the pass lock for a key, creating it on first use.
func (e *Engine) keyLock(key Key) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// OnOrderUpdate is the order-stream hint handler: a fill notification
// wakes the matching monitor immediately instead of waiting for the next
// cycle. The update's account is trusted over any default.
func (e *Engine) OnOrderUpdate(update bybit.OrderUpdate) {
	if update.OrderStatus != "Filled" && update.OrderStatus != "PartiallyFilled" {
		return
	}

	// A fill on a reduce-only order belongs to the monitor on the
	// opposite side of the order.
	for _, side := range []bybit.Side{bybit.SideBuy, bybit.SideSell} {
		key := Key{Symbol: update.Symbol, Side: side, Account: update.Account}
		if _, err := e.store.Get(key); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := e.ReconcileKey(ctx, key)
		cancel()
		if err != nil && !errors.Is(err, ErrScheduleCollision) {
			e.logger.Warn().Err(err).Str("monitor_key", key.String()).Msg("Stream-triggered pass failed")
		}
	}
}

// Adopt synthesizes a monitor for a live exchange position that has no
// matching monitor (discovered ex-post). The TP/SL ladder is ingested from
// the orders actually resting on the account.
func (e *Engine) Adopt(ctx context.Context, account bybit.Account, symbol string, chatID *int64) (*PositionMonitor, error) {
	client, err := e.clients.ForAccount(account)
	if err != nil {
		return nil, err
	}

	live, err := client.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching position for adoption: %w", err)
	}
	if !live.IsOpen() {
		return nil, fmt.Errorf("%w: no open position for %s on %s", ErrMonitorNotFound, symbol, account)
	}

	key := Key{Symbol: symbol, Side: live.Side, Account: account}
	if _, err := e.store.Get(key); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrMonitorExists, key)
	}

	openOrders, err := client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching orders for adoption: %w", err)
	}

	var tpLegs []TPLeg
	var sl *SLLeg
	for _, o := range openOrders {
		switch o.Kind {
		case bybit.OrderKindTakeProfit:
			tpLegs = append(tpLegs, TPLeg{OrderID: o.OrderID, Price: o.Price, Quantity: o.Quantity})
		case bybit.OrderKindStopLoss:
			sl = &SLLeg{OrderID: o.OrderID, Price: o.TriggerPrice, Quantity: o.Quantity}
		}
	}
	// Derive leg percentages from resting quantities so they sum to 100.
	if len(tpLegs) > 0 {
		total := decimal.Zero
		for _, leg := range tpLegs {
			total = total.Add(leg.Quantity)
		}
		allocated := decimal.Zero
		for i := range tpLegs {
			if i == len(tpLegs)-1 {
				tpLegs[i].PercentOfTotal = hundred.Sub(allocated)
				break
			}
			pct := tpLegs[i].Quantity.Mul(hundred).Div(total).Round(4)
			tpLegs[i].PercentOfTotal = pct
			allocated = allocated.Add(pct)
		}
	}

	m, err := NewPositionMonitor(key, live.Size, live.AvgPrice, tpLegs, sl, nil, chatID)
	if err != nil {
		return nil, err
	}
	if err := e.store.Upsert(m); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("monitor_key", key.String()).
		Str("size", live.Size.String()).
		Int("tp_legs", len(tpLegs)).
		Msg("Adopted unmonitored position")
	return m, nil
}
