package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
)

// noopWriter satisfies SnapshotWriter without touching disk.
type noopWriter struct{}

func (noopWriter) WriteSnapshot(map[string]*PositionMonitor) error { return nil }

// recordingAlerts captures every alert-port push, including nil-chat ones.
type recordingAlerts struct {
	mu    sync.Mutex
	calls []alertCall
}

type alertCall struct {
	ChatID *int64
	Kind   string
}

func (r *recordingAlerts) Notify(chatID *int64, kind string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, alertCall{ChatID: chatID, Kind: kind})
}

func (r *recordingAlerts) byKind(kind string) []alertCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alertCall
	for _, c := range r.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// recordingArchiver captures closed monitors handed to the archive.
type recordingArchiver struct {
	mu     sync.Mutex
	closed []Key
}

func (r *recordingArchiver) ArchiveClosed(_ context.Context, m *PositionMonitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, m.Key())
	return nil
}

// wrongAccountClient reports itself as one account but serves position data
// stamped with the other, simulating a wiring bug upstream of the detector.
type wrongAccountClient struct {
	*bybit.MockClient
	serves bybit.Account
}

func (c *wrongAccountClient) GetPosition(ctx context.Context, symbol string) (*bybit.Position, error) {
	pos, err := c.MockClient.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	pos.Account = c.serves
	return pos, nil
}

func testEngine(t *testing.T, client bybit.Client, alerts AlertPort, archiver Archiver) (*Engine, *Store) {
	t.Helper()
	store := NewStore(noopWriter{}, zerolog.Nop())
	engine := NewEngine(DefaultEngineConfig(), store, bybit.NewClientSet(client), alerts, archiver, nil, zerolog.Nop())
	return engine, store
}

// scriptMonitorState scripts the mock's position and resting ladder to
// match the monitor exactly.
func scriptMonitorState(client *bybit.MockClient, m *PositionMonitor) {
	client.SetPosition(m.Symbol, m.Side, m.RemainingSize, m.AvgPrice)
	scriptLadder(client, m)
}

// ============================================================================
// TEST CASES: TP FILL PASS
// ============================================================================

// TestReconcileTPFillPass runs the canonical pass: a 100 contract position
// with the 85/5/5/5 ladder where TP1 fills. The pass must credit the leg,
// rebalance the surviving legs and the stop, move the stop to breakeven and
// advance to PROFIT_TAKING.
func TestReconcileTPFillPass(t *testing.T) {
	m := conservativeMonitor(t)
	chatID := int64(42)
	m.ChatID = &chatID

	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("15"), d("50000")) // TP1 filled

	alerts := &recordingAlerts{}
	engine, store := testEngine(t, client, alerts, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("ReconcileKey failed: %v", err)
	}

	got, err := store.Get(m.Key())
	if err != nil {
		t.Fatalf("Get after pass failed: %v", err)
	}

	if !got.RemainingSize.Equal(d("15")) {
		t.Errorf("Expected remaining 15, got %s", got.RemainingSize)
	}
	if !got.FilledTPIndices[0] {
		t.Error("TP1 should be credited")
	}
	if got.Phase != PhaseProfitTaking {
		t.Errorf("Expected PROFIT_TAKING, got %s", got.Phase)
	}
	if !got.SL.Price.Equal(d("50000")) {
		t.Errorf("Stop should sit at breakeven 50000, got %s", got.SL.Price)
	}
	if !got.SL.Quantity.Equal(d("15")) {
		t.Errorf("Stop should cover the remaining 15, got %s", got.SL.Quantity)
	}
	for _, idx := range []int{1, 2, 3} {
		if !got.TPLegs[idx].Quantity.Equal(d("0.75")) {
			t.Errorf("Leg %d: expected rebalanced quantity 0.75, got %s", idx, got.TPLegs[idx].Quantity)
		}
	}

	if calls := alerts.byKind("tp_filled"); len(calls) != 1 || calls[0].ChatID == nil || *calls[0].ChatID != 42 {
		t.Errorf("Expected one tp_filled alert to chat 42, got %+v", calls)
	}
	if calls := alerts.byKind("breakeven_moved"); len(calls) != 1 {
		t.Errorf("Expected one breakeven_moved alert, got %d", len(calls))
	}
}

// TestReconcileIdempotentSecondPass verifies a second pass over unchanged
// live state issues no gateway mutations.
func TestReconcileIdempotentSecondPass(t *testing.T) {
	m := conservativeMonitor(t)

	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("15"), d("50000"))

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("First pass failed: %v", err)
	}

	client.ResetCallLog()
	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	if calls := client.CallLog(); len(calls) != 0 {
		t.Errorf("Second pass over unchanged state must be silent, got %v", calls)
	}
}

// ============================================================================
// TEST CASES: MIRROR SILENCE
// ============================================================================

// TestReconcileMirrorMonitorStaysSilent verifies a mirror monitor's pass
// pushes alerts with a nil chat id only.
func TestReconcileMirrorMonitorStaysSilent(t *testing.T) {
	legs, err := BuildConservativeLadder(d("100"), testPrices())
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}
	for i := range legs {
		legs[i].OrderID = "mtp-" + string(rune('1'+i))
	}
	key := Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMirror}
	sl := &SLLeg{OrderID: "msl-1", Price: d("49000"), Quantity: d("100")}
	m, err := NewPositionMonitor(key, d("100"), d("50000"), legs, sl, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}

	client := bybit.NewMockClient(bybit.AccountMirror)
	scriptLadder(client, m)
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("15"), d("50000"))

	alerts := &recordingAlerts{}
	engine, store := testEngine(t, client, alerts, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), key); err != nil {
		t.Fatalf("ReconcileKey failed: %v", err)
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.calls) == 0 {
		t.Fatal("Expected alert-port pushes for the mirror pass")
	}
	for _, c := range alerts.calls {
		if c.ChatID != nil {
			t.Errorf("Mirror monitor pushed alert %q with a chat id", c.Kind)
		}
	}
}

// ============================================================================
// TEST CASES: ISOLATION GUARDS
// ============================================================================

// TestReconcileAccountMismatchNoMutation verifies wrong-account position
// data aborts the pass without touching the monitor.
func TestReconcileAccountMismatchNoMutation(t *testing.T) {
	m := conservativeMonitor(t) // main account

	inner := bybit.NewMockClient(bybit.AccountMain)
	inner.SetPosition("BTCUSDT", bybit.SideBuy, d("15"), d("50000"))
	client := &wrongAccountClient{MockClient: inner, serves: bybit.AccountMirror}

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("Pass should absorb the mismatch, got %v", err)
	}

	got, err := store.Get(m.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.RemainingSize.Equal(d("100")) {
		t.Errorf("Monitor mutated despite account mismatch: remaining %s", got.RemainingSize)
	}
	if len(got.FilledTPIndices) != 0 {
		t.Error("No leg may be credited from wrong-account data")
	}
}

// TestReconcileUnconfiguredAccount verifies a monitor keyed to an account
// without a client fails loudly instead of falling back.
func TestReconcileUnconfiguredAccount(t *testing.T) {
	key := Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMirror}
	m, err := NewPositionMonitor(key, d("100"), d("50000"), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}

	// Client set only knows the main account.
	engine, store := testEngine(t, bybit.NewMockClient(bybit.AccountMain), &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), key); err == nil {
		t.Error("Expected an error for an unconfigured account")
	}
}

// TestSuspiciousReductionSingleDiagnostic verifies the impossible-reduction
// diagnostic fires once per session, not once per cycle.
func TestSuspiciousReductionSingleDiagnostic(t *testing.T) {
	m := conservativeMonitor(t)
	chatID := int64(42)
	m.ChatID = &chatID
	m.RemainingSize = d("95")
	m.FilledTPIndices[1] = true
	m.TPLegs[1].Filled = true
	m.Phase = PhaseProfitTaking

	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	// Live data shows the position flipped to the other side.
	client.SetPosition("BTCUSDT", bybit.SideSell, d("25"), d("50000"))

	alerts := &recordingAlerts{}
	engine, store := testEngine(t, client, alerts, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
			t.Fatalf("Pass %d failed: %v", i, err)
		}
	}

	if calls := alerts.byKind("suspicious_reduction"); len(calls) != 1 {
		t.Errorf("Expected exactly one diagnostic, got %d", len(calls))
	}

	got, err := store.Get(m.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.RemainingSize.Equal(d("95")) {
		t.Errorf("Monitor mutated by a suspicious reduction: remaining %s", got.RemainingSize)
	}
}

// TestScheduleCollisionSkipsPass verifies a second pass for a key already
// reconciling is skipped, not queued.
func TestScheduleCollisionSkipsPass(t *testing.T) {
	m := conservativeMonitor(t)
	client := bybit.NewMockClient(bybit.AccountMain)
	scriptMonitorState(client, m)

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	engine.keyLock(m.Key()).Lock()
	defer engine.keyLock(m.Key()).Unlock()

	if err := engine.ReconcileKey(context.Background(), m.Key()); !errors.Is(err, ErrScheduleCollision) {
		t.Errorf("Expected ErrScheduleCollision, got %v", err)
	}
}

// ============================================================================
// TEST CASES: CLOSURE
// ============================================================================

// TestReconcileClosesOnFinalLeg verifies filling the designated final leg
// archives the monitor and removes it from the store.
func TestReconcileClosesOnFinalLeg(t *testing.T) {
	m := conservativeMonitor(t)
	chatID := int64(42)
	m.ChatID = &chatID

	// Legs 2-4 already credited in earlier passes; only TP1 (85%) remains.
	for _, idx := range []int{1, 2, 3} {
		m.CreditTPFill(idx)
	}
	m.RemainingSize = d("85")
	m.Phase = PhaseProfitTaking

	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("0"), d("50000"))

	alerts := &recordingAlerts{}
	archiver := &recordingArchiver{}
	engine, store := testEngine(t, client, alerts, archiver)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("ReconcileKey failed: %v", err)
	}

	if _, err := store.Get(m.Key()); !errors.Is(err, ErrMonitorNotFound) {
		t.Errorf("Closed monitor should be removed from the store, got %v", err)
	}
	if len(archiver.closed) != 1 || archiver.closed[0] != m.Key() {
		t.Errorf("Expected one archived closure for %s, got %v", m.Key(), archiver.closed)
	}
	if calls := alerts.byKind("position_closed"); len(calls) != 1 {
		t.Errorf("Expected one position_closed alert, got %d", len(calls))
	}
}

// ============================================================================
// TEST CASES: BUILDING PHASE
// ============================================================================

// TestReconcileLimitFillWhileBuilding verifies an entry leg fill while
// BUILDING grows the monitor, rebalances the ladder to the new size and
// arms the monitor once the last entry leg is in.
func TestReconcileLimitFillWhileBuilding(t *testing.T) {
	legs, err := BuildConservativeLadder(d("50"), testPrices())
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}
	for i := range legs {
		legs[i].OrderID = "tp-" + string(rune('1'+i))
	}
	sl := &SLLeg{OrderID: "sl-1", Price: d("49000"), Quantity: d("50")}
	limits := []LimitLeg{{OrderID: "lim-1", Price: d("49500"), Quantity: d("50")}}

	m, err := NewPositionMonitor(testKey(), d("50"), d("50000"), legs, sl, limits, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}

	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	// The entry leg filled: 50 -> 100 at a blended average.
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("100"), d("49750"))

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.ReconcileKey(context.Background(), m.Key()); err != nil {
		t.Fatalf("ReconcileKey failed: %v", err)
	}

	got, err := store.Get(m.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !got.RemainingSize.Equal(d("100")) {
		t.Errorf("Expected remaining 100 after entry fill, got %s", got.RemainingSize)
	}
	if !got.EntryPrice.Equal(d("49750")) {
		t.Errorf("Expected blended entry 49750, got %s", got.EntryPrice)
	}
	if got.Phase != PhaseMonitoring {
		t.Errorf("Expected MONITORING after the last entry leg, got %s", got.Phase)
	}
	if !got.TPLegs[0].Quantity.Equal(d("85")) {
		t.Errorf("TP1 should be rebalanced to 85, got %s", got.TPLegs[0].Quantity)
	}
	if !got.SL.Quantity.Equal(d("100")) {
		t.Errorf("Stop should cover the full 100, got %s", got.SL.Quantity)
	}
}

// ============================================================================
// TEST CASES: STREAM HINTS AND ADOPTION
// ============================================================================

// TestOnOrderUpdateWakesMonitor verifies a stream fill hint triggers an
// immediate pass for the matching key.
func TestOnOrderUpdateWakesMonitor(t *testing.T) {
	m := conservativeMonitor(t)
	client := bybit.NewMockClient(bybit.AccountMain)
	scriptLadder(client, m)
	client.SetPosition("BTCUSDT", bybit.SideBuy, d("15"), d("50000"))

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)
	if err := store.Upsert(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	engine.OnOrderUpdate(bybit.OrderUpdate{
		Account:     bybit.AccountMain,
		Symbol:      "BTCUSDT",
		OrderID:     "tp-1",
		OrderStatus: "Filled",
	})

	got, err := store.Get(m.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.FilledTPIndices[0] {
		t.Error("Stream hint should have reconciled the TP fill")
	}
}

// TestAdoptOrphanPosition verifies a live position with a resting ladder
// and no monitor is adopted with percentages summing to 100.
func TestAdoptOrphanPosition(t *testing.T) {
	client := bybit.NewMockClient(bybit.AccountMain)
	client.SetPosition("ETHUSDT", bybit.SideSell, d("10"), d("3000"))
	client.AddOrder(bybit.Order{OrderID: "a-tp1", Symbol: "ETHUSDT", Kind: bybit.OrderKindTakeProfit, Quantity: d("8.5"), Price: d("2900")})
	client.AddOrder(bybit.Order{OrderID: "a-tp2", Symbol: "ETHUSDT", Kind: bybit.OrderKindTakeProfit, Quantity: d("1.5"), Price: d("2800")})
	client.AddOrder(bybit.Order{OrderID: "a-sl", Symbol: "ETHUSDT", Kind: bybit.OrderKindStopLoss, Quantity: d("10"), TriggerPrice: d("3100")})

	engine, store := testEngine(t, client, &recordingAlerts{}, nil)

	m, err := engine.Adopt(context.Background(), bybit.AccountMain, "ETHUSDT", nil)
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	if !m.InitialSize.Equal(d("10")) {
		t.Errorf("Expected adopted size 10, got %s", m.InitialSize)
	}
	sum := decimal.Zero
	for _, leg := range m.TPLegs {
		sum = sum.Add(leg.PercentOfTotal)
	}
	if !sum.Equal(d("100")) {
		t.Errorf("Adopted leg percentages must sum to 100, got %s", sum)
	}
	if m.SL == nil || !m.SL.Price.Equal(d("3100")) {
		t.Error("Adopted monitor should carry the resting stop")
	}

	if _, err := store.Get(m.Key()); err != nil {
		t.Errorf("Adopted monitor should be in the store: %v", err)
	}

	// Second adoption for the same key must be rejected.
	if _, err := engine.Adopt(context.Background(), bybit.AccountMain, "ETHUSDT", nil); !errors.Is(err, ErrMonitorExists) {
		t.Errorf("Expected ErrMonitorExists, got %v", err)
	}
}
