package monitor

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testKey() Key {
	return Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMain}
}

// conservativeMonitor builds a monitor holding 100 contracts with the
// standard 85/5/5/5 ladder and a full-size stop.
func conservativeMonitor(t *testing.T) *PositionMonitor {
	t.Helper()

	legs, err := BuildConservativeLadder(d("100"), []decimal.Decimal{
		d("51000"), d("52000"), d("53000"), d("54000"),
	})
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}
	for i := range legs {
		legs[i].OrderID = "tp-" + string(rune('1'+i))
	}

	sl := &SLLeg{OrderID: "sl-1", Price: d("49000"), Quantity: d("100")}

	m, err := NewPositionMonitor(testKey(), d("100"), d("50000"), legs, sl, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}
	return m
}

// ============================================================================
// TEST CASES: LADDER CONSTRUCTION
// ============================================================================

// TestBuildConservativeLadder verifies the 85/5/5/5 split sums exactly to
// the position size.
func TestBuildConservativeLadder(t *testing.T) {
	legs, err := BuildConservativeLadder(d("100"), []decimal.Decimal{
		d("51000"), d("52000"), d("53000"), d("54000"),
	})
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}

	if len(legs) != 4 {
		t.Fatalf("Expected 4 legs, got %d", len(legs))
	}

	expected := []string{"85", "5", "5", "5"}
	total := decimal.Zero
	for i, leg := range legs {
		if !leg.Quantity.Equal(d(expected[i])) {
			t.Errorf("Leg %d: expected quantity %s, got %s", i, expected[i], leg.Quantity)
		}
		total = total.Add(leg.Quantity)
	}
	if !total.Equal(d("100")) {
		t.Errorf("Leg quantities sum to %s, expected 100", total)
	}

	pctSum := decimal.Zero
	for _, leg := range legs {
		pctSum = pctSum.Add(leg.PercentOfTotal)
	}
	if !pctSum.Equal(d("100")) {
		t.Errorf("Percentages sum to %s, expected 100", pctSum)
	}
}

// TestBuildConservativeLadderRoundingResidue verifies the last leg absorbs
// rounding so quantities still sum exactly to the total.
func TestBuildConservativeLadderRoundingResidue(t *testing.T) {
	total := d("0.0333")
	legs, err := BuildConservativeLadder(total, []decimal.Decimal{
		d("51000"), d("52000"), d("53000"), d("54000"),
	})
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}

	sum := decimal.Zero
	for _, leg := range legs {
		sum = sum.Add(leg.Quantity)
	}
	if !sum.Equal(total) {
		t.Errorf("Leg quantities sum to %s, expected %s", sum, total)
	}
}

func TestBuildConservativeLadderWrongPriceCount(t *testing.T) {
	_, err := BuildConservativeLadder(d("100"), []decimal.Decimal{d("51000")})
	if err == nil {
		t.Error("Expected error for wrong number of prices")
	}
}

// ============================================================================
// TEST CASES: MONITOR CREATION
// ============================================================================

func TestNewPositionMonitorRejectsBadPercentages(t *testing.T) {
	legs := []TPLeg{
		{OrderID: "tp-1", Quantity: d("85"), PercentOfTotal: d("85")},
		{OrderID: "tp-2", Quantity: d("5"), PercentOfTotal: d("5")},
	}
	_, err := NewPositionMonitor(testKey(), d("100"), d("50000"), legs, nil, nil, nil)
	if !errors.Is(err, ErrBadPercentages) {
		t.Errorf("Expected ErrBadPercentages, got %v", err)
	}
}

func TestNewPositionMonitorRejectsInvalidKey(t *testing.T) {
	key := Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: "staging"}
	_, err := NewPositionMonitor(key, d("100"), d("50000"), nil, nil, nil, nil)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for unknown account, got %v", err)
	}
}

func TestNewPositionMonitorRejectsZeroSize(t *testing.T) {
	_, err := NewPositionMonitor(testKey(), decimal.Zero, d("50000"), nil, nil, nil, nil)
	if !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize, got %v", err)
	}
}

// TestNewPositionMonitorPhaseSelection verifies monitors with pending entry
// legs start BUILDING and fully-entered ones start MONITORING.
func TestNewPositionMonitorPhaseSelection(t *testing.T) {
	m, err := NewPositionMonitor(testKey(), d("100"), d("50000"), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}
	if m.Phase != PhaseMonitoring {
		t.Errorf("Expected MONITORING without limit legs, got %s", m.Phase)
	}

	limits := []LimitLeg{{OrderID: "lim-1", Price: d("49500"), Quantity: d("50")}}
	m, err = NewPositionMonitor(testKey(), d("50"), d("50000"), nil, nil, limits, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}
	if m.Phase != PhaseBuilding {
		t.Errorf("Expected BUILDING with pending limit legs, got %s", m.Phase)
	}
}

// ============================================================================
// TEST CASES: KEY
// ============================================================================

func TestKeyString(t *testing.T) {
	key := testKey()
	if key.String() != "BTCUSDT_Buy_main" {
		t.Errorf("Expected BTCUSDT_Buy_main, got %s", key.String())
	}
}

// TestKeyDistinguishesAccounts verifies the same symbol and side on main
// and mirror produce distinct keys.
func TestKeyDistinguishesAccounts(t *testing.T) {
	main := Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMain}
	mirror := Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMirror}
	if main == mirror {
		t.Error("Main and mirror keys must not collide")
	}
	if main.String() == mirror.String() {
		t.Error("Main and mirror key strings must differ")
	}
}

// ============================================================================
// TEST CASES: TP FILL CREDITING
// ============================================================================

// TestCreditTPFillIdempotent verifies the same leg cannot be credited twice.
func TestCreditTPFillIdempotent(t *testing.T) {
	m := conservativeMonitor(t)

	if !m.CreditTPFill(0) {
		t.Fatal("First credit should succeed")
	}
	if m.CreditTPFill(0) {
		t.Error("Second credit of the same leg must be rejected")
	}
	if !m.TPLegs[0].Filled {
		t.Error("Credited leg should be marked filled")
	}
}

func TestCreditTPFillOutOfRange(t *testing.T) {
	m := conservativeMonitor(t)
	if m.CreditTPFill(-1) || m.CreditTPFill(4) {
		t.Error("Out-of-range leg indices must be rejected")
	}
}

// TestFinalTPIndex verifies the designated final leg is the highest
// percentage leg, with ties broken by the last index.
func TestFinalTPIndex(t *testing.T) {
	m := conservativeMonitor(t)
	if idx := m.FinalTPIndex(); idx != 0 {
		t.Errorf("Expected final leg 0 (85%%), got %d", idx)
	}

	// Equal split: last leg wins the tie.
	legs := []TPLeg{
		{Quantity: d("25"), PercentOfTotal: d("25")},
		{Quantity: d("25"), PercentOfTotal: d("25")},
		{Quantity: d("25"), PercentOfTotal: d("25")},
		{Quantity: d("25"), PercentOfTotal: d("25")},
	}
	even, err := NewPositionMonitor(testKey(), d("100"), d("50000"), legs, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}
	if idx := even.FinalTPIndex(); idx != 3 {
		t.Errorf("Expected tie to resolve to last leg 3, got %d", idx)
	}
}

// ============================================================================
// TEST CASES: CLONE
// ============================================================================

// TestCloneIsolation verifies mutating a clone never leaks into the source.
func TestCloneIsolation(t *testing.T) {
	m := conservativeMonitor(t)
	chatID := int64(42)
	m.ChatID = &chatID

	clone := m.Clone()
	clone.CreditTPFill(0)
	clone.RemainingSize = d("15")
	clone.SL.Quantity = d("15")
	*clone.ChatID = 99

	if m.FilledTPIndices[0] {
		t.Error("Clone fill credit leaked into source monitor")
	}
	if m.TPLegs[0].Filled {
		t.Error("Clone leg mutation leaked into source monitor")
	}
	if !m.RemainingSize.Equal(d("100")) {
		t.Error("Clone size mutation leaked into source monitor")
	}
	if !m.SL.Quantity.Equal(d("100")) {
		t.Error("Clone SL mutation leaked into source monitor")
	}
	if *m.ChatID != 42 {
		t.Error("Clone chat id mutation leaked into source monitor")
	}
}

// ============================================================================
// TEST CASES: SIZE INVARIANT
// ============================================================================

func TestSizeInvariantHolds(t *testing.T) {
	m := conservativeMonitor(t)
	if !m.SizeInvariantHolds() {
		t.Error("Fresh monitor must satisfy the size invariant")
	}

	m.RemainingSize = d("-1")
	if m.SizeInvariantHolds() {
		t.Error("Negative remaining size must violate the invariant")
	}

	m.RemainingSize = d("101")
	if m.SizeInvariantHolds() {
		t.Error("Remaining above initial must violate the invariant")
	}

	m.RemainingSize = decimal.Zero
	if !m.SizeInvariantHolds() {
		t.Error("Zero remaining size is valid")
	}
}
