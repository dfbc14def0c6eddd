package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-trading-bot/internal/bybit"
	"bybit-trading-bot/internal/monitor"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testStore(t *testing.T) *SnapshotStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitors.json")
	return NewSnapshotStore(path, zerolog.Nop())
}

func sampleMonitor(t *testing.T) *monitor.PositionMonitor {
	t.Helper()
	key := monitor.Key{Symbol: "BTCUSDT", Side: bybit.SideBuy, Account: bybit.AccountMain}
	legs, err := monitor.BuildConservativeLadder(d("100"), []decimal.Decimal{
		d("51000"), d("52000"), d("53000"), d("54000"),
	})
	if err != nil {
		t.Fatalf("BuildConservativeLadder failed: %v", err)
	}
	sl := &monitor.SLLeg{OrderID: "sl-1", Price: d("49000"), Quantity: d("100")}
	m, err := monitor.NewPositionMonitor(key, d("100"), d("50000"), legs, sl, nil, nil)
	if err != nil {
		t.Fatalf("NewPositionMonitor failed: %v", err)
	}
	return m
}

// ============================================================================
// TEST CASES: ROUNDTRIP
// ============================================================================

// TestSnapshotRoundtrip verifies a written snapshot loads back with the
// monitor state intact.
func TestSnapshotRoundtrip(t *testing.T) {
	store := testStore(t)
	m := sampleMonitor(t)
	m.CreditTPFill(1)
	m.RemainingSize = d("95")

	err := store.WriteSnapshot(map[string]*monitor.PositionMonitor{
		m.Key().String(): m,
	})
	if err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 monitor, got %d", len(loaded))
	}

	got := loaded[0]
	if got.Key() != m.Key() {
		t.Errorf("Key mismatch: %s vs %s", got.Key(), m.Key())
	}
	if !got.RemainingSize.Equal(d("95")) {
		t.Errorf("Expected remaining 95, got %s", got.RemainingSize)
	}
	if !got.FilledTPIndices[1] {
		t.Error("Filled-leg set lost in roundtrip")
	}
	if len(got.TPLegs) != 4 {
		t.Errorf("Expected 4 TP legs, got %d", len(got.TPLegs))
	}
}

// TestLoadMissingFile verifies a missing snapshot yields an empty store,
// not an error.
func TestLoadMissingFile(t *testing.T) {
	store := testStore(t)
	monitors, err := store.Load()
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if len(monitors) != 0 {
		t.Errorf("Expected no monitors, got %d", len(monitors))
	}
}

// TestLoadCorruptedFile verifies unparseable bytes surface ErrCorrupted so
// startup can refuse to proceed.
func TestLoadCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitors.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := NewSnapshotStore(path, zerolog.Nop())
	if _, err := store.Load(); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Expected ErrCorrupted, got %v", err)
	}
}

// TestLoadNewerSchemaRejected verifies a snapshot written by a newer
// release is treated as corrupted rather than misread.
func TestLoadNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitors.json")
	content := `{"schema_version": 99, "monitors": {}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := NewSnapshotStore(path, zerolog.Nop())
	if _, err := store.Load(); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Expected ErrCorrupted for a newer schema, got %v", err)
	}
}

// ============================================================================
// TEST CASES: V1 MIGRATION
// ============================================================================

// TestMigrateV1Snapshot verifies the three v1 repairs: account-less keys
// default to main, order-id-keyed TP legs become an ordered list, and a
// missing initial size is backfilled from the remaining size.
func TestMigrateV1Snapshot(t *testing.T) {
	v1 := `{
		"schema_version": 1,
		"monitors": {
			"BTCUSDT_Buy": {
				"symbol": "BTCUSDT",
				"side": "Buy",
				"remaining_size": "95",
				"entry_price": "50000",
				"avg_price": "50000",
				"phase": "MONITORING",
				"filled_tp_indices": {},
				"tp_legs": {
					"ord-b": {"price": "52000", "quantity": "5", "percent_of_total": "5"},
					"ord-a": {"price": "51000", "quantity": "85", "percent_of_total": "85"},
					"ord-c": {"price": "53000", "quantity": "5", "percent_of_total": "5"},
					"ord-d": {"price": "54000", "quantity": "5", "percent_of_total": "5", "filled": true}
				}
			}
		}
	}`

	path := filepath.Join(t.TempDir(), "monitors.json")
	if err := os.WriteFile(path, []byte(v1), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := NewSnapshotStore(path, zerolog.Nop())
	monitors, err := store.Load()
	if err != nil {
		t.Fatalf("Load of v1 snapshot failed: %v", err)
	}
	if len(monitors) != 1 {
		t.Fatalf("Expected 1 monitor, got %d", len(monitors))
	}

	m := monitors[0]
	if m.Account != bybit.AccountMain {
		t.Errorf("Legacy monitor should default to main, got %s", m.Account)
	}
	if m.Key().String() != "BTCUSDT_Buy_main" {
		t.Errorf("Expected rekeyed BTCUSDT_Buy_main, got %s", m.Key())
	}
	if !m.InitialSize.Equal(d("95")) {
		t.Errorf("Initial size should backfill from remaining, got %s", m.InitialSize)
	}

	// Largest percentage first; 5% ties ordered by order id.
	if len(m.TPLegs) != 4 {
		t.Fatalf("Expected 4 legs, got %d", len(m.TPLegs))
	}
	if m.TPLegs[0].OrderID != "ord-a" || !m.TPLegs[0].PercentOfTotal.Equal(d("85")) {
		t.Errorf("Leg 0 should be the 85%% leg ord-a, got %s (%s%%)", m.TPLegs[0].OrderID, m.TPLegs[0].PercentOfTotal)
	}
	wantTail := []string{"ord-b", "ord-c", "ord-d"}
	for i, want := range wantTail {
		if m.TPLegs[i+1].OrderID != want {
			t.Errorf("Leg %d: expected %s, got %s", i+1, want, m.TPLegs[i+1].OrderID)
		}
	}
	if !m.TPLegs[3].Filled {
		t.Error("Filled flag lost in leg normalization")
	}
}

// TestMigrateRejectsGarbageKey verifies a v1 key that fits no known format
// fails the load as corrupted.
func TestMigrateRejectsGarbageKey(t *testing.T) {
	v1 := `{"schema_version": 1, "monitors": {"BTCUSDT": {"symbol": "BTCUSDT"}}}`
	path := filepath.Join(t.TempDir(), "monitors.json")
	if err := os.WriteFile(path, []byte(v1), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := NewSnapshotStore(path, zerolog.Nop())
	if _, err := store.Load(); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Expected ErrCorrupted, got %v", err)
	}
}

// TestWriteReplacesAtomically verifies a rewrite leaves exactly one
// snapshot file and no temp residue.
func TestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitors.json")
	store := NewSnapshotStore(path, zerolog.Nop())
	m := sampleMonitor(t)

	for i := 0; i < 3; i++ {
		err := store.WriteSnapshot(map[string]*monitor.PositionMonitor{
			m.Key().String(): m,
		})
		if err != nil {
			t.Fatalf("WriteSnapshot %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "monitors.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only monitors.json, got %v", names)
	}
}
