package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Migrate upgrades raw snapshot bytes from the given version to the
// current schema. Migrations are deterministic and run exactly once at
// load time; business logic never sees a pre-migration shape.
func Migrate(data []byte, fromVersion int) ([]byte, error) {
	var err error
	for v := fromVersion; v < SchemaVersion; v++ {
		switch v {
		case 0, 1:
			data, err = migrateV1toV2(data)
		default:
			return nil, fmt.Errorf("%w: no migration path from version %d", ErrCorrupted, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// v1 snapshots had three defects this migration repairs:
//
//   - monitor keys of the form SYMBOL_Side, missing the account suffix;
//     these were always main-account monitors and are rekeyed as such
//   - TP legs stored as a mapping keyed by order id instead of an
//     ordered list; legs are normalized to a list in execution order
//     (largest percentage first, the conservative ladder's TP1)
//   - missing initial_size, backfilled from the remaining size
func migrateV1toV2(data []byte) ([]byte, error) {
	var file struct {
		SchemaVersion int                        `json:"schema_version"`
		SavedAt       json.RawMessage            `json:"saved_at"`
		Monitors      map[string]json.RawMessage `json:"monitors"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	migrated := make(map[string]json.RawMessage, len(file.Monitors))
	for key, raw := range file.Monitors {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: monitor %q: %v", ErrCorrupted, key, err)
		}

		newKey, err := migrateKey(key, m)
		if err != nil {
			return nil, err
		}

		if legs, ok := m["tp_legs"]; ok {
			normalized, err := normalizeTPLegs(legs)
			if err != nil {
				return nil, fmt.Errorf("%w: monitor %q: %v", ErrCorrupted, key, err)
			}
			m["tp_legs"] = normalized
		}

		if err := backfillInitialSize(m); err != nil {
			return nil, fmt.Errorf("%w: monitor %q: %v", ErrCorrupted, key, err)
		}

		out, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		migrated[newKey] = out
	}

	outFile := map[string]any{
		"schema_version": SchemaVersion,
		"saved_at":       file.SavedAt,
		"monitors":       migrated,
	}
	return json.Marshal(outFile)
}

// migrateKey appends the main-account suffix to legacy two-part keys and
// stamps the account field onto the monitor body.
func migrateKey(key string, m map[string]json.RawMessage) (string, error) {
	parts := strings.Split(key, "_")
	switch {
	case len(parts) >= 3:
		return key, nil
	case len(parts) == 2:
		// Legacy format predates the mirror account; these are main.
		m["account"] = json.RawMessage(`"main"`)
		return key + "_main", nil
	default:
		return "", fmt.Errorf("%w: unmigratable monitor key %q", ErrCorrupted, key)
	}
}

// normalizeTPLegs converts a legacy order-id-keyed mapping of TP legs into
// the ordered list representation. Already-ordered lists pass through.
func normalizeTPLegs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		return raw, nil
	}

	var byOrderID map[string]struct {
		Price          decimal.Decimal `json:"price"`
		Quantity       decimal.Decimal `json:"quantity"`
		PercentOfTotal decimal.Decimal `json:"percent_of_total"`
		Filled         bool            `json:"filled"`
	}
	if err := json.Unmarshal(raw, &byOrderID); err != nil {
		return nil, fmt.Errorf("tp_legs is neither a list nor a mapping: %v", err)
	}

	type leg struct {
		OrderID        string          `json:"order_id"`
		Price          decimal.Decimal `json:"price"`
		Quantity       decimal.Decimal `json:"quantity"`
		PercentOfTotal decimal.Decimal `json:"percent_of_total"`
		Filled         bool            `json:"filled"`
	}
	legs := make([]leg, 0, len(byOrderID))
	for orderID, l := range byOrderID {
		legs = append(legs, leg{
			OrderID:        orderID,
			Price:          l.Price,
			Quantity:       l.Quantity,
			PercentOfTotal: l.PercentOfTotal,
			Filled:         l.Filled,
		})
	}
	// Execution order: the conservative ladder's TP1 carries the largest
	// percentage. Ties fall back to order id for determinism.
	sort.Slice(legs, func(i, j int) bool {
		if !legs[i].PercentOfTotal.Equal(legs[j].PercentOfTotal) {
			return legs[i].PercentOfTotal.GreaterThan(legs[j].PercentOfTotal)
		}
		return legs[i].OrderID < legs[j].OrderID
	})

	return json.Marshal(legs)
}

// backfillInitialSize fills a missing or zero initial_size from the
// remaining size so the size invariant holds from the first pass.
func backfillInitialSize(m map[string]json.RawMessage) error {
	remainingRaw, ok := m["remaining_size"]
	if !ok {
		return nil
	}

	initialMissing := true
	if initialRaw, ok := m["initial_size"]; ok {
		var initial decimal.Decimal
		if err := json.Unmarshal(initialRaw, &initial); err != nil {
			return fmt.Errorf("bad initial_size: %v", err)
		}
		initialMissing = initial.IsZero()
	}
	if initialMissing {
		m["initial_size"] = remainingRaw
	}
	return nil
}
