package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-bot/internal/monitor"
)

// ClosedPosition is one row of the closed_positions archive.
type ClosedPosition struct {
	ID           int
	Account      string
	Symbol       string
	Side         string
	EntryPrice   string
	InitialSize  string
	RealizedPnL  string
	TPLegsFilled int
	TPLegsTotal  int
	StopHit      bool
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// ArchiveRepository persists monitors that reached the terminal phase.
type ArchiveRepository struct {
	db     *DB
	logger zerolog.Logger
}

// NewArchiveRepository creates an archive repository.
func NewArchiveRepository(db *DB, logger zerolog.Logger) *ArchiveRepository {
	return &ArchiveRepository{
		db:     db,
		logger: logger.With().Str("component", "Archive").Logger(),
	}
}

// ArchiveClosed writes a terminal monitor into the trade-history archive.
// A stop hit is inferred from the monitor closing with unfilled TP legs.
func (r *ArchiveRepository) ArchiveClosed(ctx context.Context, m *monitor.PositionMonitor) error {
	filled := len(m.FilledTPIndices)
	stopHit := !m.AllTPsFilled && filled < len(m.TPLegs)

	query := `
		INSERT INTO closed_positions
			(account, symbol, side, entry_price, initial_size, realized_pnl,
			 tp_legs_filled, tp_legs_total, stop_hit, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Pool.Exec(ctx, query,
		string(m.Account),
		m.Symbol,
		string(m.Side),
		m.EntryPrice.String(),
		m.InitialSize.String(),
		m.RealizedPnL.String(),
		filled,
		len(m.TPLegs),
		stopHit,
		m.CreatedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive closed position: %w", err)
	}

	r.logger.Info().
		Str("symbol", m.Symbol).
		Str("account", string(m.Account)).
		Int("tp_legs_filled", filled).
		Bool("stop_hit", stopHit).
		Str("realized_pnl", m.RealizedPnL.String()).
		Msg("Archived closed position")
	return nil
}

// RecentClosed returns the most recent archived positions for an account.
func (r *ArchiveRepository) RecentClosed(ctx context.Context, account string, limit int) ([]*ClosedPosition, error) {
	query := `
		SELECT id, account, symbol, side, entry_price, initial_size, realized_pnl,
		       tp_legs_filled, tp_legs_total, stop_hit, opened_at, closed_at
		FROM closed_positions
		WHERE account = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var out []*ClosedPosition
	for rows.Next() {
		var p ClosedPosition
		if err := rows.Scan(
			&p.ID, &p.Account, &p.Symbol, &p.Side, &p.EntryPrice, &p.InitialSize,
			&p.RealizedPnL, &p.TPLegsFilled, &p.TPLegsTotal, &p.StopHit, &p.OpenedAt, &p.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan closed position: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
