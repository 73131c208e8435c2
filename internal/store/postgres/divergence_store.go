package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// DivergenceStore implements domain.DivergenceStore using PostgreSQL.
type DivergenceStore struct {
	pool *pgxpool.Pool
}

// NewDivergenceStore creates a new DivergenceStore backed by the given pool.
func NewDivergenceStore(pool *pgxpool.Pool) *DivergenceStore {
	return &DivergenceStore{pool: pool}
}

const divergenceSelectCols = `id::text, instrument, high_exchange, low_exchange,
	high_bid, low_bid, spread_percent, detected_at`

func scanDivergenceRows(rows pgx.Rows) ([]domain.DivergenceEvent, error) {
	var events []domain.DivergenceEvent
	for rows.Next() {
		var ev domain.DivergenceEvent
		if err := rows.Scan(
			&ev.ID, &ev.Instrument, &ev.HighExchange, &ev.LowExchange,
			&ev.HighBid, &ev.LowBid, &ev.SpreadPercent, &ev.DetectedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Insert stores ev. Re-inserting the same ID is a no-op.
func (s *DivergenceStore) Insert(ctx context.Context, ev domain.DivergenceEvent) error {
	const query = `
		INSERT INTO divergence_events (
			id, instrument, high_exchange, low_exchange,
			high_bid, low_bid, spread_percent, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Instrument, ev.HighExchange, ev.LowExchange,
		ev.HighBid, ev.LowBid, ev.SpreadPercent, ev.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert divergence %s: %w", ev.ID, err)
	}
	return nil
}

// ListRecent returns the newest events first. An empty instrument matches
// every instrument.
func (s *DivergenceStore) ListRecent(ctx context.Context, instrument string, limit int) ([]domain.DivergenceEvent, error) {
	limit = pageLimit(limit)
	query := `SELECT ` + divergenceSelectCols + ` FROM divergence_events`
	args := []any{}
	if instrument != "" {
		query += ` WHERE instrument = $1 ORDER BY detected_at DESC LIMIT $2`
		args = append(args, instrument, limit)
	} else {
		query += ` ORDER BY detected_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list divergences: %w", err)
	}
	defer rows.Close()

	events, err := scanDivergenceRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan divergences: %w", err)
	}
	return events, nil
}

// ListBefore returns every event detected before the cutoff, oldest first.
func (s *DivergenceStore) ListBefore(ctx context.Context, before time.Time) ([]domain.DivergenceEvent, error) {
	query := `SELECT ` + divergenceSelectCols + `
		FROM divergence_events WHERE detected_at < $1 ORDER BY detected_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list divergences before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	events, err := scanDivergenceRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan divergences: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events detected before the cutoff and returns how
// many rows were deleted.
func (s *DivergenceStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM divergence_events WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete divergences before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.DivergenceStore = (*DivergenceStore)(nil)
