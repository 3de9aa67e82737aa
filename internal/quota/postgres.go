package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists quota windows in the quota_windows table. The row
// version column backs the compare-and-swap contract, so concurrent units and
// process restarts always observe a consistent counter state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context, configID uuid.UUID) (Window, error) {
	// Lazy row creation on first send attempt for a configuration.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_windows (config_id, hour_window_start, hour_count, day_window_start, day_count, version)
		VALUES ($1, now(), 0, now(), 0, 1)
		ON CONFLICT (config_id) DO NOTHING`, configID)
	if err != nil {
		return Window{}, fmt.Errorf("insert quota window: %w", err)
	}

	w := Window{ConfigID: configID}
	err = s.pool.QueryRow(ctx, `
		SELECT hour_window_start, hour_count, day_window_start, day_count, version
		FROM quota_windows
		WHERE config_id = $1`, configID).
		Scan(&w.HourStart, &w.HourCount, &w.DayStart, &w.DayCount, &w.Version)
	if err != nil {
		return Window{}, fmt.Errorf("load quota window: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, w Window) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quota_windows
		SET hour_window_start = $2,
		    hour_count        = $3,
		    day_window_start  = $4,
		    day_count         = $5,
		    version           = version + 1
		WHERE config_id = $1 AND version = $6`,
		w.ConfigID, w.HourStart, w.HourCount, w.DayStart, w.DayCount, w.Version)
	if err != nil {
		return false, fmt.Errorf("swap quota window: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
