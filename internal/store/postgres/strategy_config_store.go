package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// StrategyConfigStore implements domain.StrategyConfigStore using PostgreSQL.
type StrategyConfigStore struct {
	pool *pgxpool.Pool
}

// NewStrategyConfigStore creates a new StrategyConfigStore backed by the given connection pool.
func NewStrategyConfigStore(pool *pgxpool.Pool) *StrategyConfigStore {
	return &StrategyConfigStore{pool: pool}
}

// Get retrieves the stored configuration of one instance.
func (s *StrategyConfigStore) Get(ctx context.Context, instanceKey string) (domain.StrategyConfigRecord, error) {
	const query = `SELECT instance_key, config_json, version, updated_at FROM strategy_configs WHERE instance_key = $1`

	var rec domain.StrategyConfigRecord
	err := s.pool.QueryRow(ctx, query, instanceKey).Scan(
		&rec.InstanceKey, &rec.Payload, &rec.Version, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyConfigRecord{}, domain.ErrNotFound
		}
		return domain.StrategyConfigRecord{}, fmt.Errorf("postgres: get strategy config %s: %w", instanceKey, err)
	}
	return rec, nil
}

// Upsert stores the JSON payload and bumps the version. It returns the new
// version.
func (s *StrategyConfigStore) Upsert(ctx context.Context, rec domain.StrategyConfigRecord) (int64, error) {
	const query = `
		INSERT INTO strategy_configs (instance_key, config_json, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (instance_key) DO UPDATE SET
			config_json = EXCLUDED.config_json,
			version     = strategy_configs.version + 1,
			updated_at  = NOW()
		RETURNING version`

	var version int64
	if err := s.pool.QueryRow(ctx, query, rec.InstanceKey, rec.Payload).Scan(&version); err != nil {
		return 0, fmt.Errorf("postgres: upsert strategy config %s: %w", rec.InstanceKey, err)
	}
	return version, nil
}

// List returns all stored configurations ordered by instance key.
func (s *StrategyConfigStore) List(ctx context.Context) ([]domain.StrategyConfigRecord, error) {
	const query = `SELECT instance_key, config_json, version, updated_at FROM strategy_configs ORDER BY instance_key`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy configs: %w", err)
	}
	defer rows.Close()

	var recs []domain.StrategyConfigRecord
	for rows.Next() {
		var rec domain.StrategyConfigRecord
		if err := rows.Scan(&rec.InstanceKey, &rec.Payload, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy config: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategy configs rows: %w", err)
	}
	return recs, nil
}

// Compile-time interface check.
var _ domain.StrategyConfigStore = (*StrategyConfigStore)(nil)
