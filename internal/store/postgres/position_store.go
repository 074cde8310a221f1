package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, instance_key, symbol, direction,
	entry_price, entry_time, size, size_fraction, leverage,
	stop_loss_price, take_profit_price,
	trailing_armed, trailing_best, trailing_stop,
	status, pending, pending_reason, exit_price, exit_time, exit_reason`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p                          domain.Position
		direction, status, pending string
		pendingReason, exitReason  string
		entryTime, exitTime        *time.Time
	)
	err := row.Scan(
		&p.ID, &p.InstanceKey, &p.Symbol, &direction,
		&p.EntryPrice, &entryTime, &p.Size, &p.SizeFraction, &p.Leverage,
		&p.StopLossPrice, &p.TakeProfitPrice,
		&p.Trailing.Armed, &p.Trailing.BestPrice, &p.Trailing.StopPrice,
		&status, &pending, &pendingReason, &p.ExitPrice, &exitTime, &exitReason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.Pending = domain.PendingState(pending)
	p.PendingReason = domain.ExitReason(pendingReason)
	p.ExitReason = domain.ExitReason(exitReason)
	p.EntryTime = fromNullTime(entryTime)
	p.ExitTime = fromNullTime(exitTime)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert writes the latest snapshot of a position, replacing any earlier one.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, instance_key, symbol, direction,
			entry_price, entry_time, size, size_fraction, leverage,
			stop_loss_price, take_profit_price,
			trailing_armed, trailing_best, trailing_stop,
			status, pending, pending_reason, exit_price, exit_time, exit_reason,
			updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			NOW()
		) ON CONFLICT (id) DO UPDATE SET
			entry_price       = EXCLUDED.entry_price,
			entry_time        = EXCLUDED.entry_time,
			size              = EXCLUDED.size,
			size_fraction     = EXCLUDED.size_fraction,
			leverage          = EXCLUDED.leverage,
			stop_loss_price   = EXCLUDED.stop_loss_price,
			take_profit_price = EXCLUDED.take_profit_price,
			trailing_armed    = EXCLUDED.trailing_armed,
			trailing_best     = EXCLUDED.trailing_best,
			trailing_stop     = EXCLUDED.trailing_stop,
			status            = EXCLUDED.status,
			pending           = EXCLUDED.pending,
			pending_reason    = EXCLUDED.pending_reason,
			exit_price        = EXCLUDED.exit_price,
			exit_time         = EXCLUDED.exit_time,
			exit_reason       = EXCLUDED.exit_reason,
			updated_at        = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.InstanceKey, p.Symbol, string(p.Direction),
		p.EntryPrice, nullTime(p.EntryTime), p.Size, p.SizeFraction, p.Leverage,
		p.StopLossPrice, p.TakeProfitPrice,
		p.Trailing.Armed, p.Trailing.BestPrice, p.Trailing.StopPrice,
		string(p.Status), string(p.Pending), string(p.PendingReason),
		p.ExitPrice, nullTime(p.ExitTime), string(p.ExitReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every position that is still open, newest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = $1
		 ORDER BY entry_time DESC NULLS LAST`, string(domain.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions with pagination and optional instance and
// entry-time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	q := newListQuery(`SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`)
	if opts.InstanceKey != "" {
		q.where("instance_key = $%d", opts.InstanceKey)
	}
	if opts.Since != nil {
		q.where("entry_time >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where("entry_time <= $%d", *opts.Until)
	}
	q.page("entry_time DESC NULLS LAST", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
