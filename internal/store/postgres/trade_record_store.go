package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// TradeRecordStore implements domain.TradeRecordStore using PostgreSQL.
type TradeRecordStore struct {
	pool *pgxpool.Pool
}

// NewTradeRecordStore creates a new TradeRecordStore backed by the given connection pool.
func NewTradeRecordStore(pool *pgxpool.Pool) *TradeRecordStore {
	return &TradeRecordStore{pool: pool}
}

const tradeRecordSelectCols = `position_id, instance_key, scheme, symbol, direction,
	entry_price, exit_price, size, leverage, entry_time, exit_time, holding_ns,
	gross_pnl::text, fees::text, funding::text, net_pnl::text, exit_reason`

func scanTradeRecordRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	for rows.Next() {
		var (
			r                         domain.TradeRecord
			direction, reason         string
			holding                   int64
			gross, fees, funding, net string
		)
		if err := rows.Scan(
			&r.PositionID, &r.InstanceKey, &r.Scheme, &r.Symbol, &direction,
			&r.EntryPrice, &r.ExitPrice, &r.Size, &r.Leverage,
			&r.EntryTime, &r.ExitTime, &holding,
			&gross, &fees, &funding, &net, &reason,
		); err != nil {
			return nil, err
		}
		r.Direction = domain.Direction(direction)
		r.ExitReason = domain.ExitReason(reason)
		r.HoldingDuration = time.Duration(holding)
		r.EntryTime = r.EntryTime.UTC()
		r.ExitTime = r.ExitTime.UTC()

		var err error
		if r.GrossPnL, err = parseNumeric(gross); err != nil {
			return nil, fmt.Errorf("gross_pnl: %w", err)
		}
		if r.Fees, err = parseNumeric(fees); err != nil {
			return nil, fmt.Errorf("fees: %w", err)
		}
		if r.Funding, err = parseNumeric(funding); err != nil {
			return nil, fmt.Errorf("funding: %w", err)
		}
		if r.NetPnL, err = parseNumeric(net); err != nil {
			return nil, fmt.Errorf("net_pnl: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Insert writes one ledger row. A second insert for the same position
// returns domain.ErrAlreadyExists.
func (s *TradeRecordStore) Insert(ctx context.Context, r domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_records (
			position_id, instance_key, scheme, symbol, direction,
			entry_price, exit_price, size, leverage,
			entry_time, exit_time, holding_ns,
			gross_pnl, fees, funding, net_pnl, exit_reason
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13::numeric, $14::numeric, $15::numeric, $16::numeric, $17
		) ON CONFLICT (position_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		r.PositionID, r.InstanceKey, r.Scheme, r.Symbol, string(r.Direction),
		r.EntryPrice, r.ExitPrice, r.Size, r.Leverage,
		r.EntryTime, r.ExitTime, int64(r.HoldingDuration),
		r.GrossPnL.String(), r.Fees.String(), r.Funding.String(), r.NetPnL.String(),
		string(r.ExitReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade record %s: %w", r.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert trade record %s: %w", r.PositionID, domain.ErrAlreadyExists)
	}
	return nil
}

// List returns ledger rows newest first, filtered by instance and exit time.
func (s *TradeRecordStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	q := newListQuery(`SELECT ` + tradeRecordSelectCols + ` FROM trade_records WHERE 1=1`)
	if opts.InstanceKey != "" {
		q.where("instance_key = $%d", opts.InstanceKey)
	}
	if opts.Since != nil {
		q.where("exit_time >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where("exit_time <= $%d", *opts.Until)
	}
	q.page("exit_time DESC", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records: %w", err)
	}
	return recs, nil
}

// ListBefore returns up to limit rows that closed before the cutoff, oldest
// first.
func (s *TradeRecordStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeRecordSelectCols+` FROM trade_records
		 WHERE exit_time < $1
		 ORDER BY exit_time ASC
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	recs, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records before: %w", err)
	}
	return recs, nil
}

// DeleteBefore removes rows that closed before the cutoff.
func (s *TradeRecordStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_records WHERE exit_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade records before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// SumNet totals net PnL of rows that closed at or after since. An empty
// instance key sums every instance.
func (s *TradeRecordStore) SumNet(ctx context.Context, instanceKey string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(net_pnl), 0)::text FROM trade_records
		 WHERE exit_time >= $1 AND ($2 = '' OR instance_key = $2)`,
		since, instanceKey,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum net pnl: %w", err)
	}
	d, err := parseNumeric(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse net pnl sum %q: %w", total, err)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.TradeRecordStore = (*TradeRecordStore)(nil)
