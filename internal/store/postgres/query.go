package postgres

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// listQuery builds a filtered, paginated SELECT with positional args.
type listQuery struct {
	sql  string
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	return &listQuery{sql: base, args: args}
}

func (q *listQuery) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.sql += fmt.Sprintf(" AND "+cond, len(q.args))
}

func (q *listQuery) page(orderBy string, limit, offset int) {
	q.sql += " ORDER BY " + orderBy
	if limit > 0 {
		q.args = append(q.args, limit)
		q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if offset > 0 {
		q.args = append(q.args, offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// NUMERIC columns travel as text so no precision is lost in either
// direction.
func parseNumeric(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
