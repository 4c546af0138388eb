package postgres

import (
	"fmt"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// listQuery builds a filtered, paginated SELECT with positional args.
type listQuery struct {
	sql  string
	args []any
}

func newListQuery(base string) *listQuery {
	return &listQuery{sql: base + " WHERE 1=1"}
}

func (q *listQuery) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.sql += fmt.Sprintf(" AND "+cond, len(q.args))
}

// window applies the time range on col, the ordering and the page bounds.
func (q *listQuery) window(col, orderBy string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(col+" <= $%d", *opts.Until)
	}
	q.sql += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}
