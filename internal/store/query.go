package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// placeholder renders the n-th (1-based) bind parameter for an engine.
type placeholder func(n int) string

func dollar(n int) string        { return fmt.Sprintf("$%d", n) }
func question(int) string        { return "?" }
func nativeTime(t time.Time) any { return t }

// buildRunQuery renders the history query. Pages are keyset-ordered by
// (created_at, id) descending so concurrent inserts never shift a page.
func buildRunQuery(q model.RunQuery, ph placeholder, conv func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	if q.TenantID != "" {
		conds = append(conds, "tenant_id = "+bind(q.TenantID))
	}
	if q.Status != "" {
		conds = append(conds, "status = "+bind(string(q.Status)))
	}
	if !q.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= "+bind(conv(q.CreatedAfter.UTC())))
	}
	if q.Before != nil {
		created := bind(conv(q.Before.CreatedAt.UTC()))
		id := bind(q.Before.RunID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", created, id))
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + bind(HistoryLimit(q.Limit))
	return query, args
}
