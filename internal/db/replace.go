package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ReplaceConfig describes one partition replacement: every row matching
// Match is removed and Rows are copied in, in a single transaction.
type ReplaceConfig struct {
	Table   string
	Columns []string
	// MatchColumns and MatchValues identify the partition being replaced.
	MatchColumns []string
	MatchValues  []any
}

// ReplacePartition deletes the partition and copies the new rows within one
// transaction, so readers see either the old partition or the new one. It
// returns the number of rows deleted and inserted.
func ReplacePartition(ctx context.Context, pool Pool, cfg ReplaceConfig, rows [][]any) (deleted, inserted int64, err error) {
	if len(cfg.Columns) == 0 {
		return 0, 0, eris.New("db: replace: no columns specified")
	}
	if len(cfg.MatchColumns) == 0 || len(cfg.MatchColumns) != len(cfg.MatchValues) {
		return 0, 0, eris.New("db: replace: match columns and values must be non-empty and aligned")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, deleteSQL(cfg), cfg.MatchValues...)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "db: replace: delete from %s", cfg.Table)
	}

	inserted, err = copyRows(ctx, tx, cfg.Table, cfg.Columns, rows)
	if err != nil {
		return 0, 0, eris.Wrap(err, "db: replace")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return tag.RowsAffected(), inserted, nil
}

func deleteSQL(cfg ReplaceConfig) string {
	conds := make([]string, len(cfg.MatchColumns))
	for i, c := range cfg.MatchColumns {
		conds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", identifier(cfg.Table).Sanitize(), strings.Join(conds, " AND "))
}
