package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/model"
)

// ReplaceTable makes schema.table hold exactly the rows of t. All columns
// are text. The table is created when missing and truncated otherwise, in
// one transaction, so readers see either the old or the new content.
func ReplaceTable(ctx context.Context, pool Pool, schema, table string, t *model.Table) (int64, error) {
	if t == nil || len(t.Columns) == 0 {
		return 0, eris.New("db: replace: table has no columns")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	target := pgx.Identifier{schema, table}.Sanitize()
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", target, columnDefs(t.Columns)),
		fmt.Sprintf("TRUNCATE %s", target),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "db: replace: %s", strings.SplitN(stmt, " (", 2)[0])
		}
	}

	rows := make([][]any, len(t.Rows))
	for i, r := range t.Rows {
		vals := make([]any, len(r))
		for j, v := range r {
			vals[j] = v
		}
		rows[i] = vals
	}
	n, err := CopyFromSchema(ctx, tx, schema, table, t.Columns, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}

	zap.L().Info("db: table replaced",
		zap.String("table", schema+"."+table),
		zap.Int64("rows", n),
	)
	return n, nil
}

// columnDefs renders "col" text, ... for a CREATE TABLE.
func columnDefs(cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " text"
	}
	return strings.Join(defs, ", ")
}
