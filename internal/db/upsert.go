package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk upsert.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten on conflict. nil means every non-key
	// column; an empty non-nil slice keeps existing rows (DO NOTHING).
	UpdateCols []string
}

// BulkUpsertReturning is BulkUpsert that reports the returnCol value of
// every row actually inserted or updated. Rows skipped by DO NOTHING are
// not reported.
func BulkUpsertReturning(ctx context.Context, pool Pool, cfg UpsertConfig, returnCol string, rows [][]any) ([]string, error) {
	if returnCol == "" {
		return nil, eris.New("db: upsert: no returning column specified")
	}
	_, ids, err := bulkMerge(ctx, pool, cfg, returnCol, rows)
	return ids, err
}

// BulkUpsert COPYs rows into a transaction-scoped temp table and merges
// them into cfg.Table with INSERT ... ON CONFLICT.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	n, _, err := bulkMerge(ctx, pool, cfg, "", rows)
	return n, err
}

func bulkMerge(ctx context.Context, pool Pool, cfg UpsertConfig, returnCol string, rows [][]any) (int64, []string, error) {
	if len(rows) == 0 {
		return 0, nil, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, nil, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, nil, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		identifier(cfg.Table).Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	conflictList := quoteAndJoin(cfg.ConflictKeys)

	action := "DO NOTHING"
	if len(updateCols) > 0 {
		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			q := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(cfg.Table).Sanitize(),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflictList,
		action,
	)

	if returnCol == "" {
		tag, err := tx.Exec(ctx, upsertSQL)
		if err != nil {
			return 0, nil, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, nil, eris.Wrap(err, "db: upsert: commit tx")
		}
		return tag.RowsAffected(), nil, nil
	}

	result, err := tx.Query(ctx, upsertSQL+" RETURNING "+pgx.Identifier{returnCol}.Sanitize())
	if err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	returned, err := pgx.CollectRows(result, pgx.RowTo[string])
	if err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: read returned %s", returnCol)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "db: upsert: commit tx")
	}
	return int64(len(returned)), returned, nil
}

// identifier splits a schema-qualified name like "rulesmith.rule_queue".
func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
