package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rulesmith/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS workflow_configs (
	version    INTEGER PRIMARY KEY,
	config     TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	document_id         TEXT NOT NULL REFERENCES documents(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	current_step        TEXT NOT NULL DEFAULT '',
	termination_reason  TEXT NOT NULL DEFAULT '',
	termination_details TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	error_type          TEXT NOT NULL DEFAULT '',
	config_snapshot     TEXT NOT NULL,
	results             TEXT NOT NULL DEFAULT '{}',
	retry_of            TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at          DATETIME,
	completed_at        DATETIME,
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rule_queue (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL REFERENCES executions(id),
	rule           TEXT NOT NULL,
	rule_yaml      TEXT NOT NULL,
	max_similarity REAL NOT NULL DEFAULT 0,
	matches        TEXT,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_document ON executions(document_id);
CREATE INDEX IF NOT EXISTS idx_rule_queue_status ON rule_queue(status);
CREATE INDEX IF NOT EXISTS idx_rule_queue_execution ON rule_queue(execution_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, url, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.URL, doc.Content, doc.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
	}
	return &doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, url, content, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.URL, &d.Content, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return &d, nil
}

func (s *SQLiteStore) CreateWorkflowConfig(ctx context.Context, cfg model.WorkflowConfig, activate bool) (*model.WorkflowConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin workflow config tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_configs`).Scan(&next); err != nil {
		return nil, eris.Wrap(err, "sqlite: next workflow version")
	}

	out := cfg.Clone()
	out.Version = next
	out.IsActive = activate
	out.CreatedAt = time.Now().UTC()

	if activate {
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_configs SET is_active = 0 WHERE is_active = 1`); err != nil {
			return nil, eris.Wrap(err, "sqlite: deactivate workflow configs")
		}
	}
	cfgJSON, err := marshalConfig(out)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_configs (version, config, is_active, created_at) VALUES (?, ?, ?, ?)`,
		out.Version, string(cfgJSON), out.IsActive, out.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert workflow config v%d", out.Version)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit workflow config")
	}
	return &out, nil
}

func (s *SQLiteStore) GetActiveWorkflowConfig(ctx context.Context) (*model.WorkflowConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, config, is_active, created_at FROM workflow_configs
		 WHERE is_active = 1 ORDER BY version DESC LIMIT 1`)
	cfg, err := scanWorkflowConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: active workflow config")
	}
	return cfg, eris.Wrap(err, "sqlite: get active workflow config")
}

func (s *SQLiteStore) GetWorkflowConfig(ctx context.Context, version int) (*model.WorkflowConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, config, is_active, created_at FROM workflow_configs WHERE version = ?`, version)
	cfg, err := scanWorkflowConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: workflow config v%d", version)
	}
	return cfg, eris.Wrapf(err, "sqlite: get workflow config v%d", version)
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	prepareExecution(exec)
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, document_id, status, current_step, termination_reason, termination_details,
			error_message, error_type, config_snapshot, results, retry_of, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DocumentID, string(exec.Status), string(exec.CurrentStep),
		string(exec.TerminationReason), exec.TerminationDetails, exec.ErrorMessage, exec.ErrorType,
		string(row.config), string(row.results), exec.RetryOf,
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert execution %s", exec.ID)
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *model.Execution) error {
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	exec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step = ?, termination_reason = ?, termination_details = ?,
			error_message = ?, error_type = ?, results = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(exec.Status), string(exec.CurrentStep), string(exec.TerminationReason), exec.TerminationDetails,
		exec.ErrorMessage, exec.ErrorType, string(row.results), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update execution %s", exec.ID)
	}
	return checkRowsAffected(res, "execution", exec.ID)
}

const sqliteExecutionColumns = `id, document_id, status, current_step, termination_reason, termination_details,
	error_message, error_type, config_snapshot, results, retry_of, created_at, started_at, completed_at, updated_at`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteExecutionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: execution %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get execution %s", id)
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error) {
	query := `SELECT ` + sqliteExecutionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list executions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan execution")
		}
		out = append(out, *exec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list executions iterate")
}

func (s *SQLiteStore) EnqueueRules(ctx context.Context, entries []model.QueueEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin enqueue tx")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := make([]string, 0, len(entries))
	for i := range entries {
		prepareQueueEntry(&entries[i])
		e := entries[i]
		row, err := encodeQueueEntry(e)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO rule_queue (id, execution_id, rule, rule_yaml, max_similarity, matches, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ExecutionID, string(row.rule), e.RuleYAML, e.MaxSimilarity, string(row.matches),
			string(e.Status), e.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert queue entry %s", e.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: rows affected for queue entry %s", e.ID)
		}
		if n > 0 {
			inserted = append(inserted, e.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit enqueue")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error) {
	query := `SELECT id, execution_id, rule, rule_yaml, max_similarity, matches, status, created_at FROM rule_queue WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var rule string
		var matches sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &rule, &e.RuleYAML, &e.MaxSimilarity, &matches, &e.Status, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		if err := decodeQueueEntry(&e, queueRow{rule: []byte(rule), matches: []byte(matches.String)}); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list queue iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*model.Execution, error) {
	var e model.Execution
	var cfg, results string
	var started, completed sql.NullTime
	err := row.Scan(&e.ID, &e.DocumentID, &e.Status, &e.CurrentStep, &e.TerminationReason, &e.TerminationDetails,
		&e.ErrorMessage, &e.ErrorType, &cfg, &results, &e.RetryOf, &e.CreatedAt, &started, &completed, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	if err := decodeExecution(&e, executionRow{config: []byte(cfg), results: []byte(results)}); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanWorkflowConfig(row scannable) (*model.WorkflowConfig, error) {
	var version int
	var raw string
	var active bool
	var created time.Time
	if err := row.Scan(&version, &raw, &active, &created); err != nil {
		return nil, err
	}
	return unmarshalConfig([]byte(raw), version, active, created)
}
