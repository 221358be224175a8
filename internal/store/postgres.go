package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/db"
	"github.com/sells-group/rulesmith/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlUpdateExecution = `UPDATE executions SET status = $1, current_step = $2, termination_reason = $3,
	termination_details = $4, error_message = $5, error_type = $6, results = $7, started_at = $8,
	completed_at = $9, updated_at = $10 WHERE id = $11`
	sqlGetExecution = `SELECT ` + pgExecutionColumns + ` FROM executions WHERE id = $1`

	pgExecutionColumns = `id, document_id, status, current_step, termination_reason, termination_details, error_message, error_type, config_snapshot, results, retry_of, created_at, started_at, completed_at, updated_at`
)

// preparedStatements are prepared on each new connection. Every stage
// transition issues an execution update, so it is the hot path.
var preparedStatements = map[string]string{
	"update_execution": sqlUpdateExecution,
	"get_execution":    sqlGetExecution,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, typically a pgxmock pool in
// tests. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_configs (
	version    INTEGER PRIMARY KEY,
	config     JSONB NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_configs_single_active
	ON workflow_configs(is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	document_id         TEXT NOT NULL REFERENCES documents(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	current_step        TEXT NOT NULL DEFAULT '',
	termination_reason  TEXT NOT NULL DEFAULT '',
	termination_details TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	error_type          TEXT NOT NULL DEFAULT '',
	config_snapshot     JSONB NOT NULL,
	results             JSONB NOT NULL DEFAULT '{}'::jsonb,
	retry_of            TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_document ON executions(document_id);

CREATE TABLE IF NOT EXISTS rule_queue (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL REFERENCES executions(id),
	rule           JSONB NOT NULL,
	rule_yaml      TEXT NOT NULL,
	max_similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
	matches        JSONB,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rule_queue_status ON rule_queue(status);
CREATE INDEX IF NOT EXISTS idx_rule_queue_execution ON rule_queue(execution_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, url, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.Title, doc.URL, doc.Content, doc.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
	}
	return &doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, url, content, created_at FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Title, &d.URL, &d.Content, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return &d, nil
}

func (s *PostgresStore) CreateWorkflowConfig(ctx context.Context, cfg model.WorkflowConfig, activate bool) (*model.WorkflowConfig, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin workflow config tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes version assignment between concurrent writers.
	if _, err := tx.Exec(ctx, `LOCK TABLE workflow_configs IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, eris.Wrap(err, "postgres: lock workflow configs")
	}
	var next int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_configs`).Scan(&next); err != nil {
		return nil, eris.Wrap(err, "postgres: next workflow version")
	}

	out := cfg.Clone()
	out.Version = next
	out.IsActive = activate
	out.CreatedAt = time.Now().UTC()

	if activate {
		if _, err := tx.Exec(ctx, `UPDATE workflow_configs SET is_active = false WHERE is_active`); err != nil {
			return nil, eris.Wrap(err, "postgres: deactivate workflow configs")
		}
	}
	cfgJSON, err := marshalConfig(out)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_configs (version, config, is_active, created_at) VALUES ($1, $2, $3, $4)`,
		out.Version, cfgJSON, out.IsActive, out.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert workflow config v%d", out.Version)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit workflow config")
	}
	return &out, nil
}

func (s *PostgresStore) GetActiveWorkflowConfig(ctx context.Context) (*model.WorkflowConfig, error) {
	cfg, err := s.scanConfig(s.pool.QueryRow(ctx,
		`SELECT version, config, is_active, created_at FROM workflow_configs WHERE is_active ORDER BY version DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: active workflow config")
	}
	return cfg, eris.Wrap(err, "postgres: get active workflow config")
}

func (s *PostgresStore) GetWorkflowConfig(ctx context.Context, version int) (*model.WorkflowConfig, error) {
	cfg, err := s.scanConfig(s.pool.QueryRow(ctx,
		`SELECT version, config, is_active, created_at FROM workflow_configs WHERE version = $1`, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: workflow config v%d", version)
	}
	return cfg, eris.Wrapf(err, "postgres: get workflow config v%d", version)
}

func (s *PostgresStore) scanConfig(row pgx.Row) (*model.WorkflowConfig, error) {
	var version int
	var raw []byte
	var active bool
	var created time.Time
	if err := row.Scan(&version, &raw, &active, &created); err != nil {
		return nil, err
	}
	return unmarshalConfig(raw, version, active, created)
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	prepareExecution(exec)
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (`+pgExecutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exec.ID, exec.DocumentID, string(exec.Status), string(exec.CurrentStep),
		string(exec.TerminationReason), exec.TerminationDetails, exec.ErrorMessage, exec.ErrorType,
		row.config, row.results, exec.RetryOf,
		exec.CreatedAt, exec.StartedAt, exec.CompletedAt, exec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert execution %s", exec.ID)
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *model.Execution) error {
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	exec.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, sqlUpdateExecution,
		string(exec.Status), string(exec.CurrentStep), string(exec.TerminationReason), exec.TerminationDetails,
		exec.ErrorMessage, exec.ErrorType, row.results, exec.StartedAt, exec.CompletedAt, exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update execution %s", exec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: execution %s", exec.ID)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := scanPgExecution(s.pool.QueryRow(ctx, sqlGetExecution, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: execution %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get execution %s", id)
	}
	return exec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += ` AND document_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list executions")
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		exec, err := scanPgExecution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan execution")
		}
		out = append(out, *exec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list executions iterate")
}

var queueColumns = []string{"id", "execution_id", "rule", "rule_yaml", "max_similarity", "matches", "status", "created_at"}

// EnqueueRules bulk-inserts entries. Re-enqueuing an existing id is a no-op
// and the id is left out of the result.
func (s *PostgresStore) EnqueueRules(ctx context.Context, entries []model.QueueEntry) ([]string, error) {
	rows := make([][]any, 0, len(entries))
	for i := range entries {
		prepareQueueEntry(&entries[i])
		e := entries[i]
		row, err := encodeQueueEntry(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{e.ID, e.ExecutionID, row.rule, e.RuleYAML, e.MaxSimilarity, row.matches, string(e.Status), e.CreatedAt})
	}
	ids, err := db.BulkUpsertReturning(ctx, s.pool, db.UpsertConfig{
		Table:        "rule_queue",
		Columns:      queueColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{},
	}, "id", rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enqueue rules")
	}
	return ids, nil
}

func (s *PostgresStore) ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error) {
	query := `SELECT id, execution_id, rule, rule_yaml, max_similarity, matches, status, created_at FROM rule_queue WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		query += ` AND execution_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue")
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var status string
		var rule, matches []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &rule, &e.RuleYAML, &e.MaxSimilarity, &matches, &status, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		e.Status = model.QueueStatus(status)
		if err := decodeQueueEntry(&e, queueRow{rule: rule, matches: matches}); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list queue iterate")
}

func scanPgExecution(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	var status, step, reason string
	var cfg, results []byte
	err := row.Scan(&e.ID, &e.DocumentID, &status, &step, &reason, &e.TerminationDetails,
		&e.ErrorMessage, &e.ErrorType, &cfg, &results, &e.RetryOf, &e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.ExecutionStatus(status)
	e.CurrentStep = model.Stage(step)
	e.TerminationReason = model.TerminationReason(reason)
	if err := decodeExecution(&e, executionRow{config: cfg, results: results}); err != nil {
		return nil, err
	}
	return &e, nil
}
