package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/model"
)

// ErrNotFound is returned (wrapped) when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     model.ExecutionStatus `json:"status,omitempty"`
	DocumentID string                `json:"document_id,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
	Offset     int                   `json:"offset,omitempty"`
}

// QueueFilter specifies criteria for listing queued rules.
type QueueFilter struct {
	Status      model.QueueStatus `json:"status,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// Store defines the persistence interface for the workflow engine.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)

	// Workflow configs. CreateWorkflowConfig assigns the next version and,
	// when activate is set, makes it the only active config.
	CreateWorkflowConfig(ctx context.Context, cfg model.WorkflowConfig, activate bool) (*model.WorkflowConfig, error)
	GetActiveWorkflowConfig(ctx context.Context) (*model.WorkflowConfig, error)
	GetWorkflowConfig(ctx context.Context, version int) (*model.WorkflowConfig, error)

	// Executions
	CreateExecution(ctx context.Context, exec *model.Execution) error
	UpdateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error)

	// Rule queue
	// EnqueueRules inserts entries and returns the IDs of the rows actually
	// written. Entries whose ID already exists are skipped.
	EnqueueRules(ctx context.Context, entries []model.QueueEntry) ([]string, error)
	ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func newID() string {
	return uuid.New().String()
}

// prepareExecution fills identity and timestamps on a new execution.
func prepareExecution(exec *model.Execution) {
	now := time.Now().UTC()
	if exec.ID == "" {
		exec.ID = newID()
	}
	if exec.Status == "" {
		exec.Status = model.ExecutionPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
}

func prepareQueueEntry(e *model.QueueEntry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func marshalConfig(cfg model.WorkflowConfig) ([]byte, error) {
	b, err := json.Marshal(cfg)
	return b, eris.Wrapf(err, "store: marshal workflow config v%d", cfg.Version)
}

// unmarshalConfig decodes a stored config; the version, active flag, and
// creation time columns are authoritative over the JSON body.
func unmarshalConfig(raw []byte, version int, active bool, created time.Time) (*model.WorkflowConfig, error) {
	var cfg model.WorkflowConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal workflow config v%d", version)
	}
	cfg.Version = version
	cfg.IsActive = active
	cfg.CreatedAt = created
	return &cfg, nil
}

// executionRow holds the JSON-encoded columns of an execution.
type executionRow struct {
	config  []byte
	results []byte
}

func encodeExecution(exec *model.Execution) (executionRow, error) {
	cfg, err := json.Marshal(exec.ConfigSnapshot)
	if err != nil {
		return executionRow{}, eris.Wrap(err, "store: marshal config snapshot")
	}
	res, err := json.Marshal(exec.Results)
	if err != nil {
		return executionRow{}, eris.Wrap(err, "store: marshal stage results")
	}
	return executionRow{config: cfg, results: res}, nil
}

func decodeExecution(exec *model.Execution, row executionRow) error {
	if len(row.config) > 0 {
		if err := json.Unmarshal(row.config, &exec.ConfigSnapshot); err != nil {
			return eris.Wrapf(err, "store: unmarshal config snapshot of %s", exec.ID)
		}
	}
	if len(row.results) > 0 {
		if err := json.Unmarshal(row.results, &exec.Results); err != nil {
			return eris.Wrapf(err, "store: unmarshal stage results of %s", exec.ID)
		}
	}
	return nil
}

type queueRow struct {
	rule    []byte
	matches []byte
}

func encodeQueueEntry(e model.QueueEntry) (queueRow, error) {
	rule, err := json.Marshal(e.Rule)
	if err != nil {
		return queueRow{}, eris.Wrap(err, "store: marshal queued rule")
	}
	matches, err := json.Marshal(e.Matches)
	if err != nil {
		return queueRow{}, eris.Wrap(err, "store: marshal similarity matches")
	}
	return queueRow{rule: rule, matches: matches}, nil
}

func decodeQueueEntry(e *model.QueueEntry, row queueRow) error {
	if err := json.Unmarshal(row.rule, &e.Rule); err != nil {
		return eris.Wrapf(err, "store: unmarshal queued rule %s", e.ID)
	}
	if len(row.matches) > 0 {
		if err := json.Unmarshal(row.matches, &e.Matches); err != nil {
			return eris.Wrapf(err, "store: unmarshal matches of %s", e.ID)
		}
	}
	return nil
}
