package model

import (
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Stage names one node of the workflow graph.
type Stage string

const (
	StageOSDetection     Stage = "os_detection"
	StageContentFilter   Stage = "content_filter"
	StageRank            Stage = "rank"
	StageExtract         Stage = "extract"
	StageSynthesizeRules Stage = "synthesize_rules"
	StageSimilarityScore Stage = "similarity_score"
	StagePromote         Stage = "promote"
)

// TerminationReason records why a run stopped early without failing.
type TerminationReason string

const (
	TerminationNonApplicable          TerminationReason = "non_applicable"
	TerminationBelowThreshold         TerminationReason = "below_threshold"
	TerminationNoRules                TerminationReason = "no_rules"
	TerminationEvalExtractionComplete TerminationReason = "eval_extraction_complete"
)

// Document is the candidate input to a run.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution is one attempt to run the workflow against one document.
type Execution struct {
	ID                 string            `json:"id"`
	DocumentID         string            `json:"document_id"`
	Status             ExecutionStatus   `json:"status"`
	CurrentStep        Stage             `json:"current_step,omitempty"`
	TerminationReason  TerminationReason `json:"termination_reason,omitempty"`
	TerminationDetails string            `json:"termination_details,omitempty"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	ErrorType          string            `json:"error_type,omitempty"`
	ConfigSnapshot     WorkflowConfig    `json:"config_snapshot"`
	Results            StageResults      `json:"results"`
	RetryOf            string            `json:"retry_of,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// StageResults holds the typed output of every stage that ran.
type StageResults struct {
	OSDetection   *OSDetectionResult    `json:"os_detection,omitempty"`
	Filter        *FilterResult         `json:"filter,omitempty"`
	Ranking       *RankingResult        `json:"ranking,omitempty"`
	Extraction    *ExtractionResult     `json:"extraction,omitempty"`
	Rules         []GeneratedRule       `json:"rules,omitempty"`
	Synthesis     *SynthesisResult      `json:"synthesis,omitempty"`
	Similarity    []RuleSimilarity      `json:"similarity,omitempty"`
	QueuedRuleIDs []string              `json:"queued_rule_ids,omitempty"`
	Usage         map[string]TokenUsage `json:"usage,omitempty"`
}

// TokenUsage accumulates token counts for one logical agent.
type TokenUsage struct {
	Calls            int `json:"calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates o into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.Calls += o.Calls
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// OSDetectionResult is the applicability classifier's verdict.
type OSDetectionResult struct {
	OS         string             `json:"os"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Method     string             `json:"method"`
	Evidence   []string           `json:"evidence,omitempty"`
	Applicable bool               `json:"applicable"`
}

// FilterResult records what the content filter removed.
type FilterResult struct {
	OriginalLength int     `json:"original_length"`
	FilteredLength int     `json:"filtered_length"`
	TotalChunks    int     `json:"total_chunks"`
	KeptChunks     int     `json:"kept_chunks"`
	RemovedChunks  int     `json:"removed_chunks"`
	Threshold      float64 `json:"threshold"`
	Skipped        bool    `json:"skipped,omitempty"`
}

// RankingResult is the relevance score and the model's reasoning.
type RankingResult struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Pattern   string  `json:"pattern"`
	Reasoning string  `json:"reasoning"`
	Skipped   bool    `json:"skipped,omitempty"`
}

// SubResultStatus marks how one extractor finished.
type SubResultStatus string

const (
	SubResultOK              SubResultStatus = "ok"
	SubResultDisabled        SubResultStatus = "disabled"
	SubResultSkippedEvalMode SubResultStatus = "skipped_eval_mode"
	SubResultParseError      SubResultStatus = "parse_error"
	SubResultError           SubResultStatus = "error"
)

// Verdict is a QA judge outcome.
type Verdict string

const (
	VerdictPass            Verdict = "pass"
	VerdictNeedsRevision   Verdict = "needs_revision"
	VerdictCriticalFailure Verdict = "critical_failure"
	// VerdictUnavailable records a judge call that failed or returned
	// nothing parseable; the extraction output was accepted as-is.
	VerdictUnavailable Verdict = "unavailable"
)

// QAEvaluation is one judge verdict for one extraction attempt.
type QAEvaluation struct {
	Attempt  int      `json:"attempt"`
	Verdict  Verdict  `json:"verdict"`
	Feedback string   `json:"feedback,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// SubResult is one extractor's slot in the extraction result.
type SubResult struct {
	SubAgent     SubAgent        `json:"sub_agent"`
	Status       SubResultStatus `json:"status"`
	Items        []any           `json:"items"`
	Count        int             `json:"count"`
	Raw          string          `json:"raw,omitempty"`
	ParseQuality string          `json:"parse_quality,omitempty"`
	Attempts     int             `json:"attempts,omitempty"`
	QA           []QAEvaluation  `json:"qa,omitempty"`
	QAExhausted  bool            `json:"qa_exhausted,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Observable is one extracted item tagged with its category.
type Observable struct {
	Category string `json:"category"`
	Value    any    `json:"value"`
}

// ExtractionResult aggregates every extractor's slot. Categories that did
// not run are present with count 0 and a status marker.
type ExtractionResult struct {
	SubResults  map[string]SubResult `json:"sub_results"`
	Observables []Observable         `json:"observables"`
	TotalCount  int                  `json:"total_count"`
}

// SynthesisResult records the rule-synthesis attempts.
type SynthesisResult struct {
	Attempts         int      `json:"attempts"`
	UsedDocument     bool     `json:"used_document,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	RejectedRules    int      `json:"rejected_rules"`
}
