package model

import (
	"time"
)

// Logsource identifies the telemetry a rule applies to.
type Logsource struct {
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Product  string `json:"product,omitempty" yaml:"product,omitempty"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
}

// GeneratedRule is a structured SIGMA-style detection rule.
type GeneratedRule struct {
	ID             string         `json:"id" yaml:"id"`
	Title          string         `json:"title" yaml:"title"`
	Status         string         `json:"status,omitempty" yaml:"status,omitempty"`
	Description    string         `json:"description" yaml:"description"`
	References     []string       `json:"references,omitempty" yaml:"references,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Logsource      Logsource      `json:"logsource" yaml:"logsource"`
	Detection      map[string]any `json:"detection" yaml:"detection"`
	FalsePositives []string       `json:"falsepositives,omitempty" yaml:"falsepositives,omitempty"`
	Level          string         `json:"level" yaml:"level"`
}

// SimilarityMatch is one reference rule compared against a candidate.
type SimilarityMatch struct {
	Reference  string  `json:"reference"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// RuleSimilarity is the similarity evidence for one generated rule.
type RuleSimilarity struct {
	RuleID        string            `json:"rule_id"`
	MaxSimilarity float64           `json:"max_similarity"`
	Matches       []SimilarityMatch `json:"matches,omitempty"`
	Queued        bool              `json:"queued"`
}

// QueueStatus is the review state of a queued rule.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueApproved QueueStatus = "approved"
	QueueRejected QueueStatus = "rejected"
)

// QueueEntry is a generated rule that passed the similarity gate.
type QueueEntry struct {
	ID            string            `json:"id"`
	ExecutionID   string            `json:"execution_id"`
	Rule          GeneratedRule     `json:"rule"`
	RuleYAML      string            `json:"rule_yaml"`
	MaxSimilarity float64           `json:"max_similarity"`
	Matches       []SimilarityMatch `json:"matches,omitempty"`
	Status        QueueStatus       `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
