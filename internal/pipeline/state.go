package pipeline

import (
	"fmt"
	"sync"

	"github.com/sells-group/rulesmith/internal/model"
)

// Kind tags how a stage finished.
type Kind int

const (
	// Continue moves to the next stage.
	Continue Kind = iota
	// Stop ends the run gracefully with a termination reason.
	Stop
	// Fatal fails the run at the current stage.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StageResult is what every stage returns. The orchestrator switches on
// Kind; Reason and Details are set for Stop, Err for Fatal.
type StageResult struct {
	Kind    Kind
	Reason  model.TerminationReason
	Details string
	Err     error
}

func proceed() StageResult {
	return StageResult{Kind: Continue}
}

func stop(reason model.TerminationReason, details string) StageResult {
	return StageResult{Kind: Stop, Reason: reason, Details: details}
}

func fatal(err error) StageResult {
	return StageResult{Kind: Fatal, Err: err}
}

// runState carries one execution through the graph. Each stage reads the
// fields earlier stages filled and writes its own.
type runState struct {
	exec *model.Execution
	doc  *model.Document
	cfg  model.WorkflowConfig

	// content is the document text after filtering.
	content string

	extraction *model.ExtractionResult
	rules      []model.GeneratedRule
	scores     []model.RuleSimilarity

	mu    sync.Mutex
	usage map[string]model.TokenUsage
}

func newRunState(exec *model.Execution, doc *model.Document) *runState {
	return &runState{
		exec:    exec,
		doc:     doc,
		cfg:     exec.ConfigSnapshot,
		content: doc.Content,
		usage:   make(map[string]model.TokenUsage),
	}
}

// addUsage accumulates token usage for agent. Safe for concurrent use by
// extract workers.
func (s *runState) addUsage(agent string, u model.TokenUsage) {
	if u.Calls == 0 && u.TotalTokens == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.usage[agent]
	cur.Add(u)
	s.usage[agent] = cur
}

// snapshotUsage copies the usage totals onto the execution record.
func (s *runState) snapshotUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.usage) == 0 {
		return
	}
	out := make(map[string]model.TokenUsage, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	s.exec.Results.Usage = out
}

func (s *runState) totalUsage() model.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total model.TokenUsage
	for _, u := range s.usage {
		total.Add(u)
	}
	return total
}

// next returns the stage after cur, or "" when the graph ends. Rank is
// bypassed when disabled.
func next(cur model.Stage, cfg model.WorkflowConfig) model.Stage {
	switch cur {
	case model.StageOSDetection:
		return model.StageContentFilter
	case model.StageContentFilter:
		if !cfg.RankEnabled {
			return model.StageExtract
		}
		return model.StageRank
	case model.StageRank:
		return model.StageExtract
	case model.StageExtract:
		return model.StageSynthesizeRules
	case model.StageSynthesizeRules:
		return model.StageSimilarityScore
	case model.StageSimilarityScore:
		return model.StagePromote
	default:
		return ""
	}
}
