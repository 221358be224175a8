// Package qa runs an extraction under a judge: each output is evaluated
// and, on a revision verdict, re-extracted with the judge's feedback.
package qa

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/model"
)

// DefaultMaxAttempts bounds extraction attempts when Config leaves it unset.
const DefaultMaxAttempts = 5

// Config controls one QA-wrapped extraction.
type Config struct {
	Enabled     bool
	MaxAttempts int
}

// Task is what the judge checks the output against.
type Task struct {
	// Agent is the QA agent name, used for logging and errors.
	Agent    string
	Source   string
	Contract string
}

// Judgment is one verdict from a Judge.
type Judgment struct {
	Verdict  model.Verdict
	Feedback string
	Issues   []string
	Usage    model.TokenUsage
}

// Judge evaluates an extraction output.
type Judge interface {
	Evaluate(ctx context.Context, task Task, output string) (Judgment, error)
}

// ExtractFunc runs one extraction attempt. feedback is empty on the first
// attempt. It returns the typed value and the text shown to the judge.
type ExtractFunc[T any] func(ctx context.Context, attempt int, feedback string) (T, string, error)

// Outcome is the accepted value plus every evaluation that led to it.
type Outcome[T any] struct {
	Value       T
	Attempts    int
	Evaluations []model.QAEvaluation
	// Exhausted is set when the last attempt still needed revision.
	Exhausted bool
	// JudgeUsage sums token usage across judge calls.
	JudgeUsage model.TokenUsage
}

// CriticalFailureError is returned when the final attempt is judged a
// critical failure.
type CriticalFailureError struct {
	Agent    string
	Attempt  int
	Feedback string
	Issues   []string
}

func (e *CriticalFailureError) Error() string {
	msg := fmt.Sprintf("qa: %s judged critical failure on final attempt %d", e.Agent, e.Attempt)
	if e.Feedback != "" {
		msg += ": " + e.Feedback
	}
	return msg
}

// Run executes extract until the judge passes it or attempts run out. A
// critical failure on an earlier attempt is handled as a revision. Judge
// errors accept the current output. The outcome is returned alongside a
// CriticalFailureError so evaluations stay observable.
func Run[T any](ctx context.Context, cfg Config, judge Judge, task Task, extract ExtractFunc[T]) (*Outcome[T], error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if !cfg.Enabled || judge == nil {
		maxAttempts = 1
	}

	out := &Outcome[T]{}
	var history []model.QAEvaluation
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, output, err := extract(ctx, attempt, FormatFeedback(history))
		if err != nil {
			return out, err
		}
		out.Value = val
		out.Attempts = attempt

		if !cfg.Enabled || judge == nil {
			return out, nil
		}

		j, err := judge.Evaluate(ctx, task, output)
		if err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			zap.L().Warn("qa: judge unavailable, accepting output",
				zap.String("agent", task.Agent),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			j = Judgment{Verdict: model.VerdictUnavailable, Feedback: err.Error()}
		}
		out.JudgeUsage.Add(j.Usage)

		eval := model.QAEvaluation{
			Attempt:  attempt,
			Verdict:  j.Verdict,
			Feedback: j.Feedback,
			Issues:   j.Issues,
		}
		out.Evaluations = append(out.Evaluations, eval)

		switch j.Verdict {
		case model.VerdictPass, model.VerdictUnavailable:
			return out, nil
		case model.VerdictCriticalFailure:
			if attempt == maxAttempts {
				return out, &CriticalFailureError{
					Agent:    task.Agent,
					Attempt:  attempt,
					Feedback: j.Feedback,
					Issues:   j.Issues,
				}
			}
		}

		if attempt == maxAttempts {
			out.Exhausted = true
			zap.L().Warn("qa: retry budget exhausted, keeping last output",
				zap.String("agent", task.Agent),
				zap.Int("attempts", attempt),
			)
			return out, nil
		}
		history = append(history, eval)
		zap.L().Info("qa: revision requested",
			zap.String("agent", task.Agent),
			zap.Int("attempt", attempt),
			zap.String("verdict", string(j.Verdict)),
			zap.Int("issues", len(j.Issues)),
		)
	}
	return out, nil
}

// FormatFeedback renders every prior evaluation for the next prompt. It
// returns the empty string when there is none.
func FormatFeedback(evals []model.QAEvaluation) string {
	if len(evals) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("QA feedback on previous attempts. Fix every issue listed below.\n")
	for _, e := range evals {
		fmt.Fprintf(&b, "\nAttempt %d (%s):", e.Attempt, e.Verdict)
		if e.Feedback != "" {
			b.WriteString(" " + e.Feedback)
		}
		b.WriteString("\n")
		for _, issue := range e.Issues {
			b.WriteString("- " + issue + "\n")
		}
	}
	return b.String()
}
