package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/structured"
)

var judgeKeys = []string{"verdict", "feedback", "issues"}

const defaultJudgePrompt = `You review structured extractions from threat intelligence reports.
Compare the extraction with the source text and the task contract.
Reply with a JSON object: {"verdict": "pass" | "needs_revision" | "critical_failure", "feedback": "...", "issues": ["..."]}.
Use critical_failure only for fabricated content or output that ignores the contract.`

const (
	defaultJudgeWindow   = 16384
	defaultJudgeReserved = 1024
	judgeFraming         = 64
)

// LLMJudge asks a model for a verdict.
type LLMJudge struct {
	chat     llm.Chatter
	settings model.AgentSettings
	prompt   string
	window   int
}

// JudgeOption configures an LLMJudge.
type JudgeOption func(*LLMJudge)

// WithContextWindow sets the judge model's context window in tokens. The
// prompt is fitted to it before each call.
func WithContextWindow(tokens int) JudgeOption {
	return func(j *LLMJudge) {
		if tokens > 0 {
			j.window = tokens
		}
	}
}

// NewLLMJudge builds a judge using settings for its model calls. An empty
// prompt uses the built-in instructions.
func NewLLMJudge(chat llm.Chatter, settings model.AgentSettings, prompt string, opts ...JudgeOption) *LLMJudge {
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultJudgePrompt
	}
	j := &LLMJudge{chat: chat, settings: settings, prompt: prompt, window: defaultJudgeWindow}
	for _, o := range opts {
		o(j)
	}
	return j
}

// inputBudget sizes the user message. The contract and the output under
// review come first so a long source is what gets truncated.
func (j *LLMJudge) inputBudget() budget.Budget {
	reserved := j.settings.MaxTokens
	if reserved <= 0 {
		reserved = defaultJudgeReserved
	}
	return budget.Budget{
		ContextWindow:  j.window,
		Overhead:       budget.EstimateTokens(j.prompt) + judgeFraming,
		ReservedOutput: reserved,
	}
}

// Evaluate implements Judge. Unparseable judge output yields an
// unavailable verdict rather than an error.
func (j *LLMJudge) Evaluate(ctx context.Context, task Task, output string) (Judgment, error) {
	user := budget.FitSections([]string{
		"## Task contract\n" + task.Contract,
		"## Extraction output\n" + output,
		"## Source\n" + task.Source,
	}, "\n\n", j.inputBudget())

	maxTokens := j.settings.MaxTokens
	resp, err := j.chat.Chat(ctx, llm.Request{
		Provider:    j.settings.Provider,
		Model:       j.settings.Model,
		Temperature: floatPtr(j.settings.Temperature),
		TopP:        j.settings.TopP,
		Seed:        j.settings.Seed,
		MaxTokens:   maxTokens,
		Latency:     llm.LatencyShort,
		Messages: []llm.Message{
			{Role: "system", Content: j.prompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return Judgment{}, eris.Wrapf(err, "qa: %s judge call", task.Agent)
	}

	usage := model.TokenUsage{
		Calls:            1,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	res := structured.Parse(resp.Text(), judgeKeys, resp.Truncated())
	var raw struct {
		Verdict  string `json:"verdict"`
		Feedback string `json:"feedback"`
		Issues   []any  `json:"issues"`
	}
	if !res.OK() || res.Decode(&raw) != nil {
		return Judgment{
			Verdict:  model.VerdictUnavailable,
			Feedback: "judge output was not parseable",
			Usage:    usage,
		}, nil
	}

	return Judgment{
		Verdict:  normalizeVerdict(raw.Verdict),
		Feedback: strings.TrimSpace(raw.Feedback),
		Issues:   issueStrings(raw.Issues),
		Usage:    usage,
	}, nil
}

func normalizeVerdict(v string) model.Verdict {
	key := strings.ToLower(strings.TrimSpace(v))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "pass", "passed", "approve", "approved", "ok":
		return model.VerdictPass
	case "needs_revision", "revise", "revision", "fail", "failed":
		return model.VerdictNeedsRevision
	case "critical_failure", "critical", "reject", "rejected":
		return model.VerdictCriticalFailure
	default:
		return model.VerdictUnavailable
	}
}

func issueStrings(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case nil:
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out = append(out, fmt.Sprint(t))
				continue
			}
			out = append(out, string(b))
		}
	}
	return out
}

func floatPtr(v float64) *float64 {
	return &v
}
