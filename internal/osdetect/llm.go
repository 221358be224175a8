package osdetect

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/structured"
)

var classifierKeys = []string{"os", "confidence", "evidence"}

const defaultClassifierPrompt = `You classify threat intelligence reports by the operating system the described activity targets.
Answer with a JSON object: {"os": "windows" | "linux" | "macos" | "unknown", "confidence": 0.0-1.0, "evidence": ["short quotes"]}.`

// classifierInputTokens bounds how much of the document the classifier sees.
const classifierInputTokens = 6000

// LLMClassifier asks the OSDetectionAgent for a verdict.
type LLMClassifier struct {
	chat llm.Chatter
}

// NewLLMClassifier wraps chat.
func NewLLMClassifier(chat llm.Chatter) *LLMClassifier {
	return &LLMClassifier{chat: chat}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, content string, cfg model.WorkflowConfig) (Opinion, error) {
	settings, ok := cfg.Agent(model.AgentOSDetection)
	if !ok {
		return Opinion{}, eris.Errorf("osdetect: no settings for %s", model.AgentOSDetection)
	}
	prompt := cfg.Prompts[model.AgentOSDetection]
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultClassifierPrompt
	}
	text := budget.Truncate(content, budget.Budget{ContextWindow: classifierInputTokens, SafetyMargin: 1})

	temp := settings.Temperature
	resp, err := c.chat.Chat(ctx, llm.Request{
		Provider:    settings.Provider,
		Model:       settings.Model,
		Temperature: &temp,
		TopP:        settings.TopP,
		Seed:        settings.Seed,
		MaxTokens:   settings.MaxTokens,
		Latency:     llm.LatencyShort,
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: fmt.Sprintf("## Report\n%s", text)},
		},
	})
	if err != nil {
		return Opinion{}, eris.Wrap(err, "osdetect: classifier call")
	}
	usage := model.TokenUsage{
		Calls:            1,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	res := structured.Parse(resp.Text(), classifierKeys, resp.Truncated())
	var out struct {
		OS         string   `json:"os"`
		Confidence float64  `json:"confidence"`
		Evidence   []string `json:"evidence"`
	}
	if !res.OK() || res.Decode(&out) != nil {
		return Opinion{Usage: usage}, eris.New("osdetect: classifier output not parseable")
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return Opinion{
		OS:         strings.ToLower(strings.TrimSpace(out.OS)),
		Confidence: out.Confidence,
		Evidence:   out.Evidence,
		Usage:      usage,
	}, nil
}
