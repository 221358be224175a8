package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/sigma"
	"github.com/sells-group/rulesmith/internal/structured"
)

const defaultSigmaMaxAttempts = 3

const defaultSigmaPrompt = `You write SIGMA detection rules from behavioral observables.
Write one rule per distinct behavior. Every rule needs title, description, tags (ATT&CK style,
e.g. attack.execution), logsource, detection (named selections plus a condition), falsepositives,
and level. Reply with a JSON object {"rules": [ ... ]}. Reply {"rules": []} when nothing is
detectable.`

// attempt is the outcome of one synthesis call.
type attempt struct {
	valid    []model.GeneratedRule
	problems []string
	rejected int
	// hard marks output with no decodable rule list.
	hard bool
}

func (e *Engine) synthesize(ctx context.Context, st *runState) StageResult {
	sections, usedDoc := synthesisInput(st)
	if len(sections) == 0 {
		st.exec.Results.Synthesis = &model.SynthesisResult{}
		return stop(model.TerminationNoRules, "no extracted observables and document fallback disabled")
	}

	system := prompt(st.cfg, model.AgentSigma, defaultSigmaPrompt)
	b, err := e.inputBudget(ctx, st, model.AgentSigma, system)
	if err != nil {
		return fatal(err)
	}
	material := budget.FitSections(sections, "\n", b)

	maxAttempts := st.cfg.SigmaMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultSigmaMaxAttempts
	}
	result := &model.SynthesisResult{UsedDocument: usedDoc}
	st.exec.Results.Synthesis = result

	var (
		feedback []string
		hardAll  = true
	)
	for n := 1; n <= maxAttempts; n++ {
		result.Attempts = n
		user := synthesisPrompt(st.doc, material, usedDoc, feedback)
		resp, err := e.call(ctx, st, agentCall{
			agent:   model.AgentSigma,
			system:  system,
			user:    user,
			latency: llm.LatencyLong,
		})
		if err != nil {
			return fatal(err)
		}

		a := e.decodeRules(resp)
		result.RejectedRules += a.rejected
		result.ValidationErrors = a.problems
		if !a.hard {
			hardAll = false
		}
		if len(a.valid) > 0 {
			st.rules = a.valid
			st.exec.Results.Rules = a.valid
			zap.L().Info("pipeline: rules synthesized",
				zap.String("execution_id", st.exec.ID),
				zap.Int("rules", len(a.valid)),
				zap.Int("attempt", n),
				zap.Int("rejected", a.rejected),
			)
			return proceed()
		}
		if !a.hard && len(a.problems) == 0 {
			// The model answered with an empty rule list.
			break
		}
		zap.L().Warn("pipeline: synthesis attempt produced no valid rules",
			zap.String("execution_id", st.exec.ID),
			zap.Int("attempt", n),
			zap.Strings("problems", a.problems),
		)
		feedback = a.problems
	}

	if hardAll {
		return fatal(eris.Errorf("pipeline: synthesis output unusable after %d attempts: %s",
			result.Attempts, strings.Join(result.ValidationErrors, "; ")))
	}
	return stop(model.TerminationNoRules,
		fmt.Sprintf("no valid rules after %d attempts (%d rejected)", result.Attempts, result.RejectedRules))
}

// synthesisInput returns the prompt sections for synthesis: one line per
// observable, or the filtered document when extraction found nothing and
// the fallback is on.
func synthesisInput(st *runState) ([]string, bool) {
	if st.extraction != nil && len(st.extraction.Observables) > 0 {
		sections := make([]string, 0, len(st.extraction.Observables))
		for _, obs := range st.extraction.Observables {
			sections = append(sections, fmt.Sprintf("- [%s] %s", obs.Category, observableText(obs.Value)))
		}
		return sections, false
	}
	if st.cfg.SynthesisFallbackToDocument && strings.TrimSpace(st.content) != "" {
		return []string{st.content}, true
	}
	return nil, false
}

func observableText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func synthesisPrompt(doc *model.Document, material string, usedDoc bool, feedback []string) string {
	var sb strings.Builder
	if len(feedback) > 0 {
		sb.WriteString("Your previous rules failed validation. Fix these problems:\n")
		for _, p := range feedback {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "## Source\n%s\n", doc.Title)
	if doc.URL != "" {
		fmt.Fprintf(&sb, "%s\n", doc.URL)
	}
	if usedDoc {
		sb.WriteString("\n## Report\n")
	} else {
		sb.WriteString("\n## Observables\n")
	}
	sb.WriteString(material)
	return sb.String()
}

// decodeRules parses one synthesis response and validates every rule in it.
func (e *Engine) decodeRules(resp *llm.Response) attempt {
	parsed := structured.Parse(resp.Text(), []string{"rules"}, resp.Truncated())
	if !parsed.OK() {
		msg := "response is not a JSON object with a rules list"
		if parsed.Err != nil {
			msg += ": " + parsed.Err.Error()
		}
		return attempt{hard: true, problems: []string{msg}}
	}
	items, ok := parsed.List("rules")
	if !ok {
		return attempt{hard: true, problems: []string{`response has no "rules" list`}}
	}

	var a attempt
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		rule, err := sigma.FromObject(item)
		if err != nil {
			a.rejected++
			a.problems = append(a.problems, fmt.Sprintf("rule %d: %v", i+1, err))
			continue
		}
		rule = sigma.Normalize(rule)
		if problems := e.validator.Validate(rule); len(problems) > 0 {
			a.rejected++
			for _, p := range problems {
				a.problems = append(a.problems, fmt.Sprintf("rule %d (%s): %s", i+1, rule.Title, p))
			}
			continue
		}
		fp := sigma.Fingerprint(rule)
		if seen[fp] {
			zap.L().Debug("pipeline: dropping duplicate rule", zap.String("title", rule.Title))
			continue
		}
		seen[fp] = true
		a.valid = append(a.valid, rule)
	}
	return a
}
