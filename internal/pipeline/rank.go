package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
)

// Rank score patterns, tried in order.
const (
	PatternExplicit   = "explicit"
	PatternGeneric    = "generic"
	PatternTailNumber = "tail_number"
)

var (
	explicitScoreRe = regexp.MustCompile(`SCORE:\s*\**\s*(\d{1,2}(?:\.\d+)?)`)
	genericScoreRe  = regexp.MustCompile(`(?i)\bscore\b[\s*:_-]*(?:of\s+|is\s+)?(\d{1,2}(?:\.\d+)?)`)
	anyNumberRe     = regexp.MustCompile(`\b\d{1,2}(?:\.\d+)?\b`)
)

// tailWindow is how far from the end the last-number fallback looks.
const tailWindow = 500

// maxReasoningLen caps the reasoning stored on the execution.
const maxReasoningLen = 4000

// ParseRankScore extracts a 1-10 relevance score from free text. It tries
// an explicit "SCORE: n" line, then a generic "Score: n" phrase, then the
// last number between 1 and 10 in the final 500 characters. The last match
// of a tier wins because reasoning precedes the answer.
func ParseRankScore(text string) (float64, string, bool) {
	if v, ok := lastInRange(explicitScoreRe.FindAllStringSubmatch(text, -1)); ok {
		return v, PatternExplicit, true
	}
	if v, ok := lastInRange(genericScoreRe.FindAllStringSubmatch(text, -1)); ok {
		return v, PatternGeneric, true
	}

	tail := text
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	nums := anyNumberRe.FindAllString(tail, -1)
	for i := len(nums) - 1; i >= 0; i-- {
		if v, ok := scoreValue(nums[i]); ok {
			return v, PatternTailNumber, true
		}
	}
	return 0, "", false
}

func lastInRange(matches [][]string) (float64, bool) {
	for i := len(matches) - 1; i >= 0; i-- {
		if v, ok := scoreValue(matches[i][1]); ok {
			return v, true
		}
	}
	return 0, false
}

func scoreValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 1 || v > 10 {
		return 0, false
	}
	return v, true
}

const defaultRankPrompt = `You triage threat intelligence reports for detection engineering.
Rate how useful the report is for writing behavioral detection rules: concrete command lines,
process relationships, registry changes, and hunt logic score high; news summaries and
indicator-only lists score low. Explain briefly, then end with a line "SCORE: n" where n is 1-10.`

func (e *Engine) rank(ctx context.Context, st *runState) StageResult {
	system := prompt(st.cfg, model.AgentRank, defaultRankPrompt)
	b, err := e.inputBudget(ctx, st, model.AgentRank, system)
	if err != nil {
		return fatal(err)
	}

	user := fmt.Sprintf("## Title\n%s\n\n## Report\n%s", st.doc.Title, budget.Truncate(st.content, b))
	resp, err := e.call(ctx, st, agentCall{
		agent:   model.AgentRank,
		system:  system,
		user:    user,
		latency: llm.LatencyShort,
	})
	if err != nil {
		return fatal(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fatal(eris.New("pipeline: rank agent returned an empty response"))
	}
	score, pattern, ok := ParseRankScore(text)
	if !ok {
		return fatal(eris.Errorf("pipeline: no 1-10 score in rank response %q", clip(text, 200)))
	}

	threshold := st.cfg.MinRankScore
	st.exec.Results.Ranking = &model.RankingResult{
		Score:     score,
		Threshold: threshold,
		Pattern:   pattern,
		Reasoning: clip(text, maxReasoningLen),
	}
	if score < threshold {
		return stop(model.TerminationBelowThreshold,
			fmt.Sprintf("score %.1f < %.1f", score, threshold))
	}
	return proceed()
}

// clip shortens s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && n < len(s) && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n] + "..."
}
