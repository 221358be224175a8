package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
)

type scriptedJudge struct {
	verdicts []model.Verdict
	err      error
	calls    int
}

func (s *scriptedJudge) Evaluate(_ context.Context, _ Task, output string) (Judgment, error) {
	s.calls++
	if s.err != nil {
		return Judgment{}, s.err
	}
	v := s.verdicts[len(s.verdicts)-1]
	if s.calls <= len(s.verdicts) {
		v = s.verdicts[s.calls-1]
	}
	return Judgment{
		Verdict:  v,
		Feedback: fmt.Sprintf("feedback %d on %s", s.calls, output),
		Issues:   []string{fmt.Sprintf("issue %d", s.calls)},
		Usage:    model.TokenUsage{Calls: 1, TotalTokens: 10},
	}, nil
}

type recordingExtract struct {
	feedback []string
}

func (r *recordingExtract) fn(_ context.Context, attempt int, feedback string) (int, string, error) {
	r.feedback = append(r.feedback, feedback)
	return attempt * 10, fmt.Sprintf("output-%d", attempt), nil
}

var task = Task{Agent: model.AgentCmdlineQA, Source: "src", Contract: "extract command lines"}

func TestRun_Disabled(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictNeedsRevision}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: false, MaxAttempts: 5}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Value)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Evaluations)
	assert.Equal(t, 0, judge.calls)
}

func TestRun_PassOnFirstAttempt(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictPass}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Value)
	require.Len(t, out.Evaluations, 1)
	assert.Equal(t, model.VerdictPass, out.Evaluations[0].Verdict)
	assert.False(t, out.Exhausted)
	assert.Equal(t, []string{""}, ex.feedback)
}

func TestRun_RevisionThenPassRetainsHistory(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{
		model.VerdictNeedsRevision,
		model.VerdictCriticalFailure,
		model.VerdictPass,
	}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true, MaxAttempts: 5}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.Equal(t, 30, out.Value)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, out.Evaluations, 3)
	assert.Equal(t, model.VerdictNeedsRevision, out.Evaluations[0].Verdict)
	assert.Equal(t, model.VerdictCriticalFailure, out.Evaluations[1].Verdict)
	assert.Equal(t, model.VerdictPass, out.Evaluations[2].Verdict)
	assert.Equal(t, 30, out.JudgeUsage.TotalTokens)

	require.Len(t, ex.feedback, 3)
	assert.Empty(t, ex.feedback[0])
	assert.Contains(t, ex.feedback[1], "feedback 1 on output-1")
	assert.NotContains(t, ex.feedback[1], "issue 2")
	assert.Contains(t, ex.feedback[2], "issue 1")
	assert.Contains(t, ex.feedback[2], "issue 2")
}

func TestRun_CriticalOnLastAttemptFails(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictCriticalFailure}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true, MaxAttempts: 3}, judge, task, ex.fn)
	var critical *CriticalFailureError
	require.True(t, errors.As(err, &critical))
	assert.Equal(t, 3, critical.Attempt)
	assert.Equal(t, model.AgentCmdlineQA, critical.Agent)
	require.NotNil(t, out)
	assert.Len(t, out.Evaluations, 3)
	assert.Equal(t, 3, judge.calls)
}

func TestRun_RevisionExhausted(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictNeedsRevision}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true, MaxAttempts: 2}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.Equal(t, 20, out.Value)
	assert.Len(t, out.Evaluations, 2)
}

func TestRun_DefaultMaxAttempts(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictNeedsRevision}}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, out.Attempts)
}

func TestRun_JudgeErrorAcceptsOutput(t *testing.T) {
	judge := &scriptedJudge{err: errors.New("backend down")}
	ex := &recordingExtract{}

	out, err := Run(context.Background(), Config{Enabled: true}, judge, task, ex.fn)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Value)
	require.Len(t, out.Evaluations, 1)
	assert.Equal(t, model.VerdictUnavailable, out.Evaluations[0].Verdict)
}

func TestRun_JudgeErrorAfterCancelPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	judge := &scriptedJudge{err: context.Canceled}
	ex := &recordingExtract{}

	_, err := Run(ctx, Config{Enabled: true}, judge, task, ex.fn)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_ExtractErrorPropagates(t *testing.T) {
	judge := &scriptedJudge{verdicts: []model.Verdict{model.VerdictPass}}
	boom := errors.New("transport failure")
	_, err := Run(context.Background(), Config{Enabled: true}, judge, task,
		func(context.Context, int, string) (int, string, error) { return 0, "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, judge.calls)
}

func TestFormatFeedback(t *testing.T) {
	assert.Empty(t, FormatFeedback(nil))
	got := FormatFeedback([]model.QAEvaluation{
		{Attempt: 1, Verdict: model.VerdictNeedsRevision, Feedback: "missing args", Issues: []string{"cmd 2 truncated"}},
	})
	assert.True(t, strings.HasPrefix(got, "QA feedback"))
	assert.Contains(t, got, "Attempt 1 (needs_revision): missing args")
	assert.Contains(t, got, "- cmd 2 truncated")
}

type fakeChat struct {
	text   string
	err    error
	finish string
	last   llm.Request
}

func (f *fakeChat) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{
		Message:      llm.Message{Role: "assistant", Content: f.text},
		FinishReason: f.finish,
		Usage:        llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

func TestLLMJudge_Evaluate(t *testing.T) {
	chat := &fakeChat{text: "Reviewing...\n```json\n" +
		`{"verdict": "Needs Revision", "feedback": "two items invented", "issues": ["item 3", {"line": 4}]}` +
		"\n```"}
	settings := model.AgentSettings{Provider: "local", Model: "qwen2.5-14b", Temperature: 0.1, MaxTokens: 512}
	j := NewLLMJudge(chat, settings, "")

	got, err := j.Evaluate(context.Background(), task, `{"cmdline_items": []}`)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictNeedsRevision, got.Verdict)
	assert.Equal(t, "two items invented", got.Feedback)
	assert.Equal(t, []string{"item 3", `{"line":4}`}, got.Issues)
	assert.Equal(t, 120, got.Usage.TotalTokens)

	assert.Equal(t, "local", chat.last.Provider)
	assert.Equal(t, llm.LatencyShort, chat.last.Latency)
	require.Len(t, chat.last.Messages, 2)
	assert.Equal(t, defaultJudgePrompt, chat.last.Messages[0].Content)
	assert.Contains(t, chat.last.Messages[1].Content, "extract command lines")
}

func TestLLMJudge_FitsPromptToWindow(t *testing.T) {
	chat := &fakeChat{text: `{"verdict": "pass", "feedback": "", "issues": []}`}
	settings := model.AgentSettings{Provider: "local", Model: "qwen2.5-7b", MaxTokens: 256}
	j := NewLLMJudge(chat, settings, "", WithContextWindow(2048))

	long := Task{
		Agent:    model.AgentCmdlineQA,
		Contract: "List every command line under \"cmdline_items\".",
		Source:   strings.Repeat("The actor ran schtasks /create on every host. ", 2000),
	}
	got, err := j.Evaluate(context.Background(), long, `{"cmdline_items": ["schtasks /create"]}`)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictPass, got.Verdict)

	user := chat.last.Messages[1].Content
	b := j.inputBudget()
	assert.LessOrEqual(t, budget.EstimateTokens(user), b.Available())
	assert.Contains(t, user, "## Task contract")
	assert.Contains(t, user, `{"cmdline_items": ["schtasks /create"]}`)
	assert.True(t, strings.HasSuffix(user, budget.TruncationMarker))
}

func TestLLMJudge_ShortPromptUnchanged(t *testing.T) {
	chat := &fakeChat{text: `{"verdict": "pass", "feedback": "", "issues": []}`}
	j := NewLLMJudge(chat, model.AgentSettings{}, "")
	_, err := j.Evaluate(context.Background(), task, "out")
	require.NoError(t, err)

	want := "## Task contract\n" + task.Contract + "\n\n## Extraction output\nout\n\n## Source\n" + task.Source
	assert.Equal(t, want, chat.last.Messages[1].Content)
}

func TestLLMJudge_UnparseableIsUnavailable(t *testing.T) {
	j := NewLLMJudge(&fakeChat{text: "looks fine to me"}, model.AgentSettings{}, "custom")
	got, err := j.Evaluate(context.Background(), task, "x")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnavailable, got.Verdict)
}

func TestLLMJudge_CallError(t *testing.T) {
	j := NewLLMJudge(&fakeChat{err: errors.New("503")}, model.AgentSettings{}, "")
	_, err := j.Evaluate(context.Background(), task, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge call")
}

func TestNormalizeVerdict(t *testing.T) {
	assert.Equal(t, model.VerdictPass, normalizeVerdict(" PASS "))
	assert.Equal(t, model.VerdictNeedsRevision, normalizeVerdict("needs-revision"))
	assert.Equal(t, model.VerdictCriticalFailure, normalizeVerdict("Critical Failure"))
	assert.Equal(t, model.VerdictUnavailable, normalizeVerdict("maybe"))
}
