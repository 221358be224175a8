package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/similarity"
	"github.com/sells-group/rulesmith/internal/store"
)

// replyFunc answers one request for a model.
type replyFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

// fakeChat routes requests by model name. Test workflows name each agent's
// model after the agent, so routing by model is routing by agent.
type fakeChat struct {
	mu      sync.Mutex
	replies map[string][]replyFunc
	calls   map[string]int
	users   map[string][]string
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		replies: make(map[string][]replyFunc),
		calls:   make(map[string]int),
		users:   make(map[string][]string),
	}
}

// on queues replies for agent. The last reply repeats once the queue is
// drained.
func (f *fakeChat) on(agent string, replies ...replyFunc) *fakeChat {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[agent] = append(f.replies[agent], replies...)
	return f
}

func (f *fakeChat) text(agent string, texts ...string) *fakeChat {
	fns := make([]replyFunc, 0, len(texts))
	for _, t := range texts {
		fns = append(fns, textReply(t))
	}
	return f.on(agent, fns...)
}

func (f *fakeChat) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	agent := req.Model
	f.calls[agent]++
	for _, m := range req.Messages {
		if m.Role == "user" {
			f.users[agent] = append(f.users[agent], m.Content)
		}
	}
	queue := f.replies[agent]
	var fn replyFunc
	switch len(queue) {
	case 0:
	case 1:
		fn = queue[0]
	default:
		fn = queue[0]
		f.replies[agent] = queue[1:]
	}
	f.mu.Unlock()

	if fn == nil {
		return nil, &llm.ProviderUnavailableError{Provider: llm.Provider(req.Provider), Reason: "no reply scripted for " + agent}
	}
	return fn(ctx, req)
}

func (f *fakeChat) callCount(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agent]
}

func (f *fakeChat) userPrompts(agent string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users[agent]...)
}

func textReply(text string) replyFunc {
	return func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Message:      llm.Message{Role: "assistant", Content: text},
			FinishReason: "stop",
			Model:        req.Model,
			Usage:        llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		}, nil
	}
}

func errorReply(err error) replyFunc {
	return func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, err
	}
}

// blockingReply waits for cancellation and signals entered first.
func blockingReply(entered chan<- struct{}) replyFunc {
	return func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type stubOSDetector struct {
	res *model.OSDetectionResult
	err error
}

func (s stubOSDetector) Detect(context.Context, string, model.WorkflowConfig) (*model.OSDetectionResult, model.TokenUsage, error) {
	return s.res, model.TokenUsage{}, s.err
}

// passFilter keeps the content unchanged.
type passFilter struct{}

func (passFilter) Apply(_ context.Context, content string, threshold float64) (string, *model.FilterResult, error) {
	return content, &model.FilterResult{
		OriginalLength: len(content),
		FilteredLength: len(content),
		Threshold:      threshold,
	}, nil
}

// fixedScorer reports one match with the same similarity for every rule.
type fixedScorer struct {
	similarity float64
}

func (s fixedScorer) Score(context.Context, model.GeneratedRule, []similarity.Reference) ([]model.SimilarityMatch, error) {
	return []model.SimilarityMatch{{Reference: "corpus/ref.yml", Title: "Reference", Similarity: s.similarity}}, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedDoc(t *testing.T, s store.Store, content string) *model.Document {
	t.Helper()
	doc, err := s.CreateDocument(context.Background(), model.Document{
		Title:   "Intrusion report",
		URL:     "https://example.com/report",
		Content: content,
	})
	require.NoError(t, err)
	return doc
}

// testWorkflow enables every stage with QA off. Each agent's model is its
// own name so fakeChat can route.
func testWorkflow() model.WorkflowConfig {
	agents := make(map[string]model.AgentSettings)
	names := model.LLMAgents()
	for _, spec := range model.SubAgents() {
		names = append(names, spec.QAAgent)
	}
	for _, name := range names {
		agents[name] = model.AgentSettings{Provider: "local", Model: name}
	}
	return model.WorkflowConfig{
		Version:             1,
		OSDetectionEnabled:  true,
		ApplicableOS:        []string{"windows"},
		FilterEnabled:       true,
		FilterConfidence:    0.8,
		RankEnabled:         true,
		MinRankScore:        6,
		SubAgentsEnabled:    map[model.SubAgent]bool{},
		ExtractConcurrency:  2,
		QAEnabled:           map[string]bool{},
		QAMaxAttempts:       3,
		SigmaMaxAttempts:    3,
		SimilarityThreshold: 0.5,
		Agents:              agents,
	}
}

func windowsDetector() stubOSDetector {
	return stubOSDetector{res: &model.OSDetectionResult{
		OS:         "windows",
		Confidence: 0.9,
		Method:     "keywords",
		Applicable: true,
	}}
}

func newTestEngine(st store.Store, chat llm.Chatter, opts ...Option) *Engine {
	base := []Option{
		WithOSDetector(windowsDetector()),
		WithContentFilter(passFilter{}),
		WithScorer(fixedScorer{similarity: 0.1}),
	}
	return New(st, chat, append(base, opts...)...)
}

const (
	cmdlineReply  = `{"cmdline_items": ["powershell.exe -enc SQBFAFgA", "rundll32.exe comsvcs.dll,MiniDump"], "count": 2}`
	lineageReply  = `{"process_lineage": [{"parent": "winword.exe", "child": "powershell.exe"}], "count": 1}`
	queriesReply  = `{"queries": [], "count": 0}`
	registryReply = "```json\n" + `{"registry_artifacts": ["HKCU\\Software\\Microsoft\\Windows\\CurrentVersion\\Run\\updater"], "count": 1}` + "\n```"

	validRuleReply = `{"rules": [{
		"title": "Encoded PowerShell Spawned by Word",
		"description": "Detects Word spawning PowerShell with an encoded command.",
		"tags": ["attack.execution", "attack.t1059.001"],
		"logsource": {"category": "process_creation", "product": "windows"},
		"detection": {
			"selection_parent": {"ParentImage|endswith": "\\winword.exe"},
			"selection_cmd": {"CommandLine|contains": "-enc"},
			"condition": "all of selection_*"
		},
		"falsepositives": ["Administrative scripts"],
		"level": "high"
	}]}`

	invalidRuleReply = `{"rules": [{
		"title": "Broken Rule",
		"logsource": {"product": "windows"},
		"detection": {"selection": {"Image": "x.exe"}, "condition": "selection and filter"},
		"level": "severe"
	}]}`
)

// happyChat answers every agent with usable output.
func happyChat() *fakeChat {
	return chatWithRules(validRuleReply)
}

// chatWithRules answers every agent like happyChat but with the given
// synthesis reply.
func chatWithRules(rulesReply string) *fakeChat {
	return newFakeChat().
		text(model.AgentRank, "Concrete tradecraft with command lines.\nSCORE: 8").
		text(model.AgentCmdline, cmdlineReply).
		text(model.AgentProcTree, lineageReply).
		text(model.AgentHuntQueries, queriesReply).
		text(model.AgentRegistry, registryReply).
		text(model.AgentSigma, rulesReply)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
