package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rulesmith/internal/budget"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/qa"
	"github.com/sells-group/rulesmith/internal/structured"
)

const defaultExtractConcurrency = 2

// maxRawLen caps the raw model payload kept per sub-result.
const maxRawLen = 16000

// authorize decides once, at the fan-out boundary, whether a sub-agent may
// call its model. In evaluation mode only the named sub-agent runs, even
// if it is disabled in the config.
func authorize(cfg model.WorkflowConfig, spec model.SubAgentSpec) (model.SubResultStatus, bool) {
	if cfg.EvalSubAgent != "" {
		if spec.ID != cfg.EvalSubAgent {
			return model.SubResultSkippedEvalMode, false
		}
		return "", true
	}
	if !cfg.SubAgentEnabled(spec.ID) {
		return model.SubResultDisabled, false
	}
	return "", true
}

func (e *Engine) extract(ctx context.Context, st *runState) StageResult {
	specs := model.SubAgents()
	// One slot per sub-agent, allocated before fan-out; each worker writes
	// only its own index.
	slots := make([]model.SubResult, len(specs))

	limit := st.cfg.ExtractConcurrency
	if limit <= 0 {
		limit = defaultExtractConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, spec := range specs {
		status, ok := authorize(st.cfg, spec)
		if !ok {
			slots[i] = model.SubResult{SubAgent: spec.ID, Status: status, Items: []any{}}
			continue
		}
		g.Go(func() error {
			res, err := e.runSubAgent(gctx, st, spec)
			slots[i] = res
			return err
		})
	}
	err := g.Wait()

	result := aggregate(specs, slots)
	st.extraction = result
	st.exec.Results.Extraction = result
	if err != nil {
		return fatal(err)
	}

	zap.L().Info("pipeline: extraction aggregated",
		zap.String("execution_id", st.exec.ID),
		zap.Int("total_count", result.TotalCount),
	)
	if st.cfg.StopAfterExtract {
		return stop(model.TerminationEvalExtractionComplete,
			fmt.Sprintf("extracted %d items", result.TotalCount))
	}
	return proceed()
}

// aggregate builds the category-keyed result and the flattened item list.
func aggregate(specs []model.SubAgentSpec, slots []model.SubResult) *model.ExtractionResult {
	out := &model.ExtractionResult{
		SubResults:  make(map[string]model.SubResult, len(specs)),
		Observables: []model.Observable{},
	}
	for i, spec := range specs {
		slot := slots[i]
		if slot.SubAgent == "" {
			// Worker canceled before it started.
			slot = model.SubResult{SubAgent: spec.ID, Status: model.SubResultError, Error: "not run", Items: []any{}}
		}
		if slot.Items == nil {
			slot.Items = []any{}
		}
		slot.Count = len(slot.Items)
		out.SubResults[spec.Category] = slot
		out.TotalCount += slot.Count
		for _, item := range slot.Items {
			out.Observables = append(out.Observables, model.Observable{Category: spec.Category, Value: item})
		}
	}
	return out
}

// extraction is one sub-agent attempt's parsed output.
type extraction struct {
	items    []any
	raw      string
	quality  structured.Quality
	parseErr error
}

const defaultExtractPrompt = `You extract %s from threat intelligence reports for detection engineering.
Only report artifacts literally present in the report. Reply with a JSON object:
{"%s": [ ... ], "count": <number of items>}. Use an empty list when there are none.`

// runSubAgent extracts one category, wrapped in QA judging when enabled.
// The returned error is fatal for the stage; malformed output is recorded
// in the sub-result instead.
func (e *Engine) runSubAgent(ctx context.Context, st *runState, spec model.SubAgentSpec) (model.SubResult, error) {
	log := zap.L().With(
		zap.String("execution_id", st.exec.ID),
		zap.String("agent", spec.Agent),
	)
	slot := model.SubResult{SubAgent: spec.ID, Items: []any{}}

	system := prompt(st.cfg, spec.Agent, fmt.Sprintf(defaultExtractPrompt, spec.Category, spec.ItemsKey))
	b, err := e.inputBudget(ctx, st, spec.Agent, system)
	if err != nil {
		slot.Status = model.SubResultError
		slot.Error = err.Error()
		return slot, err
	}
	source := budget.Truncate(st.content, b)

	var judge qa.Judge
	if st.cfg.QAFor(spec.Agent) {
		if settings, ok := st.cfg.Agent(spec.QAAgent); ok {
			qb, err := e.inputBudget(ctx, st, spec.QAAgent, "")
			if err != nil {
				slot.Status = model.SubResultError
				slot.Error = err.Error()
				return slot, err
			}
			judge = qa.NewLLMJudge(e.chat, settings, st.cfg.Prompts[spec.QAAgent], qa.WithContextWindow(qb.ContextWindow))
		}
	}
	task := qa.Task{
		Agent:    spec.QAAgent,
		Source:   source,
		Contract: fmt.Sprintf("List every %s artifact in the report under %q.", spec.Category, spec.ItemsKey),
	}

	run := func(ctx context.Context, attempt int, feedback string) (extraction, string, error) {
		user := "## Report\n" + source
		if feedback != "" {
			user = feedback + "\n\n" + user
		}
		resp, err := e.call(ctx, st, agentCall{
			agent:   spec.Agent,
			system:  system,
			user:    user,
			latency: llm.LatencyStandard,
		})
		if err != nil {
			return extraction{}, "", err
		}

		text := resp.Text()
		parsed := structured.Parse(text, spec.ExpectedKeys(), resp.Truncated())
		ex := extraction{raw: text, quality: parsed.Quality}
		if !parsed.OK() {
			ex.parseErr = parsed.Err
			log.Warn("pipeline: extraction output unrecoverable",
				zap.Int("attempt", attempt),
				zap.Bool("truncated", resp.Truncated()),
			)
			return ex, text, nil
		}
		items, ok := parsed.List(spec.ItemsKey)
		if !ok {
			ex.parseErr = eris.Errorf("pipeline: %s output has no %q list", spec.Agent, spec.ItemsKey)
			return ex, text, nil
		}
		ex.items = items
		if parsed.Quality == structured.QualityRepaired {
			log.Warn("pipeline: extraction output repaired", zap.Int("attempt", attempt))
		}
		shown, _ := json.Marshal(map[string]any{spec.ItemsKey: items, "count": len(items)})
		return ex, string(shown), nil
	}

	out, err := qa.Run(ctx, qa.Config{Enabled: judge != nil, MaxAttempts: st.cfg.QAMaxAttempts}, judge, task, run)
	if out != nil {
		st.addUsage(spec.QAAgent, out.JudgeUsage)
		slot.Attempts = out.Attempts
		slot.QA = out.Evaluations
		slot.QAExhausted = out.Exhausted
		slot.Raw = clip(out.Value.raw, maxRawLen)
		slot.ParseQuality = string(out.Value.quality)
	}
	if err != nil {
		slot.Status = model.SubResultError
		slot.Error = err.Error()
		return slot, eris.Wrapf(err, "pipeline: sub-agent %s", spec.ID)
	}

	if out.Value.parseErr != nil {
		slot.Status = model.SubResultParseError
		slot.Error = out.Value.parseErr.Error()
		return slot, nil
	}
	slot.Status = model.SubResultOK
	slot.Items = out.Value.items
	slot.Count = len(out.Value.items)
	return slot, nil
}
