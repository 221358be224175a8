// Package pipeline runs documents through the detection-rule workflow:
// OS applicability, content filtering, ranking, multi-agent extraction,
// rule synthesis, similarity scoring, and queue promotion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/contentfilter"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/metrics"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/osdetect"
	"github.com/sells-group/rulesmith/internal/resilience"
	"github.com/sells-group/rulesmith/internal/sigma"
	"github.com/sells-group/rulesmith/internal/similarity"
	"github.com/sells-group/rulesmith/internal/store"
	"github.com/sells-group/rulesmith/internal/telemetry"
)

// finalWriteTimeout bounds the terminal persistence write, which runs on a
// context detached from the caller's cancellation.
const finalWriteTimeout = 10 * time.Second

// OSDetector classifies which platform a document targets.
type OSDetector interface {
	Detect(ctx context.Context, content string, cfg model.WorkflowConfig) (*model.OSDetectionResult, model.TokenUsage, error)
}

// ContentFilter strips low-signal chunks from a document.
type ContentFilter interface {
	Apply(ctx context.Context, content string, threshold float64) (string, *model.FilterResult, error)
}

// RuleValidator reports structural problems with a rule.
type RuleValidator interface {
	Validate(rule model.GeneratedRule) []string
}

// SimilarityScorer ranks references by similarity to a rule.
type SimilarityScorer interface {
	Score(ctx context.Context, rule model.GeneratedRule, extra []similarity.Reference) ([]model.SimilarityMatch, error)
}

// ContextDiscoverer reports a model's context window.
type ContextDiscoverer interface {
	Discover(ctx context.Context, provider, model string, required int) (llm.ContextInfo, error)
}

// ExecutionError is returned by Run and Retry when the execution ends in
// the failed state. The execution has been persisted.
type ExecutionError struct {
	ExecutionID string
	Stage       model.Stage
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline: execution %s failed at %s: %v", e.ExecutionID, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Engine sequences the workflow stages for one execution at a time. It
// holds no per-run state, so one Engine serves concurrent runs.
type Engine struct {
	store      store.Store
	chat       llm.Chatter
	osDetector OSDetector
	filter     ContentFilter
	validator  RuleValidator
	scorer     SimilarityScorer
	discoverer ContextDiscoverer
	tracer     *telemetry.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithOSDetector replaces the keyword detector.
func WithOSDetector(d OSDetector) Option {
	return func(e *Engine) { e.osDetector = d }
}

// WithContentFilter replaces the chunk filter.
func WithContentFilter(f ContentFilter) Option {
	return func(e *Engine) { e.filter = f }
}

// WithValidator replaces the SIGMA validator.
func WithValidator(v RuleValidator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithScorer replaces the similarity scorer.
func WithScorer(s SimilarityScorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithContextDiscoverer sizes document budgets from the model's real
// context window instead of defaultContextWindow.
func WithContextDiscoverer(d ContextDiscoverer) Option {
	return func(e *Engine) { e.discoverer = d }
}

// WithTracer emits spans per stage and per model call.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New builds an Engine. Collaborators not supplied through options get
// the built-in implementations, with an empty similarity corpus.
func New(st store.Store, chat llm.Chatter, opts ...Option) *Engine {
	e := &Engine{store: st, chat: chat}
	for _, opt := range opts {
		opt(e)
	}
	if e.osDetector == nil {
		e.osDetector = osdetect.New(osdetect.NewLLMClassifier(chat))
	}
	if e.filter == nil {
		e.filter = contentfilter.New()
	}
	if e.validator == nil {
		e.validator = sigma.Validator{}
	}
	if e.scorer == nil {
		e.scorer = similarity.NewScorer(nil, similarity.DefaultWeights(), 0)
	}
	return e
}

// Run creates an execution of doc under cfg and drives it to a terminal
// state. The returned error is an *ExecutionError when the execution
// failed, or a setup error when no execution could be started.
func (e *Engine) Run(ctx context.Context, doc *model.Document, cfg model.WorkflowConfig) (*model.Execution, error) {
	if doc == nil {
		return nil, eris.New("pipeline: nil document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: invalid workflow config")
	}
	exec := &model.Execution{
		DocumentID:     doc.ID,
		ConfigSnapshot: cfg.Clone(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, eris.Wrap(err, "pipeline: create execution")
	}
	return e.execute(ctx, exec, doc)
}

// Retry starts a new execution for the document of a failed execution,
// using a copy of its config snapshot. Executions in any other state are
// rejected.
func (e *Engine) Retry(ctx context.Context, executionID string) (*model.Execution, error) {
	prev, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load execution %s", executionID)
	}
	if prev.Status != model.ExecutionFailed {
		return nil, eris.Errorf("pipeline: execution %s is %s; only failed executions can be retried",
			executionID, prev.Status)
	}
	doc, err := e.store.GetDocument(ctx, prev.DocumentID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load document %s", prev.DocumentID)
	}

	exec := &model.Execution{
		DocumentID:     doc.ID,
		ConfigSnapshot: prev.ConfigSnapshot.Clone(),
		RetryOf:        prev.ID,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, eris.Wrap(err, "pipeline: create retry execution")
	}
	zap.L().Info("pipeline: retrying failed execution",
		zap.String("execution_id", exec.ID),
		zap.String("retry_of", prev.ID),
	)
	return e.execute(ctx, exec, doc)
}

type stageFunc func(ctx context.Context, st *runState) StageResult

func (e *Engine) stages() map[model.Stage]stageFunc {
	return map[model.Stage]stageFunc{
		model.StageOSDetection:     e.detectOS,
		model.StageContentFilter:   e.filterContent,
		model.StageRank:            e.rank,
		model.StageExtract:         e.extract,
		model.StageSynthesizeRules: e.synthesize,
		model.StageSimilarityScore: e.scoreSimilarity,
		model.StagePromote:         e.promote,
	}
}

func (e *Engine) execute(ctx context.Context, exec *model.Execution, doc *model.Document) (*model.Execution, error) {
	log := zap.L().With(zap.String("execution_id", exec.ID), zap.String("document_id", doc.ID))
	log.Info("pipeline: starting execution", zap.Int("config_version", exec.ConfigSnapshot.Version))

	ctx, runSpan := e.tracer.Start(ctx, "pipeline.execution",
		attribute.String("execution_id", exec.ID),
		attribute.String("document_id", doc.ID),
	)

	st := newRunState(exec, doc)
	started := time.Now().UTC()
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return e.fail(ctx, st, runSpan, eris.Wrap(err, "pipeline: mark running"))
	}

	stages := e.stages()
	for stage := model.StageOSDetection; stage != ""; stage = next(stage, st.cfg) {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, st, runSpan, err)
		}
		if stage == model.StageExtract && !st.cfg.RankEnabled && exec.Results.Ranking == nil {
			exec.Results.Ranking = &model.RankingResult{Skipped: true, Threshold: st.cfg.MinRankScore}
		}

		exec.CurrentStep = stage
		st.snapshotUsage()
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return e.fail(ctx, st, runSpan, eris.Wrapf(err, "pipeline: persist entry to %s", stage))
		}

		res := e.runStage(ctx, stage, st, stages[stage])
		switch res.Kind {
		case Continue:
			st.snapshotUsage()
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				return e.fail(ctx, st, runSpan, eris.Wrapf(err, "pipeline: persist %s result", stage))
			}
		case Stop:
			return e.finish(ctx, st, runSpan, res.Reason, res.Details)
		default:
			return e.fail(ctx, st, runSpan, res.Err)
		}
	}
	return e.finish(ctx, st, runSpan, "", "")
}

func (e *Engine) runStage(ctx context.Context, stage model.Stage, st *runState, fn stageFunc) StageResult {
	log := zap.L().With(zap.String("execution_id", st.exec.ID), zap.String("stage", string(stage)))
	sctx, span := e.tracer.Start(ctx, "pipeline.stage."+string(stage), attribute.String("stage", string(stage)))

	start := time.Now()
	res := fn(sctx, st)
	if res.Kind == Fatal && res.Err == nil {
		res.Err = eris.Errorf("pipeline: %s failed without an error", stage)
	}
	d := time.Since(start)
	metrics.ObserveStage(string(stage), d)

	span.SetAttributes(attribute.String("outcome", res.Kind.String()), telemetry.Since(start))
	span.End(res.Err)

	switch res.Kind {
	case Continue:
		log.Info("pipeline: stage complete", zap.Int64("duration_ms", d.Milliseconds()))
	case Stop:
		log.Info("pipeline: stage stopped execution",
			zap.String("reason", string(res.Reason)),
			zap.String("details", res.Details),
			zap.Int64("duration_ms", d.Milliseconds()),
		)
	case Fatal:
		log.Error("pipeline: stage failed", zap.Int64("duration_ms", d.Milliseconds()), zap.Error(res.Err))
	}
	return res
}

// finish marks the execution completed, with reason set for a graceful stop.
func (e *Engine) finish(ctx context.Context, st *runState, span *telemetry.Span, reason model.TerminationReason, details string) (*model.Execution, error) {
	exec := st.exec
	done := time.Now().UTC()
	exec.Status = model.ExecutionCompleted
	exec.TerminationReason = reason
	exec.TerminationDetails = details
	exec.CompletedAt = &done
	st.snapshotUsage()

	if err := e.persistFinal(ctx, exec); err != nil {
		span.End(err)
		return exec, eris.Wrap(err, "pipeline: persist completed execution")
	}
	metrics.IncExecution(string(exec.Status))
	if reason != "" {
		metrics.IncTermination(string(reason))
	}
	span.SetAttributes(attribute.String("status", string(exec.Status)), attribute.String("termination_reason", string(reason)))
	span.End(nil)

	total := st.totalUsage()
	zap.L().Info("pipeline: execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("current_step", string(exec.CurrentStep)),
		zap.String("termination_reason", string(reason)),
		zap.Int("llm_calls", total.Calls),
		zap.Int("total_tokens", total.TotalTokens),
	)
	return exec, nil
}

// fail marks the execution failed at its current step.
func (e *Engine) fail(ctx context.Context, st *runState, span *telemetry.Span, cause error) (*model.Execution, error) {
	exec := st.exec
	done := time.Now().UTC()
	exec.Status = model.ExecutionFailed
	exec.CompletedAt = &done
	exec.TerminationReason = ""
	exec.TerminationDetails = ""
	exec.ErrorType = resilience.ClassifyError(cause)
	if isCancellation(ctx, cause) {
		exec.ErrorMessage = fmt.Sprintf("canceled during %s: %v", stageName(exec.CurrentStep), cause)
	} else {
		exec.ErrorMessage = fmt.Sprintf("%s: %v", stageName(exec.CurrentStep), cause)
	}
	st.snapshotUsage()

	if err := e.persistFinal(ctx, exec); err != nil {
		zap.L().Error("pipeline: could not persist failed execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
	metrics.IncExecution(string(exec.Status))
	span.End(cause)

	zap.L().Error("pipeline: execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("stage", string(exec.CurrentStep)),
		zap.String("error_type", exec.ErrorType),
		zap.Error(cause),
	)
	return exec, &ExecutionError{ExecutionID: exec.ID, Stage: exec.CurrentStep, Err: cause}
}

// persistFinal writes the terminal record even when ctx is already
// canceled, so a canceled run is still left consistent.
func (e *Engine) persistFinal(ctx context.Context, exec *model.Execution) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	return e.store.UpdateExecution(wctx, exec)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stageName(s model.Stage) string {
	if s == "" {
		return "startup"
	}
	return string(s)
}
