package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/sigma"
	"github.com/sells-group/rulesmith/internal/similarity"
	"github.com/sells-group/rulesmith/internal/store"
)

// queuedRefLimit caps how many already-queued rules join the comparison set.
const queuedRefLimit = 1000

func (e *Engine) scoreSimilarity(ctx context.Context, st *runState) StageResult {
	queued, err := e.store.ListQueue(ctx, store.QueueFilter{Limit: queuedRefLimit})
	if err != nil {
		return fatal(eris.Wrap(err, "pipeline: load queued rules"))
	}
	extra := make([]similarity.Reference, 0, len(queued))
	for _, q := range queued {
		extra = append(extra, similarity.Reference{Name: "queue:" + q.ID, Rule: q.Rule})
	}

	threshold := st.cfg.SimilarityThreshold
	scores := make([]model.RuleSimilarity, 0, len(st.rules))
	for _, rule := range st.rules {
		matches, err := e.scorer.Score(ctx, rule, extra)
		if err != nil {
			return fatal(eris.Wrapf(err, "pipeline: score rule %s", rule.ID))
		}
		best := 0.0
		for _, m := range matches {
			if m.Similarity > best {
				best = m.Similarity
			}
		}
		scores = append(scores, model.RuleSimilarity{
			RuleID:        rule.ID,
			MaxSimilarity: best,
			Matches:       matches,
			Queued:        best < threshold,
		})
	}
	st.scores = scores
	st.exec.Results.Similarity = scores
	return proceed()
}

func (e *Engine) promote(ctx context.Context, st *runState) StageResult {
	var entries []model.QueueEntry
	for i, s := range st.scores {
		if !s.Queued {
			continue
		}
		rule := st.rules[i]
		text, err := sigma.Render(rule)
		if err != nil {
			return fatal(eris.Wrapf(err, "pipeline: render rule %s", rule.ID))
		}
		entries = append(entries, model.QueueEntry{
			ID:            rule.ID,
			ExecutionID:   st.exec.ID,
			Rule:          rule,
			RuleYAML:      text,
			MaxSimilarity: s.MaxSimilarity,
			Matches:       s.Matches,
			Status:        model.QueuePending,
		})
	}

	ids := []string{}
	if len(entries) > 0 {
		inserted, err := e.store.EnqueueRules(ctx, entries)
		if err != nil {
			return fatal(eris.Wrap(err, "pipeline: enqueue rules"))
		}
		if len(inserted) < len(entries) {
			zap.L().Warn("pipeline: queue entries already existed",
				zap.String("execution_id", st.exec.ID),
				zap.Int("skipped", len(entries)-len(inserted)),
			)
		}
		ids = append(ids, inserted...)
	}
	st.exec.Results.QueuedRuleIDs = ids

	zap.L().Info("pipeline: rules promoted",
		zap.String("execution_id", st.exec.ID),
		zap.Int("generated", len(st.rules)),
		zap.Int("queued", len(ids)),
		zap.String("summary", fmt.Sprintf("%d/%d below %.2f", len(ids), len(st.rules), st.cfg.SimilarityThreshold)),
	)
	return proceed()
}
