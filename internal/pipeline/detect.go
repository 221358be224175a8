package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/model"
)

func (e *Engine) detectOS(ctx context.Context, st *runState) StageResult {
	if !st.cfg.OSDetectionEnabled {
		return proceed()
	}
	res, usage, err := e.osDetector.Detect(ctx, st.content, st.cfg)
	st.addUsage(model.AgentOSDetection, usage)
	if err != nil {
		return fatal(eris.Wrap(err, "pipeline: os detection"))
	}
	st.exec.Results.OSDetection = res
	if res.Applicable {
		return proceed()
	}

	details := fmt.Sprintf("detected %s (confidence %.2f, via %s); applicable: %s",
		res.OS, res.Confidence, res.Method, strings.Join(st.cfg.ApplicableOS, ", "))
	if len(res.Evidence) > 0 {
		details += "; evidence: " + strings.Join(res.Evidence, "; ")
	}
	return stop(model.TerminationNonApplicable, details)
}

func (e *Engine) filterContent(ctx context.Context, st *runState) StageResult {
	if !st.cfg.FilterEnabled {
		n := len(st.content)
		st.exec.Results.Filter = &model.FilterResult{
			OriginalLength: n,
			FilteredLength: n,
			Threshold:      st.cfg.FilterConfidence,
			Skipped:        true,
		}
		return proceed()
	}

	filtered, res, err := e.filter.Apply(ctx, st.content, st.cfg.FilterConfidence)
	if err != nil {
		return fatal(eris.Wrap(err, "pipeline: content filter"))
	}
	st.content = filtered
	st.exec.Results.Filter = res
	return proceed()
}
