// Package osdetect classifies which operating system a document targets.
package osdetect

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/model"
)

// Detection methods.
const (
	MethodKeywords    = "keywords"
	MethodKeywordsLLM = "keywords+llm"
	MethodNoSignal    = "no_signal"
)

// OSUnknown is reported only when no OS scored at all.
const OSUnknown = "unknown"

type indicator struct {
	re     *regexp.Regexp
	label  string
	weight float64
}

func ind(pattern, label string, weight float64) indicator {
	return indicator{re: regexp.MustCompile(`(?i)` + pattern), label: label, weight: weight}
}

// Order matters for tie-breaking: earlier OS wins equal scores.
var osOrder = []string{"windows", "linux", "macos"}

var indicators = map[string][]indicator{
	"windows": {
		ind(`powershell(\.exe)?`, "powershell", 3),
		ind(`\bcmd\.exe\b`, "cmd.exe", 3),
		ind(`\b(HKLM|HKCU|HKEY_[A-Z_]+)\b`, "registry hive", 3),
		ind(`\b(rundll32|regsvr32|mshta|certutil|wmic|schtasks|bitsadmin)(\.exe)?\b`, "lolbin", 3),
		ind(`\b[\w-]+\.(exe|dll|ps1|bat|vbs|lnk)\b`, "windows binary", 1),
		ind(`\b(sysmon|event ?id|lsass|mimikatz|active directory|ntds\.dit)\b`, "windows telemetry", 2),
		ind(`[a-z]:\\(windows|users|programdata)`, "windows path", 2),
		ind(`\bwindows\b`, "windows mention", 1),
	},
	"linux": {
		ind(`/(etc|tmp|var|usr|dev/shm|proc)/`, "linux path", 2),
		ind(`\b(bash|/bin/sh|chmod|chown|crontab|systemctl|systemd|iptables)\b`, "linux tooling", 2),
		ind(`\b(ld_preload|auditd|apt-get|yum|rpm|\.so\b|elf binary)`, "linux internals", 2),
		ind(`\b(linux|ubuntu|debian|centos|rhel)\b`, "linux mention", 1),
	},
	"macos": {
		ind(`\b(launchd|launchagents?|launchdaemons?)\b`, "launchd", 3),
		ind(`\b(osascript|applescript|plist|dylib|codesign|xattr)\b`, "macos tooling", 2),
		ind(`/(library|applications|system/library)/`, "macos path", 2),
		ind(`\b(gatekeeper|xprotect|tcc\.db)\b`, "macos security", 3),
		ind(`\b(macos|mac os x?|osx)\b`, "macos mention", 1),
	},
}

// perIndicatorCap limits how much one repeated indicator can contribute.
const perIndicatorCap = 5

// Classifier is an optional second opinion for low-confidence documents.
type Classifier interface {
	Classify(ctx context.Context, content string, cfg model.WorkflowConfig) (Opinion, error)
}

// Opinion is a classifier's scored guess.
type Opinion struct {
	OS         string
	Confidence float64
	Evidence   []string
	Usage      model.TokenUsage
}

// Detector scores OS indicators and consults the fallback classifier when
// keyword confidence is low.
type Detector struct {
	fallback Classifier
}

// New builds a Detector. fallback may be nil.
func New(fallback Classifier) *Detector {
	return &Detector{fallback: fallback}
}

// Detect classifies content against cfg. The highest-scoring OS always
// wins; unknown is reported only when nothing scored.
func (d *Detector) Detect(ctx context.Context, content string, cfg model.WorkflowConfig) (*model.OSDetectionResult, model.TokenUsage, error) {
	scores, evidence := keywordScores(content)
	res := &model.OSDetectionResult{Method: MethodKeywords, Scores: scores}
	var usage model.TokenUsage

	total := 0.0
	for _, s := range scores {
		total += s
	}
	top := pickTop(scores)
	if total > 0 {
		res.Confidence = scores[top] / total
	}

	if cfg.OSDetectionLLMFallback && d.fallback != nil && res.Confidence < cfg.OSDetectionMinConfidence {
		op, err := d.fallback.Classify(ctx, content, cfg)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, usage, err
		case err != nil:
			usage = op.Usage
			zap.L().Warn("osdetect: fallback classifier failed, keeping keyword result", zap.Error(err))
		default:
			usage = op.Usage
			merged := normalize(scores)
			if os := strings.ToLower(op.OS); os != "" && os != OSUnknown {
				merged[os] += op.Confidence
			}
			scores = merged
			res.Scores = merged
			res.Method = MethodKeywordsLLM
			top = pickTop(merged)
			sum := 0.0
			for _, s := range merged {
				sum += s
			}
			if sum > 0 {
				res.Confidence = merged[top] / sum
			}
			evidence[strings.ToLower(op.OS)] = append(evidence[strings.ToLower(op.OS)], op.Evidence...)
		}
	}

	if scores[top] <= 0 {
		res.OS = OSUnknown
		res.Method = MethodNoSignal
		res.Applicable = applicable(OSUnknown, cfg.ApplicableOS)
		return res, usage, nil
	}
	res.OS = top
	res.Evidence = evidence[top]
	res.Applicable = applicable(top, cfg.ApplicableOS)
	return res, usage, nil
}

func keywordScores(content string) (map[string]float64, map[string][]string) {
	scores := make(map[string]float64, len(osOrder))
	evidence := make(map[string][]string, len(osOrder))
	for _, os := range osOrder {
		scores[os] = 0
		for _, in := range indicators[os] {
			n := len(in.re.FindAllStringIndex(content, perIndicatorCap))
			if n == 0 {
				continue
			}
			scores[os] += in.weight * float64(n)
			evidence[os] = append(evidence[os], in.label)
		}
	}
	return scores, evidence
}

func normalize(scores map[string]float64) map[string]float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	out := make(map[string]float64, len(scores))
	for k, s := range scores {
		if total > 0 {
			out[k] = s / total
		} else {
			out[k] = 0
		}
	}
	return out
}

// pickTop returns the best-scoring OS, preferring osOrder on ties, then
// alphabetical order for classifier-only labels.
func pickTop(scores map[string]float64) string {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	rank := func(k string) int {
		for i, os := range osOrder {
			if os == k {
				return i
			}
		}
		return len(osOrder)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		if rank(keys[i]) != rank(keys[j]) {
			return rank(keys[i]) < rank(keys[j])
		}
		return keys[i] < keys[j]
	})
	if len(keys) == 0 {
		return OSUnknown
	}
	return keys[0]
}

// applicable treats an empty allow list, or one containing "any", as every
// OS. A document with no OS signal (OSUnknown) is always applicable.
func applicable(os string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == os || a == "any" {
			return true
		}
	}
	return os == OSUnknown
}
