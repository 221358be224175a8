// Package sigma renders, parses, and structurally validates SIGMA
// detection rules.
package sigma

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rulesmith/internal/model"
)

var (
	validLevels   = []string{"informational", "low", "medium", "high", "critical"}
	validStatuses = []string{"stable", "test", "experimental", "deprecated", "unsupported"}

	tagRe = regexp.MustCompile(`^[a-z0-9_.\-]+$`)

	// Condition keywords that are not selection names.
	conditionWords = map[string]bool{
		"and": true, "or": true, "not": true, "of": true, "them": true,
		"all": true, "1": true, "any": true,
	}
	conditionTokenRe = regexp.MustCompile(`[A-Za-z0-9_*]+`)
)

// Render returns the rule as a YAML document.
func Render(rule model.GeneratedRule) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(rule); err != nil {
		return "", eris.Wrap(err, "sigma: encode rule")
	}
	if err := enc.Close(); err != nil {
		return "", eris.Wrap(err, "sigma: close encoder")
	}
	return buf.String(), nil
}

// ParseYAML decodes one YAML rule document.
func ParseYAML(data []byte) (model.GeneratedRule, error) {
	var rule model.GeneratedRule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return rule, eris.Wrap(err, "sigma: parse rule yaml")
	}
	rule.Detection = normalizeMap(rule.Detection)
	return rule, nil
}

// ParseYAMLDocuments decodes every document of a multi-document stream.
func ParseYAMLDocuments(data []byte) ([]model.GeneratedRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []model.GeneratedRule
	for {
		var rule model.GeneratedRule
		err := dec.Decode(&rule)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, eris.Wrap(err, "sigma: parse rule stream")
		}
		if rule.Title == "" && len(rule.Detection) == 0 {
			continue
		}
		rule.Detection = normalizeMap(rule.Detection)
		out = append(out, rule)
	}
	return out, nil
}

// FromObject converts a decoded JSON rule object into a GeneratedRule.
func FromObject(obj any) (model.GeneratedRule, error) {
	var rule model.GeneratedRule
	b, err := json.Marshal(obj)
	if err != nil {
		return rule, eris.Wrap(err, "sigma: marshal rule object")
	}
	if err := json.Unmarshal(b, &rule); err != nil {
		return rule, eris.Wrap(err, "sigma: decode rule object")
	}
	return rule, nil
}

// Normalize fills defaults a generated rule may omit. Every call assigns a
// fresh ID; identifiers written by a model are never kept, so a queued rule
// always belongs to the execution that produced it.
func Normalize(rule model.GeneratedRule) model.GeneratedRule {
	rule.ID = uuid.NewString()
	if rule.Status == "" {
		rule.Status = "experimental"
	}
	rule.Level = strings.ToLower(strings.TrimSpace(rule.Level))
	tags := make([]string, 0, len(rule.Tags))
	for _, tag := range rule.Tags {
		if t := strings.ToLower(strings.TrimSpace(tag)); t != "" {
			tags = append(tags, t)
		}
	}
	rule.Tags = tags
	return rule
}

// Fingerprint identifies a rule by its content, ignoring ID and metadata.
// Two rules with the same title, log source and detection share a
// fingerprint.
func Fingerprint(rule model.GeneratedRule) string {
	b, err := json.Marshal(struct {
		Title     string          `json:"t"`
		Logsource model.Logsource `json:"l"`
		Detection map[string]any  `json:"d"`
	}{strings.ToLower(strings.TrimSpace(rule.Title)), rule.Logsource, normalizeMap(rule.Detection)})
	if err != nil {
		return rule.Title
	}
	return string(b)
}

// Validator checks rules for structural problems.
type Validator struct{}

// Validate returns every problem found. An empty slice means the rule is
// structurally valid.
func (Validator) Validate(rule model.GeneratedRule) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(rule.Title) == "" {
		add("title is required")
	}
	if rule.ID != "" {
		if _, err := uuid.Parse(rule.ID); err != nil {
			add("id %q is not a UUID", rule.ID)
		}
	}
	if rule.Status != "" && !slices.Contains(validStatuses, rule.Status) {
		add("status %q must be one of %s", rule.Status, strings.Join(validStatuses, ", "))
	}
	if !slices.Contains(validLevels, rule.Level) {
		add("level %q must be one of %s", rule.Level, strings.Join(validLevels, ", "))
	}
	if rule.Logsource.Category == "" && rule.Logsource.Product == "" && rule.Logsource.Service == "" {
		add("logsource needs at least one of category, product, service")
	}
	for _, tag := range rule.Tags {
		if !tagRe.MatchString(tag) {
			add("tag %q must be lowercase dotted (e.g. attack.t1059.001)", tag)
		}
	}

	problems = append(problems, validateDetection(rule.Detection)...)
	return problems
}

func validateDetection(det map[string]any) []string {
	if len(det) == 0 {
		return []string{"detection is required"}
	}
	var problems []string

	cond, _ := det["condition"].(string)
	if strings.TrimSpace(cond) == "" {
		problems = append(problems, "detection.condition must be a non-empty string")
	}

	selections := make([]string, 0, len(det))
	for name, body := range det {
		if name == "condition" || name == "timeframe" {
			continue
		}
		selections = append(selections, name)
		if !isSelection(body) {
			problems = append(problems, fmt.Sprintf("detection.%s must be a map or a list", name))
		}
	}
	sort.Strings(selections)
	if len(selections) == 0 {
		problems = append(problems, "detection needs at least one selection")
	}

	for _, tok := range conditionTokenRe.FindAllString(cond, -1) {
		if conditionWords[strings.ToLower(tok)] {
			continue
		}
		if !matchesSelection(tok, selections) {
			problems = append(problems, fmt.Sprintf("condition references unknown selection %q", tok))
		}
	}
	return problems
}

func isSelection(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return false
	}
}

// matchesSelection supports the "selection_*" wildcard form.
func matchesSelection(tok string, selections []string) bool {
	if prefix, ok := strings.CutSuffix(tok, "*"); ok {
		for _, s := range selections {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
		return false
	}
	return slices.Contains(selections, tok)
}

// normalizeMap rewrites map[any]any nodes from older YAML shapes into
// map[string]any so rules compare the same after a JSON round trip.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeValue(vv)
		}
		return out
	default:
		return v
	}
}
