// Package structured recovers a JSON object from free-form model output.
package structured

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Quality classifies how an object was recovered.
type Quality string

const (
	QualityClean         Quality = "clean"
	QualityRepaired      Quality = "repaired"
	QualityUnrecoverable Quality = "unrecoverable"
)

// Source records where in the text the object was found.
type Source string

const (
	SourceFence     Source = "fence"
	SourceCandidate Source = "candidate"
	SourceRepair    Source = "repair"
)

// ErrNoStructuredOutput marks an unrecoverable result.
var ErrNoStructuredOutput = eris.New("structured: no structured output")

// Result is the outcome of Parse. Object is nil exactly when Quality is
// QualityUnrecoverable, in which case Err is set and Raw holds the input.
type Result struct {
	Object  map[string]any
	Quality Quality
	Source  Source
	Raw     string
	Err     error
}

// OK reports whether an object was recovered.
func (r Result) OK() bool {
	return r.Object != nil
}

// Decode re-decodes the recovered object into v.
func (r Result) Decode(v any) error {
	if !r.OK() {
		return r.Err
	}
	b, err := json.Marshal(r.Object)
	if err != nil {
		return eris.Wrap(err, "structured: re-encode object")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return eris.Wrap(err, "structured: decode object")
	}
	return nil
}

// List returns the array stored under key.
func (r Result) List(key string) ([]any, bool) {
	v, ok := r.Object[key]
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	return items, ok
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")

// maxRepairStarts bounds how many unclosed braces are tried as repair roots.
const maxRepairStarts = 8

// Parse extracts one JSON object from text. Fenced code blocks are tried
// first, then every balanced {...} span. When expected is non-empty only
// objects carrying at least one expected top-level key are accepted. If
// nothing parses and truncated is set, the trailing unclosed object is
// repaired. Parse never panics and never returns a nil Result.
func Parse(text string, expected []string, truncated bool) Result {
	var fenced []candidate
	for _, m := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		body := strings.TrimSpace(text[m[2]:m[3]])
		if obj, ok := decodeObject(body); ok {
			fenced = append(fenced, candidate{obj: obj, start: m[2], size: len(body)})
		}
	}
	if best, ok := pick(fenced, expected); ok {
		return Result{Object: best.obj, Quality: QualityClean, Source: SourceFence, Raw: text}
	}

	spans, open := scanSpans(text)
	var cands []candidate
	for _, sp := range spans {
		if obj, ok := decodeObject(text[sp.start:sp.end]); ok {
			cands = append(cands, candidate{obj: obj, start: sp.start, size: sp.end - sp.start})
		}
	}
	if best, ok := pick(cands, expected); ok {
		return Result{Object: best.obj, Quality: QualityClean, Source: SourceCandidate, Raw: text}
	}

	if truncated {
		for i, start := range open {
			if i >= maxRepairStarts {
				break
			}
			obj, ok := repair(text[start:])
			if ok && hits(obj, expected) > 0 {
				return Result{Object: obj, Quality: QualityRepaired, Source: SourceRepair, Raw: text}
			}
		}
	}

	reason := "no JSON object found"
	switch {
	case len(cands) > 0 || len(fenced) > 0:
		reason = "no object carries expected keys " + strings.Join(expected, ", ")
	case truncated:
		reason = "truncated JSON could not be repaired"
	}
	return Result{
		Quality: QualityUnrecoverable,
		Raw:     text,
		Err:     eris.Wrap(ErrNoStructuredOutput, reason),
	}
}

type candidate struct {
	obj   map[string]any
	start int
	size  int
}

// pick applies the preference order: more expected keys, later position,
// larger size.
func pick(cands []candidate, expected []string) (candidate, bool) {
	var best candidate
	bestHits := -1
	found := false
	for _, c := range cands {
		h := hits(c.obj, expected)
		if len(expected) > 0 && h == 0 {
			continue
		}
		switch {
		case !found, h > bestHits,
			h == bestHits && c.start > best.start,
			h == bestHits && c.start == best.start && c.size > best.size:
			best, bestHits, found = c, h, true
		}
	}
	return best, found
}

func hits(obj map[string]any, expected []string) int {
	if len(expected) == 0 {
		return 1
	}
	n := 0
	for _, k := range expected {
		if _, ok := obj[k]; ok {
			n++
		}
	}
	return n
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

type span struct {
	start, end int
}

// scanSpans records every balanced {...} span in text, nested spans
// included, and returns the start offsets of braces left open at the end,
// outermost first. Quotes are only tracked inside braces so prose
// punctuation does not confuse the scan.
func scanSpans(text string) ([]span, []int) {
	var spans []span
	var stack []int
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) > 0 {
				start := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				spans = append(spans, span{start: start, end: i + 1})
			}
		}
	}
	return spans, stack
}
