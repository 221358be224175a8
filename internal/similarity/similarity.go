// Package similarity scores generated rules against a corpus of reference
// rules using weighted token-set overlap across title, description, tags,
// and detection body.
package similarity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/rulesmith/internal/model"
)

// Weights sets each field's share of the score.
type Weights struct {
	Title       float64 `mapstructure:"title"`
	Description float64 `mapstructure:"description"`
	Tags        float64 `mapstructure:"tags"`
	Detection   float64 `mapstructure:"detection"`
}

// DefaultWeights favors the detection body.
func DefaultWeights() Weights {
	return Weights{Title: 0.15, Description: 0.10, Tags: 0.15, Detection: 0.60}
}

// Reference is one rule to compare against.
type Reference struct {
	Name string
	Rule model.GeneratedRule
}

// Scorer compares candidate rules with a corpus.
type Scorer struct {
	corpus  *Corpus
	weights Weights
	topN    int
}

// NewScorer builds a scorer. Zero weights fall back to DefaultWeights and a
// non-positive topN keeps 5 matches.
func NewScorer(corpus *Corpus, weights Weights, topN int) *Scorer {
	if weights.Title+weights.Description+weights.Tags+weights.Detection <= 0 {
		weights = DefaultWeights()
	}
	if topN <= 0 {
		topN = 5
	}
	if corpus == nil {
		corpus = NewCorpus()
	}
	return &Scorer{corpus: corpus, weights: weights, topN: topN}
}

// Score ranks the corpus plus extra references by similarity to rule,
// highest first.
func (s *Scorer) Score(ctx context.Context, rule model.GeneratedRule, extra []Reference) ([]model.SimilarityMatch, error) {
	cand := newFingerprint(rule)
	refs := append(s.corpus.References(), extra...)

	matches := make([]model.SimilarityMatch, 0, len(refs))
	for i, ref := range refs {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		matches = append(matches, model.SimilarityMatch{
			Reference:  ref.Name,
			Title:      ref.Rule.Title,
			Similarity: s.compare(cand, newFingerprint(ref.Rule)),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > s.topN {
		matches = matches[:s.topN]
	}
	return matches, nil
}

// Compare returns the weighted similarity of two rules in [0,1].
func (s *Scorer) Compare(a, b model.GeneratedRule) float64 {
	return s.compare(newFingerprint(a), newFingerprint(b))
}

// compare averages only the fields present on at least one side so two
// rules without descriptions are not penalized for it.
func (s *Scorer) compare(a, b fingerprint) float64 {
	parts := []struct {
		w    float64
		x, y tokenSet
	}{
		{s.weights.Title, a.title, b.title},
		{s.weights.Description, a.description, b.description},
		{s.weights.Tags, a.tags, b.tags},
		{s.weights.Detection, a.detection, b.detection},
	}
	var sum, total float64
	for _, p := range parts {
		if p.w <= 0 || (len(p.x) == 0 && len(p.y) == 0) {
			continue
		}
		sum += p.w * jaccard(p.x, p.y)
		total += p.w
	}
	if total == 0 {
		return 0
	}
	score := sum / total
	if score > 1 {
		score = 1
	}
	return score
}

type tokenSet map[string]struct{}

type fingerprint struct {
	title, description, tags, detection tokenSet
}

func newFingerprint(r model.GeneratedRule) fingerprint {
	tags := make(tokenSet, len(r.Tags))
	for _, t := range r.Tags {
		if t = fold(strings.TrimSpace(t)); t != "" {
			tags[t] = struct{}{}
		}
	}
	det := make(tokenSet)
	flattenDetection(r.Detection, det)
	return fingerprint{
		title:       tokenize(r.Title),
		description: tokenize(r.Description),
		tags:        tags,
		detection:   det,
	}
}

// flattenDetection collects field names (without modifiers) and value
// tokens. Selection names and the condition are ignored since they are
// arbitrary labels.
func flattenDetection(v any, into tokenSet) {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			if k == "condition" || k == "timeframe" {
				continue
			}
			if field, _, _ := strings.Cut(k, "|"); isFieldName(field) {
				into["field:"+fold(field)] = struct{}{}
			}
			flattenDetection(vv, into)
		}
	case []any:
		for _, vv := range t {
			flattenDetection(vv, into)
		}
	case nil:
	default:
		for tok := range tokenize(fmt.Sprint(t)) {
			into[tok] = struct{}{}
		}
	}
}

// isFieldName separates event fields (Image, CommandLine) from selection
// labels (selection, filter_main), which are lowercase by convention.
func isFieldName(k string) bool {
	if k == "" {
		return false
	}
	return unicode.IsUpper([]rune(k)[0])
}

// fold builds a Caser per call; Casers are stateful and not shareable
// across goroutines.
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

func tokenize(s string) tokenSet {
	out := make(tokenSet)
	words := strings.FieldsFunc(fold(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-')
	})
	for _, w := range words {
		w = strings.Trim(w, ".-_")
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "in": true, "on": true,
	"by": true, "for": true, "with": true, "via": true, "an": true, "is": true,
	"detects": true, "detect": true, "detection": true, "use": true, "used": true,
}

func jaccard(a, b tokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
