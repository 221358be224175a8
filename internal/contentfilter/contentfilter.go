// Package contentfilter strips boilerplate chunks (navigation, cookie
// banners, newsletter prompts, comment sections) from a document before it
// is ranked and extracted.
package contentfilter

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/internal/model"
)

// DefaultThreshold removes chunks the filter is at least this sure are junk.
const DefaultThreshold = 0.8

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)

	junkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(subscribe|newsletter|sign up|log in|sign in)\b`),
		regexp.MustCompile(`(?i)\b(cookies?|privacy policy|terms of (use|service)|gdpr)\b`),
		regexp.MustCompile(`(?i)(\ball rights reserved\b|\bcopyright\b|©)`),
		regexp.MustCompile(`(?i)\b(share (this|on)|follow us|tweet|linkedin|facebook)\b`),
		regexp.MustCompile(`(?i)\b(related (posts|articles)|read more|click here|leave a (comment|reply)|previous post|next post)\b`),
		regexp.MustCompile(`(?i)\b(contact (us|sales)|request a demo|free trial|webinar)\b`),
	}

	signalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b[\w-]+\.(exe|dll|ps1|bat|vbs|sh|so|dylib|plist)\b`),
		regexp.MustCompile(`(?i)\b(powershell|cmd\.exe|rundll32|regsvr32|mshta|wmic|schtasks|certutil|bash|curl|wget|chmod)\b`),
		regexp.MustCompile(`(?i)\b(HKLM|HKCU|HKEY_[A-Z_]+)\\`),
		regexp.MustCompile(`\bT\d{4}(\.\d{3})?\b`),
		regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b`),
		regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`),
		regexp.MustCompile("```|`[^`]+`"),
		regexp.MustCompile(`(?i)\b(index=|sourcetype=|EventCode|EventID|process_name|parent_process|CommandLine)\b`),
		regexp.MustCompile(`(^|\s)-{1,2}[a-zA-Z][\w-]*`),
	}

	linkPattern = regexp.MustCompile(`https?://\S+|\[[^\]]*\]\([^)]*\)`)
)

// Chunk is one scored paragraph.
type Chunk struct {
	Text           string
	JunkConfidence float64
	SignalHits     int
	JunkHits       int
	Removed        bool
}

// Filter scores paragraphs and drops confident junk. It holds no state.
type Filter struct{}

// New returns a Filter.
func New() *Filter { return &Filter{} }

// Apply filters content. A threshold outside (0,1] uses DefaultThreshold.
// When every chunk would be removed the original content is returned
// unchanged so later stages still have material to judge.
func (f *Filter) Apply(ctx context.Context, content string, threshold float64) (string, *model.FilterResult, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil, eris.New("contentfilter: document has no content")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}

	chunks := Score(content)
	res := &model.FilterResult{
		OriginalLength: len(content),
		TotalChunks:    len(chunks),
		Threshold:      threshold,
	}

	kept := make([]string, 0, len(chunks))
	for i := range chunks {
		if i%64 == 0 && ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if chunks[i].SignalHits == 0 && chunks[i].JunkConfidence >= threshold {
			chunks[i].Removed = true
			res.RemovedChunks++
			continue
		}
		kept = append(kept, chunks[i].Text)
	}

	if len(kept) == 0 {
		res.RemovedChunks = 0
		res.KeptChunks = len(chunks)
		res.FilteredLength = len(content)
		return content, res, nil
	}

	out := strings.Join(kept, "\n\n")
	res.KeptChunks = len(kept)
	res.FilteredLength = len(out)
	return out, res, nil
}

// Score splits content into paragraphs and rates each one.
func Score(content string) []Chunk {
	parts := paragraphSplit.Split(strings.ReplaceAll(content, "\r\n", "\n"), -1)
	chunks := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, scoreChunk(p))
	}
	return chunks
}

func scoreChunk(text string) Chunk {
	c := Chunk{Text: text}
	for _, re := range junkPatterns {
		if re.MatchString(text) {
			c.JunkHits++
		}
	}
	for _, re := range signalPatterns {
		if re.MatchString(text) {
			c.SignalHits++
		}
	}

	words := len(strings.Fields(text))
	conf := 0.0
	switch {
	case c.JunkHits >= 2:
		conf = 0.9
	case c.JunkHits == 1:
		conf = 0.6
	}

	// Chunks that are mostly links read as navigation.
	links := linkPattern.FindAllString(text, -1)
	if words > 0 && len(links) > 0 {
		linkWords := 0
		for _, l := range links {
			linkWords += len(strings.Fields(l))
		}
		if float64(linkWords)/float64(words) >= 0.5 {
			conf += 0.3
		}
	}
	if words <= 4 && c.JunkHits > 0 {
		conf += 0.2
	}
	if conf > 1 {
		conf = 1
	}
	c.JunkConfidence = conf
	return c
}
