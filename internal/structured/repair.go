package structured

import (
	"regexp"
	"strings"
)

type tokKind int

const (
	tokOpenObject tokKind = iota
	tokOpenArray
	tokClose
	tokComma
	tokColon
	tokString
	tokLiteral
)

type token struct {
	kind       tokKind
	start, end int
	// key is set on strings in object key position.
	key bool
}

var numberRe = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// repair rebuilds a JSON object from a fragment that starts with '{' and
// was cut off mid-stream. An unterminated string is dropped back to its
// opening quote, dangling keys and commas are trimmed, and open containers
// are closed in reverse order. If that still does not decode, the fragment
// is cut back to the previous structural comma and the process repeats.
func repair(fragment string) (map[string]any, bool) {
	toks := tokenize(fragment)
	for {
		toks = trimTail(toks, fragment)
		if len(toks) == 0 {
			return nil, false
		}
		var sb strings.Builder
		sb.WriteString(fragment[:toks[len(toks)-1].end])
		sb.WriteString(closers(toks))
		if obj, ok := decodeObject(sb.String()); ok {
			return obj, true
		}

		cut := -1
		for i := len(toks) - 1; i >= 0; i-- {
			if toks[i].kind == tokComma {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil, false
		}
		toks = toks[:cut]
	}
}

// tokenize splits fragment into JSON tokens up to the point where the root
// object closes. A trailing unterminated string produces no token.
func tokenize(fragment string) []token {
	var toks []token
	var stack []tokKind
	for i := 0; i < len(fragment); {
		c := fragment[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '{' || c == '[':
			kind := tokOpenObject
			if c == '[' {
				kind = tokOpenArray
			}
			toks = append(toks, token{kind: kind, start: i, end: i + 1})
			stack = append(stack, kind)
			i++
		case c == '}' || c == ']':
			toks = append(toks, token{kind: tokClose, start: i, end: i + 1})
			i++
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return toks
			}
		case c == ',':
			toks = append(toks, token{kind: tokComma, start: i, end: i + 1})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon, start: i, end: i + 1})
			i++
		case c == '"':
			end, ok := stringEnd(fragment, i)
			if !ok {
				return toks
			}
			key := false
			if len(stack) > 0 && stack[len(stack)-1] == tokOpenObject && len(toks) > 0 {
				prev := toks[len(toks)-1].kind
				key = prev == tokOpenObject || prev == tokComma
			}
			toks = append(toks, token{kind: tokString, start: i, end: end, key: key})
			i = end
		default:
			j := i
			for j < len(fragment) && !strings.ContainsRune(" \t\n\r{}[],:\"", rune(fragment[j])) {
				j++
			}
			toks = append(toks, token{kind: tokLiteral, start: i, end: j})
			i = j
		}
	}
	return toks
}

// stringEnd returns the offset just past the string starting at the quote
// at i, or false when the string is unterminated.
func stringEnd(s string, i int) (int, bool) {
	escaped := false
	for j := i + 1; j < len(s); j++ {
		switch {
		case escaped:
			escaped = false
		case s[j] == '\\':
			escaped = true
		case s[j] == '"':
			return j + 1, true
		}
	}
	return 0, false
}

// trimTail drops trailing tokens that cannot end a value: commas, colons
// with their key, bare keys and partial literals.
func trimTail(toks []token, fragment string) []token {
	for len(toks) > 0 {
		last := toks[len(toks)-1]
		switch {
		case last.kind == tokComma:
			toks = toks[:len(toks)-1]
		case last.kind == tokColon:
			toks = toks[:len(toks)-1]
			if n := len(toks); n > 0 && toks[n-1].kind == tokString {
				toks = toks[:n-1]
			}
		case last.kind == tokString && last.key:
			toks = toks[:len(toks)-1]
		case last.kind == tokLiteral && !validLiteral(fragment[last.start:last.end]):
			toks = toks[:len(toks)-1]
		default:
			return toks
		}
	}
	return toks
}

func validLiteral(s string) bool {
	switch s {
	case "true", "false", "null":
		return true
	}
	return numberRe.MatchString(s)
}

// closers returns the brackets needed to close every container still open
// after toks, innermost first.
func closers(toks []token) string {
	var stack []byte
	for _, t := range toks {
		switch t.kind {
		case tokOpenObject:
			stack = append(stack, '}')
		case tokOpenArray:
			stack = append(stack, ']')
		case tokClose:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	out := make([]byte, len(stack))
	for i := range stack {
		out[i] = stack[len(stack)-1-i]
	}
	return string(out)
}
