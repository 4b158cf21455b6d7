// Package glob implements the pattern verifier of spec §4.5.4: glob tokens
// compiled once per pattern when a database is opened, matched by
// recursive-descent backtracking at query time, with a UTF-8-safe `*` step and a bounded backtracking budget
// so a pathological pattern can't make a lookup hang.
package glob

import (
	"fmt"
)

// maxBacktrackSteps bounds the matcher's recursion so a pattern like
// "*a*b*c*...*p*" against non-matching text returns quickly instead of
// exploring an exponential number of star placements.
const maxBacktrackSteps = 100000

type tokenKind uint8

const (
	tokLiteral tokenKind = iota
	tokAny               // ?
	tokStar              // *
	tokClass             // [abc] or [!abc]
)

type token struct {
	kind    tokenKind
	literal string    // tokLiteral
	negate  bool      // tokClass
	ranges  [][2]rune // tokClass: single runes stored as {r, r}
}

// Pattern is a compiled glob, ready for repeated matching.
type Pattern struct {
	source string
	tokens []token
}

// Compile parses a glob pattern into its token sequence. It never matches
// against text; call Match for that.
func Compile(pattern string) (*Pattern, error) {
	toks, err := tokenize(pattern)
	if err != nil {
		return nil, err
	}
	return &Pattern{source: pattern, tokens: toks}, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.source }

// Literals returns every maximal literal run in the pattern, in order --
// the substrings between `*`/`?`/class tokens. The builder feeds these into
// the AC automaton: a literal hit is necessary (though not sufficient) for
// the pattern to match, so AC can narrow candidates before glob re-verifies
// the full match.
func (p *Pattern) Literals() []string {
	var out []string
	for _, t := range p.tokens {
		if t.kind == tokLiteral && t.literal != "" {
			out = append(out, t.literal)
		}
	}
	return out
}

func tokenize(pattern string) ([]token, error) {
	var toks []token
	var lit []rune

	flushLiteral := func() {
		if len(lit) > 0 {
			toks = append(toks, token{kind: tokLiteral, literal: string(lit)})
			lit = lit[:0]
		}
	}

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			flushLiteral()
			// collapse consecutive stars: they're equivalent to one.
			if len(toks) == 0 || toks[len(toks)-1].kind != tokStar {
				toks = append(toks, token{kind: tokStar})
			}
		case '?':
			flushLiteral()
			toks = append(toks, token{kind: tokAny})
		case '[':
			flushLiteral()
			cls, next, err := parseClass(runes, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, cls)
			i = next
		case '\\':
			if i+1 < len(runes) {
				i++
				lit = append(lit, runes[i])
			} else {
				lit = append(lit, c)
			}
		default:
			lit = append(lit, c)
		}
	}
	flushLiteral()
	return toks, nil
}

// parseClass parses a "[...]" construct starting at runes[start] == '['.
// It returns the class token and the index of the closing ']'.
func parseClass(runes []rune, start int) (token, int, error) {
	i := start + 1
	var negate bool
	if i < len(runes) && (runes[i] == '!' || runes[i] == '^') {
		negate = true
		i++
	}
	var ranges [][2]rune
	first := true
	for i < len(runes) {
		if runes[i] == ']' && !first {
			return token{kind: tokClass, negate: negate, ranges: ranges}, i, nil
		}
		first = false
		lo := runes[i]
		if i+2 < len(runes) && runes[i+1] == '-' && runes[i+2] != ']' {
			hi := runes[i+2]
			ranges = append(ranges, [2]rune{lo, hi})
			i += 3
			continue
		}
		ranges = append(ranges, [2]rune{lo, lo})
		i++
	}
	return token{}, 0, fmt.Errorf("glob: unterminated character class in %q", string(runes[start:]))
}

func (t token) matchesClass(r rune) bool {
	in := false
	for _, rg := range t.ranges {
		if r >= rg[0] && r <= rg[1] {
			in = true
			break
		}
	}
	if t.negate {
		return !in
	}
	return in
}

// Match reports whether text satisfies the pattern, using bounded
// backtracking over `*` placements. `*` always advances by whole UTF-8
// scalar values, never by raw byte, so multi-byte runes can't be split.
func (p *Pattern) Match(text string) bool {
	steps := 0
	ok, _ := matchTokens(p.tokens, []rune(text), &steps)
	return ok
}

// matchTokens matches toks against the remaining runes of text, consuming
// budget from steps. It returns (matched, exhausted): exhausted is true if
// the backtracking budget ran out before a verdict was reached, in which
// case the caller must treat the result as "no match".
func matchTokens(toks []token, text []rune, steps *int) (matched bool, exhausted bool) {
	*steps++
	if *steps > maxBacktrackSteps {
		return false, true
	}

	if len(toks) == 0 {
		return len(text) == 0, false
	}

	switch toks[0].kind {
	case tokLiteral:
		lit := []rune(toks[0].literal)
		if len(text) < len(lit) {
			return false, false
		}
		for i, r := range lit {
			if text[i] != r {
				return false, false
			}
		}
		return matchTokens(toks[1:], text[len(lit):], steps)

	case tokAny:
		if len(text) == 0 {
			return false, false
		}
		return matchTokens(toks[1:], text[1:], steps)

	case tokClass:
		if len(text) == 0 {
			return false, false
		}
		if !toks[0].matchesClass(text[0]) {
			return false, false
		}
		return matchTokens(toks[1:], text[1:], steps)

	case tokStar:
		// Try the shortest expansion first (zero runes consumed), then grow
		// one UTF-8 scalar at a time; this keeps common prefixes cheap and
		// still finds matches that require consuming more.
		for n := 0; n <= len(text); n++ {
			ok, ex := matchTokens(toks[1:], text[n:], steps)
			if ex {
				return false, true
			}
			if ok {
				return true, false
			}
		}
		return false, false
	}
	return false, false
}
