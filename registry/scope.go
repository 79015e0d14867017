package registry

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/gobwas/glob"

	"github.com/Robert-MacWha/tlock"
)

// scopeLexer tokenizes a CAIP-style scope such as "eip155:1:0xAbC" into
// colon-separated segments. Grounded on holomush's dslLexer
// (internal/access/policy/dsl/ast.go): a handful of lexer.SimpleRule
// entries is enough for a grammar this small. The segment charset covers
// both literal CAIP segments and the glob metacharacters a ScopeRule
// segment may carry (*, ?, [...]), since compileRule feeds rule strings
// through this same parser, not just query scopes.
var scopeLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Segment", Pattern: `[A-Za-z0-9_*?\[\]\-]+`},
	{Name: "Colon", Pattern: `:`},
})

type scopeAST struct {
	Segments []string `parser:"@Segment (Colon @Segment)*"`
}

var scopeParser = participle.MustBuild[scopeAST](participle.Lexer(scopeLexer))

// ParseScope splits a scope string into its colon-delimited segments,
// e.g. "eip155:1:0xabc" -> ["eip155", "1", "0xabc"].
func ParseScope(s string) ([]string, error) {
	ast, err := scopeParser.ParseString("", s)
	if err != nil {
		return nil, err
	}
	return ast.Segments, nil
}

// compiledRule is a ScopeRule with its per-segment wildcard glob
// precompiled, so Specificity doesn't reparse/recompile on every call.
type compiledRule struct {
	rule     tlock.ScopeRule
	segments []compiledSegment
}

type compiledSegment struct {
	literal  string
	wildcard bool
	g        glob.Glob
}

func compileRule(rule tlock.ScopeRule) (*compiledRule, error) {
	parts, err := ParseScope(string(rule))
	if err != nil {
		return nil, err
	}
	segs := make([]compiledSegment, len(parts))
	for i, p := range parts {
		if p == "_" || p == "*" {
			segs[i] = compiledSegment{wildcard: true}
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, err
			}
			segs[i] = compiledSegment{g: g}
			continue
		}
		segs[i] = compiledSegment{literal: p}
	}
	return &compiledRule{rule: rule, segments: segs}, nil
}

// specificity scores how precisely rule matches a query's segments. A
// literal-segment match scores higher than a glob match, which scores
// higher than a wildcard match; any segment that fails to match at all
// disqualifies the rule (ok=false). Longer, more specific rules winning
// over broader ones is what lets a plugin register both a catch-all
// entity and a chain-specific override for the same domain.
func (c *compiledRule) specificity(query []string) (score int, ok bool) {
	if len(c.segments) != len(query) {
		return 0, false
	}
	for i, seg := range c.segments {
		switch {
		case seg.wildcard:
			score += 1
		case seg.g != nil:
			if !seg.g.Match(query[i]) {
				return 0, false
			}
			score += 2
		default:
			if seg.literal != query[i] {
				return 0, false
			}
			score += 3
		}
	}
	return score, true
}
