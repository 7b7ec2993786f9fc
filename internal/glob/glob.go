// Package glob implements case-insensitive shell-style wildcard matching.
//
// A pattern is anchored to the complete string. Supported syntax:
//
//	*      any sequence of characters, including '/'
//	?      exactly one character
//	[abc]  one character of the class, [a-z] ranges, [!a-z] negation
//
// Braces have no special meaning, "{a,b}" only matches itself.
package glob

import (
	"fmt"
	"strings"

	gobwas "github.com/gobwas/glob"
)

// Pattern is a compiled glob pattern.
type Pattern struct {
	str string
	g   gobwas.Glob
}

// Compile parses pattern. The returned Pattern matches case-insensitively.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is empty")
	}

	// no separators are passed, '*' must also match '/', e.g. in
	// repository names and branch names like feature/xyz.
	g, err := gobwas.Compile(escapeBraces(strings.ToLower(pattern)))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	return &Pattern{str: pattern, g: g}, nil
}

// escapeBraces escapes '{' and '}' outside of character classes, gobwas
// would interpret them as alternation.
func escapeBraces(pattern string) string {
	var sb strings.Builder
	var inClass, escaped bool

	sb.Grow(len(pattern))

	for _, r := range pattern {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case inClass:
			if r == ']' {
				inClass = false
			}
		case r == '[':
			inClass = true
		case r == '{', r == '}':
			sb.WriteRune('\\')
		}

		sb.WriteRune(r)
	}

	return sb.String()
}

// MustCompile is like Compile but panics on errors.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}

	return p
}

// Match returns true if val matches the pattern.
// An empty val never matches.
func (p *Pattern) Match(val string) bool {
	if val == "" {
		return false
	}

	return p.g.Match(strings.ToLower(val))
}

func (p *Pattern) String() string {
	return p.str
}

// Match compiles pattern and matches it against val.
// An invalid pattern never matches.
func Match(val, pattern string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}

	return p.Match(val)
}

// Patterns is an ordered set of patterns.
type Patterns []*Pattern

// CompileAll compiles all patterns, it fails on the first invalid one.
func CompileAll(patterns []string) (Patterns, error) {
	result := make(Patterns, 0, len(patterns))

	for _, s := range patterns {
		p, err := Compile(s)
		if err != nil {
			return nil, err
		}

		result = append(result, p)
	}

	return result, nil
}

// MatchAny returns true if val matches at least one of the patterns.
func (pp Patterns) MatchAny(val string) bool {
	for _, p := range pp {
		if p.Match(val) {
			return true
		}
	}

	return false
}

func (pp Patterns) String() string {
	strs := make([]string, 0, len(pp))
	for _, p := range pp {
		strs = append(strs, p.str)
	}

	return strings.Join(strs, ", ")
}
