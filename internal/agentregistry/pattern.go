package agentregistry

import "regexp"

// GlobPattern is a pattern compiled once into a regexp: a literal pattern
// with no '*' matches by strict equality, otherwise '*' matches any
// sequence and every other regex metacharacter is escaped.
type GlobPattern struct {
	raw     string
	literal bool
	re      *regexp.Regexp
}

// MustCompile compiles pattern once; this is the only place a pattern is
// ever turned into a matcher, so callers should cache the result rather
// than recompiling per match.
func MustCompile(pattern string) *GlobPattern {
	if !containsStar(pattern) {
		return &GlobPattern{raw: pattern, literal: true}
	}
	var quoted []byte
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '*' {
			quoted = append(quoted, '.', '*')
			continue
		}
		quoted = append(quoted, []byte(regexp.QuoteMeta(string(c)))...)
	}
	re := regexp.MustCompile("^" + string(quoted) + "$")
	return &GlobPattern{raw: pattern, re: re}
}

func containsStar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			return true
		}
	}
	return false
}

// Match reports whether name satisfies the pattern.
func (p *GlobPattern) Match(name string) bool {
	if p.literal {
		return p.raw == name
	}
	return p.re.MatchString(name)
}

// String returns the original pattern text.
func (p *GlobPattern) String() string {
	return p.raw
}
