package agentregistry

import "testing"

func TestGlobPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"a_*", "a_b_c", true},
		{"a", "ab", false},
		{"a", "a", true},
		{"*", "anything", true},
		{"mcp:server.*", "mcp:server.tool", true},
		{"mcp:server.*", "mcp:other.tool", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false}, // '.' must be escaped, not treated as regex any-char
	}
	for _, tc := range tests {
		t.Run(tc.pattern+"/"+tc.name, func(t *testing.T) {
			got := MustCompile(tc.pattern).Match(tc.name)
			if got != tc.want {
				t.Fatalf("MustCompile(%q).Match(%q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
			}
		})
	}
}
