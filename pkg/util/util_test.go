package util

import (
	"path/filepath"
	"testing"
)

func TestIsSubpath(t *testing.T) {
	sep := string(filepath.Separator)
	cases := []struct {
		parent, child string
		want          bool
	}{
		{sep + "a", sep + "a" + sep + "b", true},
		{sep + "a", sep + "a", true},
		{sep + "a", sep + "ab", false},
		{sep + "a" + sep + "b", sep + "a", false},
		{sep + "a" + sep, sep + "a" + sep + "b" + sep + "c", true},
	}
	for _, c := range cases {
		if got := IsSubpath(c.parent, c.child); got != c.want {
			t.Errorf("IsSubpath(%q, %q) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	merged := MergeAndDeduplicate([]string{"a", "b"}, []string{"b", "c"}, nil)
	if len(merged) != 3 {
		t.Fatalf("expected 3 unique entries, got %d: %v", len(merged), merged)
	}
	seen := make(map[string]bool)
	for _, s := range merged {
		seen[s] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("missing entry %q in merged result", want)
		}
	}
}
