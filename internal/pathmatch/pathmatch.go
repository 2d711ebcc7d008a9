package pathmatch

import (
	"sort"
	"strings"
)

// Set matches relative, slash-separated paths against a list of entries.
// An entry is either an exact file path or a directory prefix (a trailing
// slash is accepted but not required for directory entries). Matching is
// pure string and path-segment comparison: an entry containing characters
// like "." or "*" matches only a path spelled exactly the same way.
type Set struct {
	entries []string
}

// NewSet builds a Set from the given entries. Entries are normalized to
// slash separators with trailing slashes stripped; empty entries are dropped.
func NewSet(entries []string) *Set {
	normalized := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		e = normalize(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		normalized = append(normalized, e)
	}
	sort.Strings(normalized)
	return &Set{entries: normalized}
}

// Matches reports whether rel is equal to an entry or lives below an entry
// treated as a directory. "exampledirectory" matches "exampledirectory/x.txt"
// but never "exampledirectory2/x.txt".
func (s *Set) Matches(rel string) bool {
	rel = normalize(rel)
	if rel == "" {
		return false
	}
	for _, e := range s.entries {
		if rel == e {
			return true
		}
		if strings.HasPrefix(rel, e+"/") {
			return true
		}
	}
	return false
}

// MatchesAll reports whether every path in rels matches the set. An empty
// slice matches vacuously.
func (s *Set) MatchesAll(rels []string) bool {
	for _, r := range rels {
		if !s.Matches(r) {
			return false
		}
	}
	return true
}

// Filter returns the subset of rels that match the set.
func (s *Set) Filter(rels []string) []string {
	var matched []string
	for _, r := range rels {
		if s.Matches(r) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Entries returns the normalized entries of the set.
func (s *Set) Entries() []string {
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// Empty reports whether the set has no entries.
func (s *Set) Empty() bool {
	return len(s.entries) == 0
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.Trim(p, "/")
	return p
}
