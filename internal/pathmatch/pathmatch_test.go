package pathmatch

import "testing"

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		path    string
		want    bool
	}{
		{
			name:    "exact file match",
			entries: []string{"ui-lovelace.yaml"},
			path:    "ui-lovelace.yaml",
			want:    true,
		},
		{
			name:    "directory prefix with trailing slash",
			entries: []string{"exampledirectory/"},
			path:    "exampledirectory/x.txt",
			want:    true,
		},
		{
			name:    "directory prefix without trailing slash",
			entries: []string{"exampledirectory"},
			path:    "exampledirectory/sub/deep.txt",
			want:    true,
		},
		{
			name:    "prefix must end on a path segment",
			entries: []string{"exampledirectory"},
			path:    "exampledirectory2/x.txt",
			want:    false,
		},
		{
			name:    "dot is not a wildcard",
			entries: []string{"a.b.c"},
			path:    "axbxc",
			want:    false,
		},
		{
			name:    "star is not a wildcard",
			entries: []string{"*.yaml"},
			path:    "config.yaml",
			want:    false,
		},
		{
			name:    "star matches itself",
			entries: []string{"*.yaml"},
			path:    "*.yaml",
			want:    true,
		},
		{
			name:    "no partial filename match",
			entries: []string{".gitignore"},
			path:    "sub/.gitignore",
			want:    false,
		},
		{
			name:    "empty set matches nothing",
			entries: nil,
			path:    "anything",
			want:    false,
		},
		{
			name:    "leading dot-slash in entry",
			entries: []string{"./secrets.yaml"},
			path:    "secrets.yaml",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(tt.entries)
			if got := s.Matches(tt.path); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v (entries %v)", tt.path, got, tt.want, tt.entries)
			}
		})
	}
}

func TestMatchesAll(t *testing.T) {
	s := NewSet([]string{"ui-lovelace.yaml", "exampledirectory/", ".gitignore"})

	changed := []string{"ui-lovelace.yaml", "exampledirectory/x.txt"}
	if !s.MatchesAll(changed) {
		t.Errorf("expected all of %v to match", changed)
	}

	changed = append(changed, "a.b.c")
	if s.MatchesAll(changed) {
		t.Errorf("a.b.c must not match the ignore set")
	}

	if !s.MatchesAll(nil) {
		t.Error("empty input should match vacuously")
	}
}

func TestFilter(t *testing.T) {
	s := NewSet([]string{"www/"})
	got := s.Filter([]string{"www/icon.png", "configuration.yaml", "www/deep/a.js"})
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %v", got)
	}
	if got[0] != "www/icon.png" || got[1] != "www/deep/a.js" {
		t.Errorf("unexpected filter result: %v", got)
	}
}

func TestNewSetDeduplicates(t *testing.T) {
	s := NewSet([]string{"a/", "a", "a/", ""})
	if len(s.Entries()) != 1 {
		t.Errorf("expected a single entry, got %v", s.Entries())
	}
}
