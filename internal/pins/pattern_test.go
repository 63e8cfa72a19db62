package pins

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"src/main.go", "src/main.go", false},
		{"./src/main.go", "src/main.go", false},
		{"src/../src/main.go", "src/main.go", false},
		{"src//main.go", "src/main.go", false},
		{"../etc/passwd", "", true},
		{"src/../../etc", "", true},
		{"/etc/passwd", "", true},
		{"", "", true},
		{".", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizePath(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePath(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"src/**", "**/testdata/*", "*.go", "src/*/handlers/*.go", "**"}
	for _, p := range valid {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q): unexpected error %v", p, err)
		}
	}
	invalid := []string{"", "/abs/**", "../up/**", "src/a**b/x"}
	for _, p := range invalid {
		if err := ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q): expected error", p)
		}
	}
}

func TestMatchSingleSegmentWildcard(t *testing.T) {
	cases := []struct {
		pattern, candidate string
		want               bool
	}{
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false}, // "*" never crosses a separator
		{"src/*", "src/main.go", true},
		{"src/*", "src", false},
		{"*.go", "main.go", true},
		{"*.go", "main.py", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.candidate); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.candidate, got, tc.want)
		}
	}
}

func TestMatchMultiSegmentWildcard(t *testing.T) {
	cases := []struct {
		pattern, candidate string
		want               bool
	}{
		{"src/**", "src/main.go", true},
		{"src/**", "src/a/b/c.go", true},
		{"src/**", "src", true}, // "**" matches zero segments
		{"**/main.go", "main.go", true},
		{"**/main.go", "a/b/main.go", true},
		{"src/**/test/*.go", "src/a/b/test/x.go", true},
		{"src/**/test/*.go", "src/test/x.go", true},
		{"src/**/test/*.go", "src/a/prod/x.go", false},
		{"**", "anything/at/all", true},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.candidate); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.candidate, got, tc.want)
		}
	}
}
