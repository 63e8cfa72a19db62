package pins

import "testing"

func TestInheritanceSubsetOK(t *testing.T) {
	parent := Scope{Allowed: []string{"src/**"}, Forbidden: []string{"src/secrets/**"}}
	child := Scope{Allowed: []string{"src/api/**", "src/*.go"}, Forbidden: []string{"src/secrets/**", "src/vendor/**"}}
	if v := ValidateInheritance(child, parent); len(v) != 0 {
		t.Fatalf("expected no violations, got %v", v)
	}
}

func TestInheritanceBroaderChildReported(t *testing.T) {
	parent := Scope{Allowed: []string{"src/**"}}
	child := Scope{Allowed: []string{"docs/**"}}
	violations := ValidateInheritance(child, parent)
	if len(violations) != 1 || violations[0].Kind != "scope_broadened" {
		t.Fatalf("expected one scope_broadened violation, got %v", violations)
	}
}

func TestInheritanceForbiddenMustBeRetained(t *testing.T) {
	parent := Scope{Allowed: []string{"**"}, Forbidden: []string{"secrets/**"}}
	child := Scope{Allowed: []string{"src/**"}}
	violations := ValidateInheritance(child, parent)
	if len(violations) != 1 || violations[0].Kind != "forbidden_relaxed" {
		t.Fatalf("expected one forbidden_relaxed violation, got %v", violations)
	}
}

func TestCovers(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"src/**", "src/api/**", true},
		{"src/**", "src/main.go", true},
		{"**", "anything/**", true},
		{"src/*", "src/main.go", true},
		{"src/*", "src/a/b", false},
		{"src/api/**", "src/**", false},
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/*.py", false},
		{"src/*.go", "src/*.go", true},
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
	}
	for _, tc := range cases {
		if got := Covers(tc.parent, tc.child); got != tc.want {
			t.Errorf("Covers(%q, %q) = %v, want %v", tc.parent, tc.child, got, tc.want)
		}
	}
}

func TestInheritanceWildcardChildUnderWildcardParent(t *testing.T) {
	parent := Scope{Allowed: []string{"src/**"}}
	child := Scope{Allowed: []string{"src/**/testdata/*"}}
	if v := ValidateInheritance(child, parent); len(v) != 0 {
		t.Fatalf("expected coverage for nested wildcard child, got %v", v)
	}
}
