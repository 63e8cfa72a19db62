package pins

import "testing"

func TestEmptyAllowedDeniesEverything(t *testing.T) {
	candidates := []string{"src/main.go", "README.md", "a/b/c"}
	forbidden := [][]string{nil, {"**"}, {"src/**"}}
	for _, f := range forbidden {
		for _, c := range candidates {
			if Resolve(c, nil, f) != Deny {
				t.Errorf("Resolve(%q, empty-allow, %v): expected deny", c, f)
			}
		}
	}
}

func TestForbiddenWinsOverExplicitAllow(t *testing.T) {
	allowed := []string{"src/**"}
	forbidden := []string{"src/secrets/**"}
	if Resolve("src/secrets/key.pem", allowed, forbidden) != Deny {
		t.Fatal("forbidden must win even when the allow set matches")
	}
	if Resolve("src/main.go", allowed, forbidden) != Allow {
		t.Fatal("non-forbidden allowed path must be allowed")
	}
	// Identical pattern in both sets: deny.
	if Resolve("src/main.go", []string{"src/**"}, []string{"src/**"}) != Deny {
		t.Fatal("path matching both sets must be denied")
	}
}

func TestDefaultClosed(t *testing.T) {
	if Resolve("docs/readme.md", []string{"src/**"}, nil) != Deny {
		t.Fatal("unmatched path must be denied")
	}
}

func TestTraversalEscapeDenied(t *testing.T) {
	allowed := []string{"**"}
	if Resolve("../outside", allowed, nil) != Deny {
		t.Fatal("path escaping the root must be denied")
	}
	if Resolve("/etc/passwd", allowed, nil) != Deny {
		t.Fatal("absolute path must be denied")
	}
	// Traversal that stays inside the root is resolved, then matched.
	if Resolve("src/../src/main.go", []string{"src/**"}, nil) != Allow {
		t.Fatal("in-root traversal should normalize and match")
	}
}

func TestScopeResolveAndValidate(t *testing.T) {
	s := Scope{Allowed: []string{"src/**"}, Forbidden: []string{"src/vendor/**"}}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Resolve("src/vendor/lib.go") != Deny {
		t.Fatal("scope forbidden must deny")
	}
	if s.Resolve("src/app.go") != Allow {
		t.Fatal("scope allowed must allow")
	}

	bad := Scope{Allowed: []string{"../escape/**"}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for escaping pattern")
	}
}
