package pins

import (
	"fmt"
	"strings"
)

// Violation describes one way a child scope breaks parent containment.
// Violations are reported, never silently narrowed.
type Violation struct {
	Kind    string // "scope_broadened" or "forbidden_relaxed"
	Pattern string
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Pattern, v.Detail)
}

// ValidateInheritance checks that a child scope is contained in its parent:
// every child allowed pattern must be covered by some parent allowed
// pattern, and the child's forbidden set must retain every parent
// forbidden pattern (forbidden may only stay equal or grow stricter).
func ValidateInheritance(child, parent Scope) []Violation {
	var violations []Violation

	for _, pf := range parent.Forbidden {
		cleaned, err := NormalizePath(pf)
		if err != nil {
			continue
		}
		found := false
		for _, cf := range child.Forbidden {
			if cc, err := NormalizePath(cf); err == nil && cc == cleaned {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, Violation{
				Kind:    "forbidden_relaxed",
				Pattern: pf,
				Detail:  "parent forbidden pattern missing from child scope",
			})
		}
	}

	for _, ca := range child.Allowed {
		childPat, err := NormalizePath(ca)
		if err != nil {
			violations = append(violations, Violation{
				Kind:    "scope_broadened",
				Pattern: ca,
				Detail:  err.Error(),
			})
			continue
		}
		covered := false
		for _, pa := range parent.Allowed {
			parentPat, err := NormalizePath(pa)
			if err != nil {
				continue
			}
			if Covers(parentPat, childPat) {
				covered = true
				break
			}
		}
		if !covered {
			violations = append(violations, Violation{
				Kind:    "scope_broadened",
				Pattern: ca,
				Detail:  "no parent allowed pattern covers this child pattern",
			})
		}
	}

	return violations
}

// Covers reports whether every path matched by the child pattern is also
// matched by the parent pattern. The check is conservative: when coverage
// cannot be proven it returns false, and the caller reports a violation.
func Covers(parent, child string) bool {
	return coversSegments(strings.Split(parent, "/"), strings.Split(child, "/"))
}

func coversSegments(p, c []string) bool {
	if len(p) == 0 {
		return len(c) == 0
	}
	if p[0] == "**" {
		if coversSegments(p[1:], c) {
			return true
		}
		if len(c) > 0 && coversSegments(p, c[1:]) {
			return true
		}
		return false
	}
	if len(c) == 0 || c[0] == "**" {
		return false
	}
	return coversSegment(p[0], c[0]) && coversSegments(p[1:], c[1:])
}

func coversSegment(p, c string) bool {
	if p == c {
		return true
	}
	if p == "*" {
		return true
	}
	// A parent segment with embedded wildcards covers a literal child
	// segment that it matches. A wildcarded child is only covered by an
	// identical parent segment (handled above).
	if strings.Contains(c, "*") {
		return false
	}
	return matchSegment(p, c)
}
