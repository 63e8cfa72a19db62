// Package pins evaluates task scope declarations: allow/forbid path-pattern
// sets that bound what an execution agent may touch. Matching is a closed
// two-operator language over "/"-separated relative paths:
//
//   - "*"  matches any run of characters within a single segment
//   - "**" as a whole segment matches zero or more segments
//
// There is no general glob or regex escape hatch. Evaluation is
// default-closed: anything not explicitly allowed is denied, and a
// forbidden match always wins over an allowed one.
package pins

import (
	"fmt"
	"path"
	"strings"
)

// NormalizePath resolves "." and ".." components and validates that the
// result stays inside the declared root. Absolute paths and paths that
// escape the root are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q not permitted", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the declared root", p)
	}
	if cleaned == "." {
		return "", fmt.Errorf("path %q resolves to the root itself", p)
	}
	return cleaned, nil
}

// ValidatePattern reports whether a single pattern is well-formed.
// Malformed patterns are a task-creation-time failure, never a runtime deny.
func ValidatePattern(pattern string) error {
	cleaned, err := NormalizePath(pattern)
	if err != nil {
		return err
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == "**" {
			continue
		}
		if strings.Contains(seg, "**") {
			return fmt.Errorf("pattern %q: %q embeds the multi-segment wildcard inside a segment", pattern, seg)
		}
	}
	return nil
}

// ValidateSet validates every pattern in an allow/forbid pair.
func ValidateSet(allowed, forbidden []string) error {
	for _, p := range allowed {
		if err := ValidatePattern(p); err != nil {
			return fmt.Errorf("allowed_paths: %w", err)
		}
	}
	for _, p := range forbidden {
		if err := ValidatePattern(p); err != nil {
			return fmt.Errorf("forbidden_paths: %w", err)
		}
	}
	return nil
}

// Match reports whether pattern matches the (already normalized) candidate.
func Match(pattern, candidate string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(candidate, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], segs) {
			return true
		}
		if len(segs) > 0 && matchSegments(pat, segs[1:]) {
			return true
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	return matchSegment(pat[0], segs[0]) && matchSegments(pat[1:], segs[1:])
}

func matchSegment(p, s string) bool {
	for i := 0; i < len(p); i++ {
		if p[i] == '*' {
			rest := p[i+1:]
			for j := i; j <= len(s); j++ {
				if matchSegment(rest, s[j:]) {
					return true
				}
			}
			return false
		}
		if i >= len(s) || p[i] != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
