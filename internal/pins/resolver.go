package pins

// Decision is the outcome of resolving a candidate path against a scope.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Resolve evaluates a candidate path against a task's declared scope.
// The rules apply in strict order:
//
//  1. an empty allowed set denies everything
//  2. a forbidden match denies, even over an explicit allow
//  3. an allowed match allows
//  4. anything else is denied
//
// A candidate that cannot be normalized (absolute, escapes the root) is
// denied outright.
func Resolve(candidate string, allowed, forbidden []string) Decision {
	normalized, err := NormalizePath(candidate)
	if err != nil {
		return Deny
	}
	if len(allowed) == 0 {
		return Deny
	}
	for _, pattern := range forbidden {
		cleaned, err := NormalizePath(pattern)
		if err != nil {
			continue
		}
		if Match(cleaned, normalized) {
			return Deny
		}
	}
	for _, pattern := range allowed {
		cleaned, err := NormalizePath(pattern)
		if err != nil {
			continue
		}
		if Match(cleaned, normalized) {
			return Allow
		}
	}
	return Deny
}

// Scope pairs the allow/forbid sets of one task.
type Scope struct {
	Allowed   []string `json:"allowed_paths"`
	Forbidden []string `json:"forbidden_paths"`
}

// Resolve evaluates a candidate against this scope.
func (s Scope) Resolve(candidate string) Decision {
	return Resolve(candidate, s.Allowed, s.Forbidden)
}

// Validate checks every pattern in the scope.
func (s Scope) Validate() error {
	return ValidateSet(s.Allowed, s.Forbidden)
}
