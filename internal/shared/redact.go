package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns covers the credential surfaces Foreman itself handles:
// the gateway auth token (X-API-Key header, api_key query param on the
// websocket dial URL, FOREMAN_AUTH_TOKEN env), plus generic key/token
// assignments that can appear in executor stderr and gate reasons.
var secretPatterns = []*regexp.Regexp{
	// Gateway header form: X-API-Key: <token>
	regexp.MustCompile(`(?i)(x-api-key\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})"?`),
	// Websocket dial URLs carry the token as a query param.
	regexp.MustCompile(`(?i)(api_key=)([A-Za-z0-9_\-./+=]{8,})`),
	// Env form: FOREMAN_AUTH_TOKEN=<token>, as printed by shells and crash dumps.
	regexp.MustCompile(`(FOREMAN_AUTH_TOKEN\s*[:=]\s*"?)(\S+)`),
	// Generic assignments: api_key/secret_key/auth_token/bearer = value.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)(\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// UUID-shaped tokens after auth-ish prefixes. The bootstrapped
	// auth.token file holds a UUID, so these show up in practice.
	regexp.MustCompile(`(?i)(token|secret)(\s*[:=]\s*"?)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact masks credential-bearing substrings. Submissions, gate reasons,
// and log attribute values pass through here before they are persisted
// or written to stderr.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) < 3 {
				return redactedPlaceholder
			}
			// Keep every prefix group, mask only the trailing value.
			return strings.Join(sub[1:len(sub)-1], "") + redactedPlaceholder
		})
	}
	return out
}

// RedactEnvValue masks the value when the variable name looks secret.
// Used when echoing executor environments into audit events.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, marker := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return redactedPlaceholder
		}
	}
	return value
}
