// Package redact scrubs credentials and personal data from strings before
// they are logged, persisted as a sync metric error message, or returned in
// an HTTP response. Provider errors frequently echo OAuth tokens, connection
// strings, and account email addresses back to the caller.
package redact

import (
	"regexp"
	"sync"
)

// Placeholders substituted for matched content.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
)

// MaxLength bounds the size of a redacted string. Longer inputs are truncated
// after redaction so a provider error body cannot bloat a metric row.
const MaxLength = 1024

var (
	// Connection strings with embedded userinfo.
	dsnRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|redis|amqp|https?)://[^/\s@]+@`)

	// Authorization header values.
	bearerRegex = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]+=*`)

	// OAuth parameters as they appear in form bodies, query strings and JSON.
	oauthParamRegex = regexp.MustCompile(
		`(?i)"?(access_token|refresh_token|id_token|client_secret|code)"?(\s*[:=]\s*"?)[^"&\s,}]{6,}"?`,
	)

	// Google access tokens are prefixed with ya29.
	googleTokenRegex = regexp.MustCompile(`ya29\.[A-Za-z0-9_\-.]+`)

	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)(api[_-]?key|secret|x-goog-channel-token)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	jwtRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	emailRegex = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	// Order matters: JWTs are matched before the generic bearer rule so the
	// more specific placeholder wins.
	patterns = []*regexp.Regexp{
		dsnRegex, jwtRegex, bearerRegex, oauthParamRegex, googleTokenRegex,
		passwordRegex, apiKeyRegex, emailRegex,
	}

	patternPlaceholders = map[*regexp.Regexp]string{
		dsnRegex:         RedactedCredentialPlaceholder,
		bearerRegex:      "Bearer " + RedactedTokenPlaceholder,
		oauthParamRegex:  RedactedTokenPlaceholder,
		googleTokenRegex: RedactedTokenPlaceholder,
		passwordRegex:    RedactedCredentialPlaceholder,
		apiKeyRegex:      RedactedKeyPlaceholder,
		jwtRegex:         RedactedJWTPlaceholder,
		emailRegex:       RedactedEmailPlaceholder,
	}

	mu sync.RWMutex
)

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	mu.RLock()
	defer mu.RUnlock()

	result := input
	for _, pattern := range patterns {
		placeholder := RedactionPlaceholder
		if ph, ok := patternPlaceholders[pattern]; ok {
			placeholder = ph
		}
		result = pattern.ReplaceAllString(result, placeholder)
	}

	if len(result) > MaxLength {
		result = result[:MaxLength] + "...(truncated)"
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}

	return String(err.Error())
}
