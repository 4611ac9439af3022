package network

import "strings"

// ErrorKind is the closed set of network failure classes.
type ErrorKind string

const (
	// ErrorKindBlocked means an edge network policy rejected the request.
	// Retrying will not help until the policy changes.
	ErrorKindBlocked ErrorKind = "blocked"
	// ErrorKindTimeout means the request timed out in transit.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindRefused means the remote end actively refused the connection.
	ErrorKindRefused ErrorKind = "refused"
	// ErrorKindUnknown covers everything else, including DNS failures.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Classify maps a failing request's error text to an ErrorKind. The mapping
// is a pure decision table over known signatures: the same input always
// yields the same kind.
func Classify(errText string) ErrorKind {
	lowered := strings.ToLower(errText)

	if strings.Contains(lowered, "403") && strings.Contains(lowered, "cloudflare") {
		return ErrorKindBlocked
	}
	if strings.Contains(lowered, "etimedout") ||
		strings.Contains(lowered, "timed out") ||
		strings.Contains(lowered, "timeout") {
		return ErrorKindTimeout
	}
	if strings.Contains(lowered, "econnrefused") ||
		strings.Contains(lowered, "connection refused") {
		return ErrorKindRefused
	}
	return ErrorKindUnknown
}

// Retryable reports whether a failure of this kind is worth retrying
// automatically. Blocked and refused failures repeat deterministically, so
// they are surfaced immediately.
func Retryable(kind ErrorKind) bool {
	return kind == ErrorKindTimeout || kind == ErrorKindUnknown
}

// MessageKey returns the localizable user-facing message key for a kind.
func MessageKey(kind ErrorKind) string {
	switch kind {
	case ErrorKindBlocked:
		return "network.error.blocked"
	case ErrorKindTimeout:
		return "network.error.timeout"
	case ErrorKindRefused:
		return "network.error.refused"
	default:
		return "network.error.unknown"
	}
}
