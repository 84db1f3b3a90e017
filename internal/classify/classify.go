// Package classify maps raw agent output to a small failure taxonomy.
// Classification is a pure function: the same text and signal always
// yield the same kind, and priority order resolves ambiguous text.
package classify

import "strings"

// Kind is the closed set of failure classifications.
type Kind string

const (
	KindNone      Kind = "none"
	KindRateLimit Kind = "rate_limit"
	KindAuth      Kind = "auth"
	KindQuota     Kind = "quota"
	KindTimeout   Kind = "timeout"
	KindNetwork   Kind = "network"
	KindAPIError  Kind = "api_error"
)

// Pattern tables, checked in priority order. First match wins: a billing
// message that also says "error 403" still classifies as quota only if
// nothing earlier matched, so order here is a contract, not a detail.
var (
	rateLimitPhrases = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"429",
	}
	authPhrases = []string{
		"unauthorized",
		"authentication failed",
		"invalid api key",
		"api key not found",
		"forbidden",
		"permission denied",
		"401",
		"403",
	}
	quotaPhrases = []string{
		"quota",
		"billing",
		"credit balance",
		"payment required",
		"usage limit",
		"402",
	}
	timeoutPhrases = []string{
		"timed out",
		"timeout",
		"deadline exceeded",
	}
	networkPhrases = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"dns",
		"econnrefused",
		"broken pipe",
	}
	apiErrorPhrases = []string{
		"internal server error",
		"server error",
		"overloaded",
		"service unavailable",
		"bad gateway",
		"500",
		"502",
		"503",
		"504",
	}
)

// Classify inspects raw output text and the executor's timeout signal.
// timedOut short-circuits only at the timeout priority slot: rate-limit,
// auth, and quota phrases in the captured output still win over it.
func Classify(output string, timedOut bool) Kind {
	text := strings.ToLower(output)

	switch {
	case matchAny(text, rateLimitPhrases):
		return KindRateLimit
	case matchAny(text, authPhrases):
		return KindAuth
	case matchAny(text, quotaPhrases):
		return KindQuota
	case timedOut || matchAny(text, timeoutPhrases):
		return KindTimeout
	case matchAny(text, networkPhrases):
		return KindNetwork
	case matchAny(text, apiErrorPhrases):
		return KindAPIError
	default:
		return KindNone
	}
}

// IsFatal reports whether kind invalidates retrying entirely and must
// halt the whole run.
func IsFatal(kind Kind) bool {
	return kind == KindAuth || kind == KindQuota
}

// IsRetryable reports whether kind is expected to be transient. KindNone
// is a plain failure: retried under the generic policy, but not because
// of a specific classification.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindNetwork, KindAPIError:
		return true
	default:
		return false
	}
}

func matchAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
