package lm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// ErrTransport wraps connection failures, 5xx responses, and malformed
// envelopes from the endpoint.
type ErrTransport struct{ Cause error }

func (e *ErrTransport) Error() string { return fmt.Sprintf("lm transport: %v", e.Cause) }
func (e *ErrTransport) Unwrap() error { return e.Cause }

// ErrTimeout indicates the request exceeded its per-attempt deadline.
type ErrTimeout struct{ Cause error }

func (e *ErrTimeout) Error() string { return fmt.Sprintf("lm timeout: %v", e.Cause) }
func (e *ErrTimeout) Unwrap() error { return e.Cause }

// ErrRateLimited indicates HTTP 429 or an upstream message matching the
// rate-limit lexicon. Cooldown is the parsed or default wait before retrying.
type ErrRateLimited struct {
	Cause    error
	Cooldown time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("lm rate limited, cooldown=%s: %v", e.Cooldown, e.Cause)
}
func (e *ErrRateLimited) Unwrap() error { return e.Cause }

// rateLimitLexicon matches the case-insensitive phrases the spec requires.
var rateLimitLexicon = regexp.MustCompile(`(?i)\b(rate limit|quota|too many requests)\b`)

// cooldownPattern extracts "try again in N minutes/seconds" from an upstream
// error message.
var cooldownPattern = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(minute|minutes|second|seconds|min|sec)s?`)

// defaultCooldown applies when a rate-limit message gives no explicit wait.
const defaultCooldown = 15 * time.Minute

// IsRateLimited reports whether text matches the rate-limit lexicon.
func IsRateLimited(text string) bool {
	return rateLimitLexicon.MatchString(text)
}

// ParseCooldown extracts a cooldown duration from upstream error text,
// falling back to defaultCooldown when no "try again in N ..." phrase is
// present.
func ParseCooldown(text string) time.Duration {
	m := cooldownPattern.FindStringSubmatch(text)
	if m == nil {
		return defaultCooldown
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return defaultCooldown
	}
	unit := strings.ToLower(m[2])
	if strings.HasPrefix(unit, "min") {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

// Classify maps an error returned by this package to the harness's
// FailureClass: rate_limited, timeout, or transport for anything else.
func Classify(err error) models.FailureClass {
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		return models.FailureRateLimited
	}
	var to *ErrTimeout
	if errors.As(err, &to) {
		return models.FailureTimeout
	}
	return models.FailureTransport
}
