// Package errclass defines the failure taxonomy shared by the session
// manager, the extraction pipeline and the job orchestrator, plus the
// single classifier that maps collaborator errors onto it. Substring
// heuristics live here and nowhere else.
package errclass

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAuth marks missing or invalid credentials. Fatal, never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrTransientProtocol marks transport/protocol/navigation
	// instability. Retried with backoff up to a bounded attempt count.
	ErrTransientProtocol = errors.New("transient protocol failure")
	// ErrParseFailure marks agent output that stayed unparsable after
	// recovery. Triggers the fallback tier, not a job failure.
	ErrParseFailure = errors.New("unparsable extraction output")
	// ErrAccessRestricted marks an engagement list or profile that is
	// not accessible. Recorded per item, does not fail the job.
	ErrAccessRestricted = errors.New("access restricted")
	// ErrPersistenceConflict marks a uniqueness violation on upsert.
	// Treated as success.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// Agent failure codes, mirrored into job metadata.
const (
	CodeRateLimited   = "rate_limit_exceeded"
	CodeProtocolError = "protocol_error"
	CodeParseFailed   = "parse_failed"
)

var transientMarkers = []string{
	"websocket",
	"protocol error",
	"protocolerror",
	"connection closed",
	"connection reset",
	"connection refused",
	"target closed",
	"browser has been closed",
	"navigation failed",
	"navigation timeout",
	"net::err",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"status 429",
	"error code: 429",
	"rate limit",
	"rate_limit",
	"too many requests",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"too many requests",
	"tokens per min",
	"tpm",
}

var authMarkers = []string{
	"invalid credentials",
	"incorrect password",
	"incorrect username",
	"the password you entered is incorrect",
	"login required",
	"please log in",
	"checkpoint_required",
	"challenge_required",
	"two-factor",
	"credentials missing",
}

var restrictedMarkers = []string{
	"not accessible",
	"access restricted",
	"this account is private",
	"likes are hidden",
	"list unavailable",
	"restricted",
}

// Classify maps an error from a collaborator onto the taxonomy. Already
// classified errors pass through; context timeouts count as transient;
// everything else falls back to the message heuristics.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrTransientProtocol),
		errors.Is(err, ErrParseFailure),
		errors.Is(err, ErrAccessRestricted),
		errors.Is(err, ErrPersistenceConflict):
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTransientProtocol, err)
	}

	if class := ClassifyText(err.Error()); class != nil {
		return errors.Join(class, err)
	}

	return err
}

// ClassifyText maps a raw message onto a taxonomy sentinel, or nil when
// nothing matches.
func ClassifyText(message string) error {
	s := strings.ToLower(message)

	if containsAny(s, authMarkers) {
		return ErrAuth
	}
	if containsAny(s, restrictedMarkers) {
		return ErrAccessRestricted
	}
	if containsAny(s, transientMarkers) {
		return ErrTransientProtocol
	}

	return nil
}

// Retryable reports whether a bounded backoff retry applies.
func Retryable(err error) bool {
	return errors.Is(Classify(err), ErrTransientProtocol)
}

// AgentFailureCode condenses an agent run's final text and recorded
// errors into one failure code for job metadata.
func AgentFailureCode(finalResult string, agentErrors []string) string {
	texts := append([]string{finalResult}, agentErrors...)

	for _, text := range texts {
		if containsAny(strings.ToLower(text), rateLimitMarkers) {
			return CodeRateLimited
		}
	}

	for _, text := range texts {
		s := strings.ToLower(text)
		if strings.Contains(s, "protocol error") || strings.Contains(s, "websocket") ||
			strings.Contains(s, "connection closed") {
			return CodeProtocolError
		}
	}

	return CodeParseFailed
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
