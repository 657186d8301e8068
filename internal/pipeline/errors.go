package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest is returned for requests missing a user or type
	ErrInvalidRequest = errors.New("invalid notification request")
	// ErrInternal wraps rate limiter and deduplicator failures under FailClosed
	ErrInternal = errors.New("notification pipeline internal error")
	// ErrDeliveryFailed means the first write failed and a retry is queued
	ErrDeliveryFailed = errors.New("notification delivery failed, retry scheduled")
	// ErrDeliveryExpired means the write failed and no retries remain
	ErrDeliveryExpired = errors.New("notification delivery expired")
)

// RateLimitedError is returned when the rate limiter rejects a request
type RateLimitedError struct {
	Rule       string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s): %s, retry after %s", e.Rule, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%s): %s", e.Rule, e.Reason)
}

// DuplicateError is returned when an equivalent notification already exists
type DuplicateError struct {
	ExistingID string
	Reason     string
}

func (e *DuplicateError) Error() string {
	if e.ExistingID == "" {
		return "duplicate notification: " + e.Reason
	}
	return fmt.Sprintf("duplicate of notification %s: %s", e.ExistingID, e.Reason)
}

// IsRejection reports whether err is a rate-limit or duplicate outcome
// rather than a failure
func IsRejection(err error) bool {
	var rl *RateLimitedError
	var dup *DuplicateError
	return errors.As(err, &rl) || errors.As(err, &dup)
}

// Policy decides what happens when the rate limiter or deduplicator fails
type Policy string

const (
	// FailOpen logs the failure and lets the notification through
	FailOpen Policy = "fail-open"
	// FailClosed rejects the notification with ErrInternal
	FailClosed Policy = "fail-closed"
)

// ParsePolicy validates a configured policy name. Empty means FailOpen.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown internal error policy %q", s)
}
