package jira

import (
	"errors"
	"fmt"
	"time"
)

// Class buckets gateway failures by how the submission queue must react.
type Class int

const (
	// ClassTransient covers network failures and 5xx responses; retried
	// with capped exponential backoff.
	ClassTransient Class = iota
	// ClassUnauthorized covers 401/403; submission is blocked until the
	// credentials are reconfigured, never auto-retried.
	ClassUnauthorized
	// ClassNotFound covers 404 and other rejections of the request
	// itself; the entry is flagged for manual review, never dropped.
	ClassNotFound
	// ClassRateLimited covers 429; retried after the server's
	// Retry-After hint, or backoff when absent.
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassUnauthorized:
		return "unauthorized"
	case ClassNotFound:
		return "not_found"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration // only set for ClassRateLimited
	Op         string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("jira %s: %s (status %d): %s", e.Op, e.Class, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("jira %s: %s (status %d)", e.Op, e.Class, e.StatusCode)
}

// ClassOf extracts the failure class from an error. Anything that is not a
// classified gateway error counts as transient.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassTransient
}

// RetryAfterOf returns the server's retry hint, if the error carries one.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
