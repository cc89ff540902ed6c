package schemas

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStepSkipped marks a restoration step that had nothing to apply.
	ErrStepSkipped = errors.New("step skipped")
	// ErrNoURL is returned when a navigation is requested without a target.
	ErrNoURL = errors.New("no url to navigate to")
	// ErrVisionDisabled is returned by callers that require a visual analyzer when none is configured.
	ErrVisionDisabled = errors.New("visual analysis is disabled")
)

// ValidationError reports a malformed or oversized Snapshot, a missing field or bad options.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IntegrityError reports a checksum mismatch.
type IntegrityError struct {
	Scope    string // "payload" or "snapshot"
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, got %s", e.Scope, e.Expected, e.Actual)
}

// CapacityWarning is recorded when a Snapshot exceeds the configured size ceiling.
// It is never returned from an operation.
type CapacityWarning struct {
	Size  int
	Limit int
}

func (w *CapacityWarning) Error() string {
	return fmt.Sprintf("snapshot state size %d exceeds limit %d", w.Size, w.Limit)
}

// ErrorCategory is the closed set of page failure classes used to pick a recovery strategy.
type ErrorCategory string

const (
	CategoryTimeout    ErrorCategory = "timeout"
	CategorySelector   ErrorCategory = "selector"
	CategoryNetwork    ErrorCategory = "network"
	CategoryNavigation ErrorCategory = "navigation"
	CategoryCommand    ErrorCategory = "command"
	CategoryUnknown    ErrorCategory = "unknown"
)

// PageError is the error type returned by every Page operation.
type PageError struct {
	Category ErrorCategory
	Op       string
	Err      error
}

// NewPageError wraps err with an operation name and category.
func NewPageError(op string, category ErrorCategory, err error) *PageError {
	return &PageError{Category: category, Op: op, Err: err}
}

func (e *PageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed (%s)", e.Op, e.Category)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Category, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// messagePatterns is consulted only for errors that carry no category tag.
var messagePatterns = []struct {
	category ErrorCategory
	needles  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategorySelector, []string{"not found", "no such element", "selector", "could not find node"}},
	{CategoryNetwork, []string{"net::", "network", "connection refused", "connection reset", "err_"}},
}

// CategorizeError returns the category carried by err. Untagged errors are classified by
// context deadline first and then by a small fixed message table.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var pe *PageError
	if errors.As(err, &pe) && pe.Category != "" {
		return pe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.category
			}
		}
	}
	return CategoryUnknown
}
