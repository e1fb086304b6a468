// Package failure defines the classified error carried through the publish
// pipeline. Every platform or orchestration failure is a *Error whose Code
// drives retry decisions.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"frameworks/pkg/models"
)

// Code classifies a failure.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAuth               Code = "AUTH_ERROR"
	CodeRateLimit          Code = "RATE_LIMIT"
	CodeTransient          Code = "TRANSIENT_ERROR"
	CodeMedia              Code = "MEDIA_ERROR"
	CodeDuplicate          Code = "DUPLICATE"
	CodeAllPlatformsFailed Code = "PUBLISH_FAILED"
	CodePartialFailure     Code = "PARTIAL_FAILURE"
	CodeUnknown            Code = "UNKNOWN"
)

// Error is a classified failure. Platform is empty for failures that are not
// tied to one destination. Causes is set on aggregate errors.
type Error struct {
	Code       Code
	Platform   models.Platform
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
	Causes     []*Error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Platform != "" {
		b.WriteString(string(e.Platform))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil && e.Message == "" {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && (t.Platform == "" || t.Platform == e.Platform)
}

func newError(code Code, retryable bool, platform models.Platform, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Platform:  platform,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// NotFound reports a missing post or account.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, false, "", format, args...)
}

// InvalidState reports a post whose status does not allow the operation.
func InvalidState(format string, args ...any) *Error {
	return newError(CodeInvalidState, false, "", format, args...)
}

// Validation reports content a platform will never accept.
func Validation(platform models.Platform, format string, args ...any) *Error {
	return newError(CodeValidation, false, platform, format, args...)
}

// Auth reports rejected or unrefreshable credentials.
func Auth(platform models.Platform, format string, args ...any) *Error {
	return newError(CodeAuth, false, platform, format, args...)
}

// RateLimit reports platform throttling. retryAfter is the platform hint, zero if absent.
func RateLimit(platform models.Platform, retryAfter time.Duration, format string, args ...any) *Error {
	e := newError(CodeRateLimit, true, platform, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// Transient reports a network failure or server side error.
func Transient(platform models.Platform, err error, format string, args ...any) *Error {
	e := newError(CodeTransient, true, platform, format, args...)
	e.Err = err
	return e
}

// Media reports media the platform failed to process; retried on a fixed delay.
func Media(platform models.Platform, format string, args ...any) *Error {
	return newError(CodeMedia, true, platform, format, args...)
}

// Duplicate reports content the platform already holds. Never retried.
func Duplicate(platform models.Platform, format string, args ...any) *Error {
	return newError(CodeDuplicate, false, platform, format, args...)
}

// Classify returns err as a *Error, wrapping unclassified errors as
// non-retryable UNKNOWN.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: CodeUnknown, Message: err.Error(), Err: err}
}

// WithPlatform returns a copy of err attributed to platform when it has none.
func WithPlatform(err error, platform models.Platform) *Error {
	fe := Classify(err)
	if fe == nil || fe.Platform != "" {
		return fe
	}
	cp := *fe
	cp.Platform = platform
	return &cp
}

// Aggregate folds per-platform failures into one error. all reports whether
// the post has no platform published.
func Aggregate(causes []*Error, all bool) *Error {
	if len(causes) == 0 {
		return nil
	}
	sorted := make([]*Error, len(causes))
	copy(sorted, causes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Platform < sorted[j].Platform })

	parts := make([]string, 0, len(sorted))
	names := make([]string, 0, len(sorted))
	retryable := false
	for _, c := range sorted {
		parts = append(parts, c.Error())
		names = append(names, string(c.Platform))
		retryable = retryable || c.Retryable
	}

	agg := &Error{Causes: sorted, Retryable: retryable}
	if all {
		agg.Code = CodeAllPlatformsFailed
		agg.Message = "all platforms failed: " + strings.Join(parts, "; ")
	} else {
		agg.Code = CodePartialFailure
		agg.Message = fmt.Sprintf("failed on %s: %s", strings.Join(names, ", "), strings.Join(parts, "; "))
	}
	return agg
}

// RecordCode is the code persisted on a post: the shared cause code when all
// causes agree, otherwise the error's own code.
func (e *Error) RecordCode() Code {
	if len(e.Causes) == 0 {
		return e.Code
	}
	first := e.Causes[0].Code
	for _, c := range e.Causes[1:] {
		if c.Code != first {
			return e.Code
		}
	}
	return first
}

// Flatten returns the per-platform causes, or e itself for a leaf error.
func (e *Error) Flatten() []*Error {
	if len(e.Causes) > 0 {
		return e.Causes
	}
	return []*Error{e}
}
