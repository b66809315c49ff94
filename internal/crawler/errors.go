package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds. Every failure surfaced by a source, the cache or a store
// matches exactly one of these through errors.Is.
var (
	ErrTransient   = errors.New("transient network error")
	ErrNotFound    = errors.New("not found")
	ErrAuthOrQuota = errors.New("auth or quota error")
	ErrPermanent   = errors.New("permanent source error")
	ErrStorage     = errors.New("storage error")
	ErrCacheMiss   = errors.New("cache miss with live network disabled")
)

// SourceError records a failed upstream call.
type SourceError struct {
	Source     Source
	StatusCode int
	Kind       error
	// RetryAfter is the server-provided delay hint, if any.
	RetryAfter time.Duration
	Err        error
}

// NewSourceError classifies a failure from status and cause. A zero status
// means the request never produced a response.
func NewSourceError(source Source, status int, cause error) *SourceError {
	kind := ClassifyStatus(status)
	if status == 0 {
		kind = ClassifyErr(cause)
	}
	return &SourceError{Source: source, StatusCode: status, Kind: kind, Err: cause}
}

func (e *SourceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: HTTP %d: %v", e.Source, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d: %v", e.Source, e.StatusCode, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Source, e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *SourceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ClassifyStatus maps an HTTP status code onto an error kind. Success codes
// return nil.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthOrQuota
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

// ClassifyErr maps a transport-level failure onto an error kind.
func ClassifyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCacheMiss):
		return ErrCacheMiss
	case errors.Is(err, context.Canceled):
		return ErrPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTransient
	}
	// Anything else happened below HTTP: DNS, dial, TLS, resets, timeouts.
	return ErrTransient
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Cacheable reports whether a response with this status is definitive and
// may be stored. Rate limits, server errors and auth failures are not.
func Cacheable(status int) bool {
	kind := ClassifyStatus(status)
	return kind == nil || errors.Is(kind, ErrNotFound) || errors.Is(kind, ErrPermanent)
}
