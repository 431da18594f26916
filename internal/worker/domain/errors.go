package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job has no ledger record
	ErrJobNotFound = errors.New("job not found")

	// ErrCanceled is returned when the coordinator reports the job as canceled
	ErrCanceled = errors.New("job canceled by coordinator")

	// ErrAlreadyTerminal is returned when a terminal callback was already delivered for the job
	ErrAlreadyTerminal = errors.New("terminal callback already delivered")

	// ErrFallbackDisabled is returned when fallback authentication is requested but not enabled
	ErrFallbackDisabled = errors.New("fallback authentication is disabled")
)

// Failure categories reported in failure callbacks
const (
	CategoryMessage    = "message"
	CategoryCredential = "credential"
	CategoryFetch      = "fetch"
	CategoryTransform  = "transform"
	CategoryTimeout    = "timeout"
	CategoryStaging    = "staging"
	CategoryCanceled   = "canceled"
	CategoryInternal   = "internal"
)

// DecodeError is returned for messages that are malformed or fail validation
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// DecryptError is returned when an encrypted token cannot be decrypted
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "failed to decrypt access token: " + e.Reason
}

// AuthError is returned when a credential cannot be obtained or refreshed
type AuthError struct {
	Transient bool
	Err       error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FetchError is returned when an input cannot be retrieved
type FetchError struct {
	URL       string
	Status    int
	Permanent bool
	Forbidden bool
	Message   string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status != 0 {
		return fmt.Sprintf("failed to fetch %s: status %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
	}
	return "failed to fetch " + e.URL
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransformErrorKind distinguishes tool failures
type TransformErrorKind string

const (
	TransformBadInput TransformErrorKind = "bad_input"
	TransformInternal TransformErrorKind = "internal"
	TransformTimeout  TransformErrorKind = "timeout"
)

// TransformError is returned when the transformation tool fails
type TransformError struct {
	Kind    TransformErrorKind
	Message string
	Err     error
}

func (e *TransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transformation failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("transformation failed (%s): %s", e.Kind, e.Message)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// StageError is returned when an artifact cannot be uploaded or presigned
type StageError struct {
	Name string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("failed to stage %s: %v", e.Name, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// CallbackError is returned when a terminal callback cannot be delivered
type CallbackError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *CallbackError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("callback failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("callback failed: %v", e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// CategoryOf maps an error to the category reported in a failure callback
func CategoryOf(err error) string {
	var (
		decodeErr    *DecodeError
		decryptErr   *DecryptError
		authErr      *AuthError
		fetchErr     *FetchError
		transformErr *TransformError
		stageErr     *StageError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled):
		return CategoryCanceled
	case errors.As(err, &decryptErr), errors.As(err, &authErr), errors.Is(err, ErrFallbackDisabled):
		return CategoryCredential
	case errors.As(err, &decodeErr):
		return CategoryMessage
	case errors.As(err, &transformErr):
		if transformErr.Kind == TransformTimeout {
			return CategoryTimeout
		}
		return CategoryTransform
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &fetchErr):
		return CategoryFetch
	case errors.As(err, &stageErr):
		return CategoryStaging
	default:
		return CategoryInternal
	}
}

// IsTransient reports whether an error is worth retrying at the queue level
func IsTransient(err error) bool {
	var (
		callbackErr *CallbackError
		authErr     *AuthError
	)
	switch {
	case errors.As(err, &callbackErr):
		return callbackErr.Transient
	case errors.As(err, &authErr):
		return authErr.Transient
	default:
		return false
	}
}
