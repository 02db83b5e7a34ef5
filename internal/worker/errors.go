package worker

import "errors"

// FailureKind tags a handler failure for the dispatcher's retry policy.
type FailureKind int

const (
	// KindRetryable re-enters the exponential backoff schedule.
	KindRetryable FailureKind = iota
	// KindFatal short-circuits the retry policy regardless of remaining
	// attempts.
	KindFatal
)

func (k FailureKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifiedError carries the failure classification across the handler/
// dispatcher boundary, so the dispatcher never inspects concrete error types
// from other packages.
type ClassifiedError struct {
	Kind FailureKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable wraps err for the backoff schedule.
func Retryable(err error) error {
	return &ClassifiedError{Kind: KindRetryable, Err: err}
}

// Fatal wraps err so the job fails immediately.
func Fatal(err error) error {
	return &ClassifiedError{Kind: KindFatal, Err: err}
}

// Classify extracts the failure kind from a handler error. Unwrapped errors
// default to retryable, matching the queue's native policy; handlers that
// know better tag explicitly.
func Classify(err error) FailureKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindRetryable
}
