package classifier

import (
	"errors"
	"fmt"
)

// Sentinel errors for the classifier bridge.
var (
	// ErrInvalidID is returned by Submit for an empty identifier.
	ErrInvalidID = errors.New("classifier: invalid request id")

	// ErrDuplicateID is returned by Submit when the identifier is already
	// outstanding. The existing request is left untouched.
	ErrDuplicateID = errors.New("classifier: duplicate request id")

	// ErrTransportClosed marks every failure caused by the worker transport
	// becoming unusable. Use errors.As with *TransportError for the cause.
	ErrTransportClosed = errors.New("classifier: transport closed")

	// ErrClassification marks a reply the worker flagged as an error.
	// Use errors.As with *ClassificationError for the details.
	ErrClassification = errors.New("classifier: classification failed")

	// ErrCanceled is returned for calls abandoned by their caller.
	ErrCanceled = errors.New("classifier: request canceled")

	// ErrPending is returned by Call.Result before the call has settled.
	ErrPending = errors.New("classifier: request pending")

	// ErrInvalidReply is returned when a success reply carries no usable
	// class probabilities.
	ErrInvalidReply = errors.New("classifier: invalid reply")

	// ErrWorkerExited is the closure cause when the worker process ends.
	ErrWorkerExited = errors.New("classifier: worker exited")

	// ErrBridgeClosed is the closure cause after an explicit Close.
	ErrBridgeClosed = errors.New("classifier: bridge closed")

	// ErrUnavailable is returned by Service when no live worker exists.
	ErrUnavailable = fmt.Errorf("%w: no live worker", ErrTransportClosed)
)

// errStreamEnded is the closure cause when the reply stream ends cleanly.
var errStreamEnded = errors.New("worker stream ended")

// TransportError settles requests that were pending, or submitted, while
// the transport was closed.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return ErrTransportClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrTransportClosed, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrTransportClosed) true for every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransportClosed }

// ClassificationError is an application-level failure reported by the
// worker for one request. The bridge stays live.
type ClassificationError struct {
	ID     string
	Reason string
	Body   map[string]any
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%v: request %s: %s", ErrClassification, e.ID, e.Reason)
}

// Is makes errors.Is(err, ErrClassification) true for every ClassificationError.
func (e *ClassificationError) Is(target error) bool { return target == ErrClassification }

// defaultReason is used when an error reply carries no diagnostic text.
const defaultReason = "worker reported an error"

func newClassificationError(id string, body map[string]any) *ClassificationError {
	reason := defaultReason
	for _, key := range []string{"reason", "message", "error"} {
		if s, ok := body[key].(string); ok && s != "" {
			reason = s
			break
		}
	}
	return &ClassificationError{ID: id, Reason: reason, Body: body}
}
