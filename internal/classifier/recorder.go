package classifier

import (
	"context"
	"errors"
	"time"
)

// OutcomeStatus classifies how a request ended.
type OutcomeStatus string

const (
	OutcomeOK                  OutcomeStatus = "ok"
	OutcomeClassificationError OutcomeStatus = "classification_error"
	OutcomeTransportError      OutcomeStatus = "transport_error"
	OutcomeCanceled            OutcomeStatus = "canceled"
	OutcomeTimeout             OutcomeStatus = "timeout"
	OutcomeRejected            OutcomeStatus = "rejected"
)

// Outcome describes one settled classification request.
type Outcome struct {
	RequestID string
	Sentence  string
	Status    OutcomeStatus
	Result    *Classification
	Err       error
	Duration  time.Duration
	Time      time.Time
}

// Class returns the winning class, or "" when the request failed.
func (o Outcome) Class() string {
	if o.Result == nil {
		return ""
	}
	class, _ := o.Result.Top()
	return class
}

// StatusOf maps a Classify error to an outcome status.
func StatusOf(err error) OutcomeStatus {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, ErrClassification), errors.Is(err, ErrInvalidReply):
		return OutcomeClassificationError
	case errors.Is(err, ErrTransportClosed):
		return OutcomeTransportError
	default:
		return OutcomeRejected
	}
}

// Recorder receives every outcome handled by a Service.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// MultiRecorder fans an outcome out to several recorders.
type MultiRecorder []Recorder

// Record implements Recorder. Every recorder is called; errors are joined.
func (m MultiRecorder) Record(ctx context.Context, o Outcome) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, o Outcome) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}
