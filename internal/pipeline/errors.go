// Package pipeline orchestrates a document through its processing stages.
// It owns the stage sequence, the retry policy for transient failures, and
// the terminal-state bookkeeping on the tracking record.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/providers"
)

// Kind classifies a stage failure. Transient kinds are retried with backoff;
// permanent kinds fail the item immediately.
type Kind string

const (
	KindTransientIO       Kind = "TRANSIENT_IO"
	KindTransientProvider Kind = "TRANSIENT_PROVIDER"
	KindPermanentSchema   Kind = "PERMANENT_SCHEMA"
	KindPermanentInput    Kind = "PERMANENT_INPUT"
	KindCancelled         Kind = "CANCELLED"
	KindAdmissionRejected Kind = "ADMISSION_REJECTED"
	KindUnknown           Kind = "UNKNOWN"
)

// Retryable reports whether failures of this kind are worth retrying.
// UNKNOWN is retried conservatively.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientIO, KindTransientProvider, KindUnknown:
		return true
	default:
		return false
	}
}

// StageError is a classified failure from one stage.
type StageError struct {
	Stage     string
	Kind      Kind
	Err       error
	SectionID string
	PageID    string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with a stage and kind.
func NewStageError(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Classify derives the failure kind for an arbitrary stage error. Errors
// already wrapped in a StageError keep their kind.
func Classify(stage string, err error) *StageError {
	if err == nil {
		return nil
	}

	var se *StageError
	if errors.As(err, &se) {
		return se
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransientIO
	case errors.Is(err, blob.ErrNotFound):
		kind = KindTransientIO
	case errors.Is(err, blob.ErrInvalidURI):
		kind = KindPermanentInput
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// FromProviderError maps a failed provider result onto the taxonomy.
func FromProviderError(stage string, et providers.ErrorType, msg string) *StageError {
	kind := KindUnknown
	switch et {
	case providers.ErrorTypeThrottled, providers.ErrorTypeTimeout, providers.ErrorTypeServer:
		kind = KindTransientProvider
	case providers.ErrorTypeBadOutput:
		kind = KindPermanentSchema
	}
	return &StageError{Stage: stage, Kind: kind, Err: errors.New(msg)}
}
