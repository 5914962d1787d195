// Package stages adapts each external provider to one uniform pipeline step.
package stages

import (
	"context"
	"errors"
	"fmt"

	"heartcards/internal/domain"
	"heartcards/internal/poller"
)

// Input is what an adapter sees: the request and the payloads of every
// stage that already completed.
type Input struct {
	Request  domain.GenerationRequest
	Previous map[domain.StageID]any
}

// Result is a successful stage outcome. Pending means the provider accepted
// the work and will report completion out of band.
type Result struct {
	Payload any
	Preview domain.PreviewHint
	Pending bool
}

// Adapter runs one pipeline stage.
type Adapter interface {
	Stage() domain.StageID
	Run(ctx context.Context, in Input) (Result, error)
}

// ErrorKind classifies stage failures.
type ErrorKind string

const (
	KindSubmissionFailure ErrorKind = "submission_failure"
	KindProviderFailure   ErrorKind = "provider_failure"
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindCanceled          ErrorKind = "canceled"
	KindInternal          ErrorKind = "internal"
)

// StageError is the only error type adapters return.
type StageError struct {
	Stage domain.StageID
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newError(stage domain.StageID, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the kind of a stage error. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

func fromPollError(stage domain.StageID, err error) *StageError {
	var pe *poller.Error
	if !errors.As(err, &pe) {
		return newError(stage, KindInternal, err)
	}
	switch pe.Kind {
	case poller.KindSubmissionFailed:
		return newError(stage, KindSubmissionFailure, pe.Err)
	case poller.KindProviderFailed:
		reason := pe.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		return newError(stage, KindProviderFailure, fmt.Errorf("%w: %s", domain.ErrProviderFailure, reason))
	case poller.KindTimeout:
		return newError(stage, KindTimeout, fmt.Errorf("no result after %d status checks", pe.Job.AttemptsMade))
	case poller.KindCanceled:
		return newError(stage, KindCanceled, pe.Err)
	}
	return newError(stage, KindInternal, err)
}

func previous[T any](in Input, stage, from domain.StageID) (T, error) {
	var zero T
	raw, ok := in.Previous[from]
	if !ok {
		return zero, newError(stage, KindMalformedResponse, fmt.Errorf("missing %s result", from))
	}
	v, ok := raw.(T)
	if !ok {
		return zero, newError(stage, KindMalformedResponse, fmt.Errorf("unexpected %s result type %T", from, raw))
	}
	return v, nil
}
