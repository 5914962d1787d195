// Package poller drives long-running provider jobs to completion by
// submitting once and checking status at a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the wait between two status checks.
	DefaultInterval = 10 * time.Second
	// DefaultMaxAttempts bounds the number of status checks (5 minutes at the default interval).
	DefaultMaxAttempts = 30
)

// State is the normalized status reported by a provider.
type State int

const (
	StateRunning State = iota
	StateComplete
	StateFailed
)

// Check is what a status probe reports back.
type Check[T any] struct {
	State   State
	Payload T
	Reason  string
}

// SubmitFunc starts provider-side work and returns its job id.
type SubmitFunc func(ctx context.Context) (string, error)

// CheckFunc queries the provider for the current status of a job.
type CheckFunc[T any] func(ctx context.Context, jobID string) (Check[T], error)

// Clock abstracts waiting so tests can run without real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Options configures a poll.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       Clock
	Logger      *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		discard := zerolog.New(io.Discard)
		o.Logger = &discard
	}
	return o
}

// Job is the bookkeeping for one polled provider job.
type Job struct {
	ID           string
	SubmittedAt  time.Time
	Interval     time.Duration
	MaxAttempts  int
	AttemptsMade int
}

// Result is returned when the provider reports completion.
type Result[T any] struct {
	Job     Job
	Payload T
}

// Poll submits work once and then checks its status every Interval until the
// provider reports a terminal state or MaxAttempts checks have been made.
// Submission is never retried. A status probe that errors counts as an
// attempt and polling continues. Cancelling ctx stops further status calls.
func Poll[T any](ctx context.Context, submit SubmitFunc, check CheckFunc[T], opts Options) (Result[T], error) {
	opts = opts.withDefaults()
	job := Job{Interval: opts.Interval, MaxAttempts: opts.MaxAttempts}

	id, err := submit(ctx)
	if err != nil {
		return Result[T]{Job: job}, &Error{Kind: KindSubmissionFailed, Job: job, Err: err}
	}
	if id == "" {
		return Result[T]{Job: job}, &Error{Kind: KindSubmissionFailed, Job: job, Err: errors.New("provider returned an empty job id")}
	}
	job.ID = id
	job.SubmittedAt = opts.Clock.Now()
	log := opts.Logger.With().Str("job_id", id).Logger()
	log.Debug().Dur("interval", opts.Interval).Int("max_attempts", opts.MaxAttempts).Msg("poller: job submitted")

	for job.AttemptsMade < job.MaxAttempts {
		if err := opts.Clock.Sleep(ctx, opts.Interval); err != nil {
			return Result[T]{Job: job}, &Error{Kind: KindCanceled, Job: job, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return Result[T]{Job: job}, &Error{Kind: KindCanceled, Job: job, Err: err}
		}
		job.AttemptsMade++
		status, err := check(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result[T]{Job: job}, &Error{Kind: KindCanceled, Job: job, Err: ctxErr}
			}
			log.Warn().Err(err).Int("attempt", job.AttemptsMade).Msg("poller: status check failed")
			continue
		}
		switch status.State {
		case StateComplete:
			log.Debug().Int("attempt", job.AttemptsMade).Msg("poller: job complete")
			return Result[T]{Job: job, Payload: status.Payload}, nil
		case StateFailed:
			return Result[T]{Job: job}, &Error{Kind: KindProviderFailed, Job: job, Reason: status.Reason}
		}
	}
	return Result[T]{Job: job}, &Error{Kind: KindTimeout, Job: job}
}

// ErrorKind classifies why a poll did not succeed.
type ErrorKind int

const (
	KindSubmissionFailed ErrorKind = iota + 1
	KindProviderFailed
	KindTimeout
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindSubmissionFailed:
		return "submission_failed"
	case KindProviderFailed:
		return "provider_failed"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	ErrSubmissionFailed = errors.New("poller: submission failed")
	ErrProviderFailed   = errors.New("poller: provider reported failure")
	ErrTimeout          = errors.New("poller: timed out")
	ErrCanceled         = errors.New("poller: canceled")
)

// Error is returned by Poll for every unsuccessful outcome.
type Error struct {
	Kind   ErrorKind
	Job    Job
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSubmissionFailed:
		return fmt.Sprintf("poller: submission failed: %v", e.Err)
	case KindProviderFailed:
		if e.Reason == "" {
			return fmt.Sprintf("poller: job %s failed", e.Job.ID)
		}
		return fmt.Sprintf("poller: job %s failed: %s", e.Job.ID, e.Reason)
	case KindTimeout:
		return fmt.Sprintf("poller: job %s not finished after %d checks", e.Job.ID, e.Job.AttemptsMade)
	case KindCanceled:
		return fmt.Sprintf("poller: job %s canceled: %v", e.Job.ID, e.Err)
	default:
		return "poller: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match on the sentinel for each kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSubmissionFailed:
		return e.Kind == KindSubmissionFailed
	case ErrProviderFailed:
		return e.Kind == KindProviderFailed
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCanceled:
		return e.Kind == KindCanceled
	}
	return false
}
