// Package pipeline drives the four card generation stages for one request
// and keeps every run's state for observers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"heartcards/internal/domain"
	"heartcards/internal/stages"
)

// Ledger records completed renders against the owner's card counters.
type Ledger interface {
	ApplyRender(ctx context.Context, ev domain.RenderEvent) (bool, error)
}

// Notifier delivers notifications without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// Options configures an Orchestrator.
type Options struct {
	Adapters []stages.Adapter
	Store    *Store
	Ledger   Ledger
	Notifier Notifier
	// Provider names the assembly provider in ledger entries.
	Provider string
	Logger   *zerolog.Logger
}

// Orchestrator runs stages in order, halting at the first error.
type Orchestrator struct {
	adapters []stages.Adapter
	store    *Store
	ledger   Ledger
	notifier Notifier
	provider string
	logger   *zerolog.Logger
	group    singleflight.Group
}

// New validates that the adapters cover every stage in pipeline order.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Adapters) != len(domain.Stages) {
		return nil, fmt.Errorf("pipeline: need %d adapters, got %d", len(domain.Stages), len(opts.Adapters))
	}
	for i, a := range opts.Adapters {
		if a == nil {
			return nil, fmt.Errorf("pipeline: adapter %d is nil", i)
		}
		if a.Stage() != domain.Stages[i] {
			return nil, fmt.Errorf("pipeline: adapter %d is %s, want %s", i, a.Stage(), domain.Stages[i])
		}
	}
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	provider := opts.Provider
	if provider == "" {
		provider = "assembly"
	}
	return &Orchestrator{
		adapters: opts.Adapters,
		store:    store,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		provider: provider,
		logger:   logger,
	}, nil
}

// Store exposes the run store shared with the webhook reconciler.
func (o *Orchestrator) Store() *Store { return o.store }

// Run drives a request to completion, failure or webhook hand-off and
// returns the resulting snapshot. Concurrent calls for the same request id
// share one run; a later call for an id that already ran is rejected with
// domain.ErrDuplicateRun. Stage errors are reported in the snapshot, never
// as the returned error.
func (o *Orchestrator) Run(ctx context.Context, req domain.GenerationRequest) (domain.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	v, err, _ := o.group.Do(req.ID, func() (any, error) {
		runCtx, cancel := context.WithCancel(ctx)
		if _, err := o.store.Begin(req, cancel); err != nil {
			cancel()
			return domain.Snapshot{}, err
		}
		return o.drive(runCtx, cancel, req), nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

// Start registers the request and drives it in the background. The run is
// detached from ctx's cancellation; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, req domain.GenerationRequest) (domain.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	snap, err := o.store.Begin(req, cancel)
	if err != nil {
		cancel()
		return domain.Snapshot{}, err
	}
	go o.drive(runCtx, cancel, req)
	return snap, nil
}

// Cancel stops further provider calls for an in-flight run. Provider work
// already started is not rolled back.
func (o *Orchestrator) Cancel(id string) (domain.Snapshot, error) {
	if _, err := o.store.Cancel(id); err != nil {
		return domain.Snapshot{}, err
	}
	return o.store.Snapshot(id)
}

// Snapshot returns the current state of a run.
func (o *Orchestrator) Snapshot(id string) (domain.Snapshot, error) {
	return o.store.Snapshot(id)
}

// drive owns cancel, which Begin already registered so Cancel works before
// the first stage starts.
func (o *Orchestrator) drive(ctx context.Context, cancel context.CancelFunc, req domain.GenerationRequest) (snap domain.Snapshot) {
	defer cancel()
	log := o.logger.With().Str("request_id", req.ID).Str("user_id", req.UserID).Logger()

	defer func() {
		snap, _ = o.store.Update(req.ID, func(e *Entry) error {
			e.setCancel(nil)
			return nil
		})
	}()

	results := make(map[domain.StageID]any, len(o.adapters))
	for _, adapter := range o.adapters {
		stage := adapter.Stage()
		if _, err := o.store.Update(req.ID, func(e *Entry) error { return e.Start(stage) }); err != nil {
			log.Error().Err(err).Str("stage", string(stage)).Msg("pipeline: stage not startable")
			return
		}
		log.Debug().Str("stage", string(stage)).Msg("pipeline: stage started")

		in := stages.Input{Request: req, Previous: copyResults(results)}
		res, err := runAdapter(ctx, adapter, in, log)
		if err != nil {
			kind := stages.KindOf(err)
			current, _ := o.store.Update(req.ID, func(e *Entry) error {
				return e.Fail(stage, string(kind), err.Error())
			})
			log.Warn().Err(err).Str("stage", string(stage)).Str("kind", string(kind)).Msg("pipeline: stage failed")
			if current.Outcome == domain.OutcomeFailed && kind != stages.KindCanceled {
				o.notify(ctx, domain.Notification{
					Kind:    domain.NotifyCardFailed,
					Request: req,
					Stage:   stage,
					Detail:  err.Error(),
				})
			}
			return
		}

		if res.Pending {
			_, err := o.store.Update(req.ID, func(e *Entry) error {
				return e.AwaitWebhook(res.Payload, res.Preview)
			})
			if err != nil && !errors.Is(err, domain.ErrStageTerminal) {
				log.Error().Err(err).Msg("pipeline: could not record pending assembly")
			}
			log.Info().Str("stage", string(stage)).Msg("pipeline: awaiting provider webhook")
			return
		}

		_, err = o.store.Update(req.ID, func(e *Entry) error {
			if err := e.Complete(stage, res.Payload, res.Preview); err != nil {
				return err
			}
			if out, ok := res.Payload.(stages.AssemblyResult); ok {
				e.SetDownloadURL(out.DownloadURL)
			}
			return nil
		})
		if err != nil {
			// The webhook already settled assembly; its result stands.
			log.Warn().Err(err).Str("stage", string(stage)).Msg("pipeline: stage result discarded")
			return
		}
		results[stage] = res.Payload
		log.Debug().Str("stage", string(stage)).Msg("pipeline: stage completed")
	}

	if out, ok := results[domain.StageAssembly].(stages.AssemblyResult); ok {
		o.settleSynchronous(ctx, req, out, log)
	}
	return
}

func (o *Orchestrator) settleSynchronous(ctx context.Context, req domain.GenerationRequest, out stages.AssemblyResult, log zerolog.Logger) {
	applied := true
	if o.ledger != nil {
		eventID := out.RenderID
		if eventID == "" {
			eventID = "sync:" + req.ID
		}
		var err error
		applied, err = o.ledger.ApplyRender(ctx, domain.RenderEvent{
			Provider:    o.provider,
			EventID:     eventID,
			RequestID:   req.ID,
			UserID:      req.UserID,
			DownloadURL: out.DownloadURL,
		})
		if err != nil {
			log.Error().Err(err).Msg("pipeline: could not record completed card")
			return
		}
	}
	if applied {
		o.notify(ctx, domain.Notification{
			Kind:        domain.NotifyCardReady,
			Request:     req,
			DownloadURL: out.DownloadURL,
			Stage:       domain.StageAssembly,
		})
	}
}

func (o *Orchestrator) notify(ctx context.Context, n domain.Notification) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(context.WithoutCancel(ctx), n)
}

func runAdapter(ctx context.Context, a stages.Adapter, in stages.Input, log zerolog.Logger) (res stages.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stage", string(a.Stage())).Bytes("stack", debug.Stack()).Msgf("pipeline: adapter panic: %v", r)
			err = &stages.StageError{Stage: a.Stage(), Kind: stages.KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return stages.Result{}, &stages.StageError{Stage: a.Stage(), Kind: stages.KindCanceled, Err: err}
	}
	return a.Run(ctx, in)
}

func copyResults(in map[domain.StageID]any) map[domain.StageID]any {
	out := make(map[domain.StageID]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
