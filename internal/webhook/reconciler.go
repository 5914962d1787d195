// Package webhook applies asynchronous assembly completions reported by the
// rendering provider.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/pipeline"
	"heartcards/internal/stages"
)

// Ledger persists render outcomes. ApplyRender reports false for an event
// that was already recorded.
type Ledger interface {
	ApplyRender(ctx context.Context, ev domain.RenderEvent) (bool, error)
	RecordFailure(ctx context.Context, ev domain.RenderEvent) error
	Seen(ctx context.Context, provider, eventID string) (bool, error)
}

// Notifier delivers notifications without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// Outcome says what happened to a delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeRetry     Outcome = "retry"
)

// Response is what the HTTP layer writes back to the provider.
type Response struct {
	Status  int
	Outcome Outcome
	Message string
}

// Options configures a Reconciler.
type Options struct {
	Secret   []byte
	Store    *pipeline.Store
	Ledger   Ledger
	Notifier Notifier
	Provider string
	Logger   *zerolog.Logger
}

// Reconciler verifies, matches and applies webhook deliveries.
type Reconciler struct {
	secret   []byte
	store    *pipeline.Store
	ledger   Ledger
	notifier Notifier
	provider string
	logger   *zerolog.Logger
}

// NewReconciler builds a reconciler. The secret and store are required.
func NewReconciler(opts Options) (*Reconciler, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("webhook: secret is required")
	}
	if opts.Store == nil {
		return nil, errors.New("webhook: store is required")
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
	return &Reconciler{
		secret:   opts.Secret,
		store:    opts.Store,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		provider: provider,
		logger:   logger,
	}, nil
}

// Handle processes one delivery. Signature failures answer 401 and parse or
// match failures answer 400, both without side effects. Applied and
// duplicate events answer 200. A ledger failure answers 500 with the stage
// untouched so the provider retries.
func (r *Reconciler) Handle(ctx context.Context, rawBody []byte, signature string) Response {
	if !Verify(r.secret, rawBody, signature) {
		r.logger.Warn().Int("bytes", len(rawBody)).Msg("webhook: signature mismatch")
		return Response{Status: http.StatusUnauthorized, Outcome: OutcomeRejected, Message: domain.ErrInvalidSignature.Error()}
	}
	ev, err := parseEvent(rawBody)
	if err != nil {
		r.logger.Warn().Err(err).Msg("webhook: malformed event")
		return Response{Status: http.StatusBadRequest, Outcome: OutcomeInvalid, Message: err.Error()}
	}
	log := r.logger.With().
		Str("event_id", ev.ID).
		Str("request_id", ev.Metadata.RequestID).
		Str("status", string(ev.Status)).
		Logger()

	var (
		applied bool
		note    *domain.Notification
	)
	_, err = r.store.Update(ev.Metadata.RequestID, func(e *pipeline.Entry) error {
		req := e.Request()
		if req.UserID != ev.Metadata.UserID {
			return fmt.Errorf("%w: user mismatch", domain.ErrUnknownEvent)
		}
		stage := e.Stage(domain.StageAssembly)
		if stage.Status.Terminal() {
			return nil
		}
		if stage.Status != domain.StageProcessing {
			return fmt.Errorf("%w: assembly is %s", domain.ErrUnknownEvent, stage.Status)
		}
		if pending, ok := stage.Result.(stages.AssemblyResult); ok && pending.RenderID != "" && pending.RenderID != ev.ID {
			return fmt.Errorf("%w: render id %s does not match %s", domain.ErrUnknownEvent, ev.ID, pending.RenderID)
		}
		record := domain.RenderEvent{
			Provider:    r.provider,
			EventID:     ev.ID,
			RequestID:   req.ID,
			UserID:      req.UserID,
			DownloadURL: ev.DownloadURL,
			ErrorDetail: ev.Error,
			Payload:     rawBody,
		}
		switch ev.Status {
		case domain.WebhookCompleted:
			first, err := r.applyCompleted(ctx, record)
			if err != nil {
				return err
			}
			if err := e.Complete(domain.StageAssembly, stages.AssemblyResult{DownloadURL: ev.DownloadURL, RenderID: ev.ID}, domain.PreviewHint{
				Type: "download", Content: ev.DownloadURL, Title: "Print-ready card",
			}); err != nil {
				return err
			}
			e.SetDownloadURL(ev.DownloadURL)
			applied = true
			if first {
				note = &domain.Notification{Kind: domain.NotifyCardReady, Request: req, DownloadURL: ev.DownloadURL, Stage: domain.StageAssembly}
			}
		case domain.WebhookFailed:
			if err := r.recordFailure(ctx, record); err != nil {
				return err
			}
			detail := ev.Error
			if detail == "" {
				detail = "rendering failed"
			}
			if err := e.Fail(domain.StageAssembly, string(stages.KindProviderFailure), detail); err != nil {
				return err
			}
			applied = true
			note = &domain.Notification{Kind: domain.NotifyCardFailed, Request: req, Stage: domain.StageAssembly, Detail: detail}
		}
		return nil
	})

	if errors.Is(err, domain.ErrNotFound) {
		// The run may have been pruned after the event was applied.
		seen, lerr := r.seen(ctx, ev.ID)
		if lerr != nil {
			log.Error().Err(lerr).Msg("webhook: could not check ledger for pruned run")
			return Response{Status: http.StatusInternalServerError, Outcome: OutcomeRetry, Message: "temporarily unable to apply event"}
		}
		if seen {
			log.Info().Msg("webhook: duplicate delivery for pruned run")
			return Response{Status: http.StatusOK, Outcome: OutcomeDuplicate}
		}
	}
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownEvent):
		log.Warn().Err(err).Msg("webhook: event does not match a run")
		return Response{Status: http.StatusBadRequest, Outcome: OutcomeUnmatched, Message: domain.ErrUnknownEvent.Error()}
	case err != nil:
		log.Error().Err(err).Msg("webhook: could not apply event")
		return Response{Status: http.StatusInternalServerError, Outcome: OutcomeRetry, Message: "temporarily unable to apply event"}
	}
	if !applied {
		log.Info().Msg("webhook: duplicate delivery")
		return Response{Status: http.StatusOK, Outcome: OutcomeDuplicate}
	}
	if note != nil && r.notifier != nil {
		r.notifier.Notify(context.WithoutCancel(ctx), *note)
	}
	log.Info().Msg("webhook: event applied")
	return Response{Status: http.StatusOK, Outcome: OutcomeApplied}
}

func (r *Reconciler) applyCompleted(ctx context.Context, ev domain.RenderEvent) (bool, error) {
	if r.ledger == nil {
		return true, nil
	}
	return r.ledger.ApplyRender(ctx, ev)
}

func (r *Reconciler) seen(ctx context.Context, eventID string) (bool, error) {
	if r.ledger == nil {
		return false, nil
	}
	return r.ledger.Seen(ctx, r.provider, eventID)
}

func (r *Reconciler) recordFailure(ctx context.Context, ev domain.RenderEvent) error {
	if r.ledger == nil {
		return nil
	}
	return r.ledger.RecordFailure(ctx, ev)
}

func parseEvent(raw []byte) (domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Status = domain.WebhookStatus(strings.ToLower(strings.TrimSpace(string(ev.Status))))
	ev.DownloadURL = strings.TrimSpace(ev.DownloadURL)
	ev.Metadata.RequestID = strings.TrimSpace(ev.Metadata.RequestID)
	ev.Metadata.UserID = strings.TrimSpace(ev.Metadata.UserID)
	switch {
	case ev.ID == "":
		return ev, fmt.Errorf("%w: id is required", domain.ErrMalformedEvent)
	case ev.Metadata.RequestID == "" || ev.Metadata.UserID == "":
		return ev, fmt.Errorf("%w: metadata must carry request_id and user_id", domain.ErrMalformedEvent)
	case ev.Status != domain.WebhookCompleted && ev.Status != domain.WebhookFailed:
		return ev, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedEvent, ev.Status)
	case ev.Status == domain.WebhookCompleted && ev.DownloadURL == "":
		return ev, fmt.Errorf("%w: completed event without download_url", domain.ErrMalformedEvent)
	}
	return ev, nil
}
