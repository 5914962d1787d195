package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"heartcards/internal/domain"
)

const maxCardBodyBytes = 64 << 10

type createCardRequest struct {
	RequestID       string           `json:"request_id"`
	SenderName      string           `json:"sender_name"`
	SenderEmail     string           `json:"sender_email"`
	Recipient       domain.Recipient `json:"recipient"`
	Occasion        string           `json:"occasion"`
	Tone            string           `json:"tone"`
	PersonalMessage string           `json:"personal_message"`
}

// errRequestID rejects caller-chosen ids that are not UUIDs. Runs share one
// id space across users, so ids must be unguessable.
var errRequestID = errors.New("request_id must be a UUID")

func (c createCardRequest) toDomain(userID string, now time.Time) (domain.GenerationRequest, error) {
	id := strings.TrimSpace(c.RequestID)
	if id == "" {
		id = uuid.NewString()
	} else {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return domain.GenerationRequest{}, errRequestID
		}
		id = parsed.String()
	}
	return domain.GenerationRequest{
		ID:              id,
		UserID:          userID,
		SenderName:      strings.TrimSpace(c.SenderName),
		SenderEmail:     strings.TrimSpace(c.SenderEmail),
		Recipient:       c.Recipient,
		Occasion:        domain.Occasion(strings.ToLower(strings.TrimSpace(c.Occasion))),
		Tone:            domain.NormalizeTone(c.Tone),
		PersonalMessage: strings.TrimSpace(c.PersonalMessage),
		CreatedAt:       now,
	}, nil
}

// CreateCard starts a generation run. By default the run proceeds in the
// background and the caller polls CardStatus; ?wait=true blocks until the
// run completes, fails or hands off to the webhook.
func (a *App) CreateCard(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var body createCardRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCardBodyBytes))
	if err := dec.Decode(&body); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req, err := body.toDomain(userID, time.Now().UTC())
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var (
		snap   domain.Snapshot
		status = http.StatusAccepted
	)
	if r.URL.Query().Get("wait") == "true" {
		snap, err = a.Cards.Run(r.Context(), req)
		status = http.StatusOK
	} else {
		snap, err = a.Cards.Start(r.Context(), req)
	}
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, domain.ErrDuplicateRun):
		a.error(w, http.StatusConflict, "duplicate_run", "a run already exists for this request_id")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("request_id", req.ID).Msg("cards: start failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start card generation")
		return
	}
	a.json(w, status, snap)
}

func (a *App) CardStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.ownedSnapshot(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, snap)
}

func (a *App) CancelCard(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.ownedSnapshot(w, r)
	if !ok {
		return
	}
	if snap.Outcome.Terminal() {
		a.json(w, http.StatusOK, snap)
		return
	}
	snap, err := a.Cards.Cancel(snap.Request.ID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "card not found")
		return
	}
	a.json(w, http.StatusAccepted, snap)
}

// CardCounters returns the caller's usage counters.
func (a *App) CardCounters(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Counters == nil {
		a.json(w, http.StatusOK, domain.CardCounters{})
		return
	}
	counters, err := a.Counters.Counters(r.Context(), userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusOK, domain.CardCounters{})
	case err != nil:
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("cards: counters failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load counters")
	default:
		a.json(w, http.StatusOK, counters)
	}
}

// ownedSnapshot loads the run named in the path and hides runs that belong
// to another user.
func (a *App) ownedSnapshot(w http.ResponseWriter, r *http.Request) (domain.Snapshot, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return domain.Snapshot{}, false
	}
	id := chi.URLParam(r, "request_id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "request_id required")
		return domain.Snapshot{}, false
	}
	snap, err := a.Cards.Snapshot(id)
	if err != nil || snap.Request.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "card not found")
		return domain.Snapshot{}, false
	}
	return snap, true
}
