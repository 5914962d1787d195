package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/middleware"
	"heartcards/internal/webhook"
)

// Cards is the slice of the orchestrator the card endpoints drive.
type Cards interface {
	Run(ctx context.Context, req domain.GenerationRequest) (domain.Snapshot, error)
	Start(ctx context.Context, req domain.GenerationRequest) (domain.Snapshot, error)
	Snapshot(id string) (domain.Snapshot, error)
	Cancel(id string) (domain.Snapshot, error)
}

// Webhooks applies signed provider deliveries.
type Webhooks interface {
	Handle(ctx context.Context, rawBody []byte, signature string) webhook.Response
}

// CounterReader loads per-user card counters.
type CounterReader interface {
	Counters(ctx context.Context, userID string) (domain.CardCounters, error)
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Cards    Cards
	Webhooks Webhooks
	Counters CounterReader
	DB       Pinger
	Logger   zerolog.Logger
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
