package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/http/handlers"
	"heartcards/internal/middleware"
	"heartcards/internal/webhook"
)

const jwtSecret = "router-test-secret"

type stubCards struct {
	mu       sync.Mutex
	runs     map[string]domain.Snapshot
	started  []domain.GenerationRequest
	canceled []string
	ranSync  bool
}

func newStubCards() *stubCards { return &stubCards{runs: map[string]domain.Snapshot{}} }

func (s *stubCards) begin(req domain.GenerationRequest) (domain.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[req.ID]; ok {
		return domain.Snapshot{}, domain.ErrDuplicateRun
	}
	snap := domain.Snapshot{Request: req, Outcome: domain.OutcomeRunning}
	s.runs[req.ID] = snap
	s.started = append(s.started, req)
	return snap, nil
}

func (s *stubCards) Run(_ context.Context, req domain.GenerationRequest) (domain.Snapshot, error) {
	snap, err := s.begin(req)
	if err != nil {
		return snap, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranSync = true
	snap.Outcome = domain.OutcomeCompleted
	s.runs[req.ID] = snap
	return snap, nil
}

func (s *stubCards) Start(_ context.Context, req domain.GenerationRequest) (domain.Snapshot, error) {
	return s.begin(req)
}

func (s *stubCards) Snapshot(id string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runs[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (s *stubCards) Cancel(id string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runs[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	s.canceled = append(s.canceled, id)
	return snap, nil
}

type stubWebhooks struct {
	body      string
	signature string
}

func (s *stubWebhooks) Handle(_ context.Context, raw []byte, signature string) webhook.Response {
	s.body, s.signature = string(raw), signature
	if signature == "" {
		return webhook.Response{Status: http.StatusUnauthorized, Outcome: webhook.OutcomeRejected}
	}
	return webhook.Response{Status: http.StatusOK, Outcome: webhook.OutcomeApplied}
}

type stubCounters struct{ err error }

func (s stubCounters) Counters(context.Context, string) (domain.CardCounters, error) {
	return domain.CardCounters{Used: 3, Mailed: 2}, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type harness struct {
	cards    *stubCards
	webhooks *stubWebhooks
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{cards: newStubCards(), webhooks: &stubWebhooks{}}
	app := &handlers.App{
		Cards:    h.cards,
		Webhooks: h.webhooks,
		Counters: stubCounters{},
		DB:       stubPinger{},
		Logger:   zerolog.Nop(),
	}
	h.handler = NewRouter(app, RouterOptions{JWTSecret: jwtSecret, RateLimitPerMin: 100, Logger: zerolog.Nop()})
	return h
}

func (h *harness) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		token, err := middleware.SignJWT(jwtSecret, userID, "free", time.Hour)
		if err != nil {
			t.Fatalf("SignJWT: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

const cardID = "6f1c2b9e-3d4a-4c8b-9e21-7a5d0f3b8c12"

const momCard = `{"request_id":"` + cardID + `","sender_name":"Sam","recipient":{"name":"Mom","relationship":"mother"},"occasion":"Birthday","tone":"FUNNY"}`

func TestCreateCardStartsRun(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", momCard)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Request.ID != cardID || snap.Request.UserID != "user-1" {
		t.Fatalf("request = %+v", snap.Request)
	}
	if snap.Request.Occasion != domain.OccasionBirthday || snap.Request.Tone != domain.ToneFunny {
		t.Fatalf("request not normalized: %+v", snap.Request)
	}
}

func TestCreateCardGeneratesRequestID(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", `{"recipient":{"name":"Dad"},"occasion":"holiday"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if len(h.cards.started) != 1 || len(h.cards.started[0].ID) != 36 {
		t.Fatalf("started = %+v", h.cards.started)
	}
}

func TestCreateCardWaitRunsSynchronously(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/cards?wait=true", "user-1", momCard)
	if rec.Code != http.StatusOK || !h.cards.ranSync {
		t.Fatalf("status = %d ranSync = %v", rec.Code, h.cards.ranSync)
	}
}

func TestCreateCardErrors(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/v1/cards", "", momCard); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", `{"occasion":"birthday"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing recipient = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", momCard); rec.Code != http.StatusAccepted {
		t.Fatalf("first = %d", rec.Code)
	}
	for _, id := range []string{"req-1", "../other", "6f1c2b9e"} {
		body := `{"request_id":"` + id + `","recipient":{"name":"Mom"},"occasion":"birthday"}`
		if rec := h.do(t, http.MethodPost, "/v1/cards", "user-2", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("request_id %q = %d", id, rec.Code)
		}
	}
	rec := h.do(t, http.MethodPost, "/v1/cards", "user-1", momCard)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d", rec.Code)
	}
	var body struct {
		Error struct{ Code string } `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "duplicate_run" {
		t.Fatalf("error code = %q", body.Error.Code)
	}
}

func TestCardStatusIsScopedToOwner(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/cards", "user-1", momCard)
	if rec := h.do(t, http.MethodGet, "/v1/cards/"+cardID, "user-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("owner = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/cards/"+cardID, "user-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other user = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/cards/missing", "user-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
}

func TestCancelCard(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/cards", "user-1", momCard)
	if rec := h.do(t, http.MethodPost, "/v1/cards/"+cardID+"/cancel", "user-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other user = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/cards/"+cardID+"/cancel", "user-1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("owner = %d", rec.Code)
	}
	if len(h.cards.canceled) != 1 {
		t.Fatalf("canceled = %v", h.cards.canceled)
	}
}

func TestCardCounters(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/me/cards", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got domain.CardCounters
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Used != 3 || got.Mailed != 2 {
		t.Fatalf("counters = %+v", got)
	}
}

func TestWebhookSkipsJWTAndForwardsRawBody(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"r-1","status":"completed"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/assembly", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, "sha256=abc")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.webhooks.body != body || h.webhooks.signature != "sha256=abc" {
		t.Fatalf("forwarded %q %q", h.webhooks.body, h.webhooks.signature)
	}

	rec = h.do(t, http.MethodPost, "/v1/webhooks/assembly", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned = %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/v1/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	app := &handlers.App{DB: stubPinger{err: errors.New("down")}, Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	NewRouter(app, RouterOptions{JWTSecret: jwtSecret}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with db down = %d", rec.Code)
	}
}
