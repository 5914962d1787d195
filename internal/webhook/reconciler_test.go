package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"heartcards/internal/domain"
	"heartcards/internal/pipeline"
	"heartcards/internal/stages"
)

var secret = []byte("whsec_test")

type memLedger struct {
	mu       sync.Mutex
	seen     map[string]bool
	used     map[string]int
	failures int
	err      error
}

func newMemLedger() *memLedger {
	return &memLedger{seen: map[string]bool{}, used: map[string]int{}}
}

func (l *memLedger) ApplyRender(_ context.Context, ev domain.RenderEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.seen[ev.EventID] {
		return false, nil
	}
	l.seen[ev.EventID] = true
	l.used[ev.UserID]++
	return true, nil
}

func (l *memLedger) RecordFailure(_ context.Context, ev domain.RenderEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if !l.seen[ev.EventID] {
		l.seen[ev.EventID] = true
		l.failures++
	}
	return nil
}

func (l *memLedger) Seen(_ context.Context, _, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return l.seen[eventID], nil
}

func (l *memLedger) usedBy(user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[user]
}

type memNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *memNotifier) Notify(_ context.Context, note domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	store    *pipeline.Store
	ledger   *memLedger
	notifier *memNotifier
	rec      *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: pipeline.NewStore(), ledger: newMemLedger(), notifier: &memNotifier{}}
	rec, err := NewReconciler(Options{Secret: secret, Store: h.store, Ledger: h.ledger, Notifier: h.notifier})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	h.rec = rec
	return h
}

// awaiting registers a run whose assembly stage is waiting for renderID.
func (h *harness) awaiting(t *testing.T, requestID, renderID string) {
	t.Helper()
	req := domain.GenerationRequest{ID: requestID, UserID: "user-1", Recipient: domain.Recipient{Name: "Mom"}, Occasion: domain.OccasionBirthday}
	if _, err := h.store.Begin(req, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, stage := range domain.Stages {
		_, err := h.store.Update(requestID, func(e *pipeline.Entry) error {
			if err := e.Start(stage); err != nil {
				return err
			}
			if stage == domain.StageAssembly {
				return e.AwaitWebhook(stages.AssemblyResult{RenderID: renderID, Pending: true}, domain.PreviewHint{})
			}
			return e.Complete(stage, nil, domain.PreviewHint{})
		})
		if err != nil {
			t.Fatalf("advance %s: %v", stage, err)
		}
	}
}

func eventBody(t *testing.T, ev domain.WebhookEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func completedEvent(requestID, renderID string) domain.WebhookEvent {
	return domain.WebhookEvent{
		ID:          renderID,
		Status:      domain.WebhookCompleted,
		DownloadURL: "https://files.example.com/" + renderID + ".pdf",
		Metadata:    domain.WebhookMetadata{RequestID: requestID, UserID: "user-1"},
	}
}

func TestHandleAppliesCompletedEventOnce(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-1", "r-1")
	body := eventBody(t, completedEvent("req-1", "r-1"))
	sig := Sign(secret, body)

	first := h.rec.Handle(context.Background(), body, sig)
	if first.Status != http.StatusOK || first.Outcome != OutcomeApplied {
		t.Fatalf("first delivery = %+v", first)
	}
	second := h.rec.Handle(context.Background(), body, sig)
	if second.Status != http.StatusOK || second.Outcome != OutcomeDuplicate {
		t.Fatalf("second delivery = %+v", second)
	}
	if got := h.ledger.usedBy("user-1"); got != 1 {
		t.Fatalf("cards used = %d, want 1", got)
	}
	if got := h.notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
	snap, _ := h.store.Snapshot("req-1")
	if snap.Outcome != domain.OutcomeCompleted || snap.DownloadURL != "https://files.example.com/r-1.pdf" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHandleConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-c", "r-c")
	body := eventBody(t, completedEvent("req-c", "r-c"))
	sig := Sign(secret, body)

	var wg sync.WaitGroup
	statuses := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses <- h.rec.Handle(context.Background(), body, sig).Status
		}()
	}
	wg.Wait()
	close(statuses)
	for s := range statuses {
		if s != http.StatusOK {
			t.Fatalf("status = %d, want 200", s)
		}
	}
	if got := h.ledger.usedBy("user-1"); got != 1 {
		t.Fatalf("cards used = %d, want 1", got)
	}
	if got := h.notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestHandleRejectsTamperedBody(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-2", "r-2")
	body := eventBody(t, completedEvent("req-2", "r-2"))
	sig := Sign(secret, body)
	tampered := eventBody(t, domain.WebhookEvent{
		ID:          "r-2",
		Status:      domain.WebhookCompleted,
		DownloadURL: "https://evil.example.com/card.pdf",
		Metadata:    domain.WebhookMetadata{RequestID: "req-2", UserID: "user-1"},
	})

	resp := h.rec.Handle(context.Background(), tampered, sig)
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Status)
	}
	snap, _ := h.store.Snapshot("req-2")
	if st, _ := snap.Stage(domain.StageAssembly); st.Status != domain.StageProcessing {
		t.Fatalf("assembly = %s, want processing", st.Status)
	}
	if h.ledger.usedBy("user-1") != 0 || h.notifier.count() != 0 {
		t.Fatal("rejected event had side effects")
	}
}

func TestHandleFailedEventConsumesNoCredit(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-3", "r-3")
	body := eventBody(t, domain.WebhookEvent{
		ID:       "r-3",
		Status:   domain.WebhookFailed,
		Error:    "image resolution too low",
		Metadata: domain.WebhookMetadata{RequestID: "req-3", UserID: "user-1"},
	})
	resp := h.rec.Handle(context.Background(), body, "sha256="+Sign(secret, body))
	if resp.Status != http.StatusOK || resp.Outcome != OutcomeApplied {
		t.Fatalf("response = %+v", resp)
	}
	snap, _ := h.store.Snapshot("req-3")
	st, _ := snap.Stage(domain.StageAssembly)
	if st.Status != domain.StageError || st.Error != "image resolution too low" {
		t.Fatalf("assembly = %+v", st)
	}
	if h.ledger.usedBy("user-1") != 0 {
		t.Fatal("failed render consumed a credit")
	}
	if h.ledger.failures != 1 || h.notifier.count() != 1 {
		t.Fatalf("failures = %d, notifications = %d", h.ledger.failures, h.notifier.count())
	}
	replay := h.rec.Handle(context.Background(), body, Sign(secret, body))
	if replay.Outcome != OutcomeDuplicate || h.notifier.count() != 1 {
		t.Fatalf("replay = %+v, notifications = %d", replay, h.notifier.count())
	}
}

func TestHandleUnmatchedEvents(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-4", "r-4")
	cases := []struct {
		name string
		ev   domain.WebhookEvent
	}{
		{name: "unknown_request", ev: completedEvent("req-missing", "r-4")},
		{name: "other_user", ev: domain.WebhookEvent{ID: "r-4", Status: domain.WebhookCompleted, DownloadURL: "https://x/y.pdf", Metadata: domain.WebhookMetadata{RequestID: "req-4", UserID: "user-2"}}},
		{name: "other_render", ev: completedEvent("req-4", "r-other")},
	}
	for _, tc := range cases {
		body := eventBody(t, tc.ev)
		resp := h.rec.Handle(context.Background(), body, Sign(secret, body))
		if resp.Status != http.StatusBadRequest || resp.Outcome != OutcomeUnmatched {
			t.Fatalf("%s: response = %+v", tc.name, resp)
		}
	}
	if h.ledger.usedBy("user-1") != 0 || h.ledger.usedBy("user-2") != 0 || h.notifier.count() != 0 {
		t.Fatal("unmatched event had side effects")
	}
}

func TestHandleRedeliveryAfterRunPruned(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-6", "r-6")
	body := eventBody(t, completedEvent("req-6", "r-6"))
	sig := Sign(secret, body)
	if resp := h.rec.Handle(context.Background(), body, sig); resp.Outcome != OutcomeApplied {
		t.Fatalf("first delivery = %+v", resp)
	}
	if n := h.store.Prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	late := h.rec.Handle(context.Background(), body, sig)
	if late.Status != http.StatusOK || late.Outcome != OutcomeDuplicate {
		t.Fatalf("late redelivery = %+v", late)
	}
	if h.ledger.usedBy("user-1") != 1 || h.notifier.count() != 1 {
		t.Fatal("late redelivery had side effects")
	}

	unknown := eventBody(t, completedEvent("req-6", "r-never"))
	if resp := h.rec.Handle(context.Background(), unknown, Sign(secret, unknown)); resp.Status != http.StatusBadRequest {
		t.Fatalf("unknown event for pruned run = %+v", resp)
	}

	h.ledger.mu.Lock()
	h.ledger.err = errors.New("connection refused")
	h.ledger.mu.Unlock()
	if resp := h.rec.Handle(context.Background(), body, sig); resp.Status != http.StatusInternalServerError {
		t.Fatalf("ledger down = %+v, want 500", resp)
	}
}

func TestHandleMalformedEvents(t *testing.T) {
	h := newHarness(t)
	bodies := [][]byte{
		[]byte(`not json`),
		[]byte(`{"id":"r","status":"completed","metadata":{"request_id":"q","user_id":"u"}}`),
		[]byte(`{"id":"r","status":"weird","metadata":{"request_id":"q","user_id":"u"}}`),
		[]byte(`{"status":"failed","metadata":{"request_id":"q","user_id":"u"}}`),
		[]byte(`{"id":"r","status":"failed","metadata":{}}`),
	}
	for _, body := range bodies {
		resp := h.rec.Handle(context.Background(), body, Sign(secret, body))
		if resp.Status != http.StatusBadRequest || resp.Outcome != OutcomeInvalid {
			t.Fatalf("body %s: response = %+v", body, resp)
		}
	}
}

func TestHandleLedgerFailureAsksForRetry(t *testing.T) {
	h := newHarness(t)
	h.awaiting(t, "req-5", "r-5")
	h.ledger.err = errors.New("connection refused")
	body := eventBody(t, completedEvent("req-5", "r-5"))
	sig := Sign(secret, body)

	resp := h.rec.Handle(context.Background(), body, sig)
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
	snap, _ := h.store.Snapshot("req-5")
	if st, _ := snap.Stage(domain.StageAssembly); st.Status != domain.StageProcessing {
		t.Fatalf("assembly = %s, want processing after ledger failure", st.Status)
	}

	h.ledger.mu.Lock()
	h.ledger.err = nil
	h.ledger.mu.Unlock()
	if retry := h.rec.Handle(context.Background(), body, sig); retry.Outcome != OutcomeApplied {
		t.Fatalf("retry = %+v", retry)
	}
	if h.ledger.usedBy("user-1") != 1 {
		t.Fatal("retry did not record usage")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	sig := Sign(secret, body)
	cases := []struct {
		name   string
		secret []byte
		header string
		want   bool
	}{
		{name: "valid", secret: secret, header: sig, want: true},
		{name: "prefixed", secret: secret, header: "sha256=" + sig, want: true},
		{name: "wrong_secret", secret: []byte("other"), header: sig, want: false},
		{name: "empty_header", secret: secret, header: "", want: false},
		{name: "not_hex", secret: secret, header: "zz", want: false},
		{name: "truncated", secret: secret, header: sig[:10], want: false},
		{name: "empty_secret", secret: nil, header: sig, want: false},
	}
	for _, tc := range cases {
		if got := Verify(tc.secret, body, tc.header); got != tc.want {
			t.Fatalf("%s: Verify = %v, want %v", tc.name, got, tc.want)
		}
	}
}
