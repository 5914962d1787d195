package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"heartcards/internal/domain"
	"heartcards/internal/sqlinline"
)

// fakeLedgerSQL emulates the ledger tables closely enough to exercise the
// unique (provider, provider_event_id) constraint.
type fakeLedgerSQL struct {
	events   map[string]string
	counters map[string]*domain.CardCounters
	err      error
}

func newFakeLedgerSQL() *fakeLedgerSQL {
	return &fakeLedgerSQL{
		events:   map[string]string{},
		counters: map[string]*domain.CardCounters{},
	}
}

func (f *fakeLedgerSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if query != sqlinline.QRecordFailedRenderEvent {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected query: %s", query)
	}
	key := args[0].(string) + "/" + args[1].(string)
	if _, ok := f.events[key]; !ok {
		f.events[key] = "failed"
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeLedgerSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	if f.err != nil {
		return scanRow{err: f.err}
	}
	switch query {
	case sqlinline.QApplyRenderEvent:
		key := args[0].(string) + "/" + args[1].(string)
		if _, ok := f.events[key]; ok {
			return scanRow{values: []any{0}}
		}
		f.events[key] = "completed"
		c, ok := f.counters[args[3].(string)]
		if !ok {
			return scanRow{values: []any{0}}
		}
		c.Used++
		c.Mailed++
		return scanRow{values: []any{1}}
	case sqlinline.QSelectWebhookEventExists:
		_, ok := f.events[args[0].(string)+"/"+args[1].(string)]
		return scanRow{values: []any{ok}}
	case sqlinline.QSelectUserCardCounters:
		c, ok := f.counters[args[0].(string)]
		if !ok {
			return scanRow{err: pgx.ErrNoRows}
		}
		return scanRow{values: []any{c.Used, c.Mailed}}
	}
	return scanRow{err: fmt.Errorf("unexpected query: %s", query)}
}

func (f *fakeLedgerSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type scanRow struct {
	values []any
	err    error
}

func (r scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: got %d dest for %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		switch ptr := dest[i].(type) {
		case *int:
			*ptr = v.(int)
		case *bool:
			*ptr = v.(bool)
		default:
			return fmt.Errorf("scan: dest %d is %T", i, dest[i])
		}
	}
	return nil
}

func TestApplyRenderIsIdempotentPerEvent(t *testing.T) {
	db := newFakeLedgerSQL()
	db.counters["user-1"] = &domain.CardCounters{}
	ledger := NewCardLedger(db)
	ev := domain.RenderEvent{Provider: "assembly", EventID: "render-1", RequestID: "req-1", UserID: "user-1", DownloadURL: "https://cdn.example.com/card.pdf"}

	applied, err := ledger.ApplyRender(context.Background(), ev)
	if err != nil {
		t.Fatalf("ApplyRender error: %v", err)
	}
	if !applied {
		t.Fatal("first delivery should be applied")
	}
	applied, err = ledger.ApplyRender(context.Background(), ev)
	if err != nil {
		t.Fatalf("ApplyRender error: %v", err)
	}
	if applied {
		t.Fatal("replayed delivery should not be applied")
	}

	counters, err := ledger.Counters(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Counters error: %v", err)
	}
	if counters.Used != 1 || counters.Mailed != 1 {
		t.Fatalf("counters = %+v, want used=1 mailed=1", counters)
	}
}

func TestRecordFailureDoesNotTouchCounters(t *testing.T) {
	db := newFakeLedgerSQL()
	db.counters["user-1"] = &domain.CardCounters{Used: 2, Mailed: 2}
	ledger := NewCardLedger(db)
	err := ledger.RecordFailure(context.Background(), domain.RenderEvent{Provider: "assembly", EventID: "render-9", RequestID: "req-9", UserID: "user-1", ErrorDetail: "font missing"})
	if err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	counters, _ := ledger.Counters(context.Background(), "user-1")
	if counters.Used != 2 {
		t.Fatalf("failed render must not consume a card, used = %d", counters.Used)
	}
}

func TestSeenCoversCompletedAndFailedEvents(t *testing.T) {
	db := newFakeLedgerSQL()
	db.counters["user-1"] = &domain.CardCounters{}
	ledger := NewCardLedger(db)
	ctx := context.Background()
	if _, err := ledger.ApplyRender(ctx, domain.RenderEvent{Provider: "assembly", EventID: "render-1", UserID: "user-1"}); err != nil {
		t.Fatalf("ApplyRender error: %v", err)
	}
	if err := ledger.RecordFailure(ctx, domain.RenderEvent{Provider: "assembly", EventID: "render-2", UserID: "user-1"}); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	for _, tc := range []struct {
		provider, event string
		want            bool
	}{
		{"assembly", "render-1", true},
		{"assembly", "render-2", true},
		{"assembly", "render-3", false},
		{"other", "render-1", false},
	} {
		got, err := ledger.Seen(ctx, tc.provider, tc.event)
		if err != nil {
			t.Fatalf("Seen error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Seen(%s, %s) = %v, want %v", tc.provider, tc.event, got, tc.want)
		}
	}

	db.err = errors.New("connection reset")
	if _, err := ledger.Seen(ctx, "assembly", "render-1"); err == nil {
		t.Fatal("expected error when the query fails")
	}
}

func TestCountersNotFound(t *testing.T) {
	ledger := NewCardLedger(newFakeLedgerSQL())
	if _, err := ledger.Counters(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestApplyRenderRequiresIdentifiers(t *testing.T) {
	ledger := NewCardLedger(newFakeLedgerSQL())
	if _, err := ledger.ApplyRender(context.Background(), domain.RenderEvent{EventID: "x"}); err == nil {
		t.Fatal("expected error without user id")
	}
}
