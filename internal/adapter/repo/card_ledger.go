package repo

import (
	"context"
	"errors"
	"fmt"

	"heartcards/internal/domain"
	"heartcards/internal/infra"
	"heartcards/internal/sqlinline"
)

// CardLedgerPG records finished renders and card usage in PostgreSQL.
type CardLedgerPG struct {
	sql infra.SQLExecutor
}

// NewCardLedger creates a ledger backed by the given executor.
func NewCardLedger(sql infra.SQLExecutor) *CardLedgerPG {
	return &CardLedgerPG{sql: sql}
}

// ApplyRender records a completed render and increments the owner's counters.
// It reports false when the event was already recorded.
func (r *CardLedgerPG) ApplyRender(ctx context.Context, ev domain.RenderEvent) (bool, error) {
	if ev.EventID == "" || ev.UserID == "" {
		return false, errors.New("ledger: event id and user id are required")
	}
	row := r.sql.QueryRow(ctx, sqlinline.QApplyRenderEvent,
		ev.Provider,
		ev.EventID,
		ev.RequestID,
		ev.UserID,
		ev.DownloadURL,
		nullableBytes(ev.Payload),
	)
	var applied int
	if err := row.Scan(&applied); err != nil {
		return false, fmt.Errorf("ledger: apply render: %w", err)
	}
	return applied > 0, nil
}

// RecordFailure stores a failed render for audit without touching counters.
func (r *CardLedgerPG) RecordFailure(ctx context.Context, ev domain.RenderEvent) error {
	if ev.EventID == "" || ev.UserID == "" {
		return errors.New("ledger: event id and user id are required")
	}
	_, err := r.sql.Exec(ctx, sqlinline.QRecordFailedRenderEvent,
		ev.Provider,
		ev.EventID,
		ev.RequestID,
		ev.UserID,
		ev.ErrorDetail,
		nullableBytes(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("ledger: record failure: %w", err)
	}
	return nil
}

// Seen reports whether the ledger already holds the provider event.
func (r *CardLedgerPG) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectWebhookEventExists, provider, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("ledger: lookup event: %w", err)
	}
	return seen, nil
}

// Counters returns the card counters for a user.
func (r *CardLedgerPG) Counters(ctx context.Context, userID string) (domain.CardCounters, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectUserCardCounters, userID)
	var c domain.CardCounters
	if err := row.Scan(&c.Used, &c.Mailed); err != nil {
		if infra.IsNoRows(err) {
			return domain.CardCounters{}, domain.ErrNotFound
		}
		return domain.CardCounters{}, err
	}
	return c, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
