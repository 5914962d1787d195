package handlers

import (
	"io"
	"net/http"

	"heartcards/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20

type webhookReply struct {
	Outcome webhook.Outcome `json:"outcome"`
	Message string          `json:"message,omitempty"`
}

// AssemblyWebhook passes the raw body to the reconciler so the signature is
// checked against exactly the bytes the provider sent.
func (a *App) AssemblyWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", "webhook body too large")
		return
	}
	resp := a.Webhooks.Handle(r.Context(), raw, r.Header.Get(webhook.SignatureHeader))
	a.json(w, resp.Status, webhookReply{Outcome: resp.Outcome, Message: resp.Message})
}
