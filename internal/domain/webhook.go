package domain

// WebhookStatus is the terminal status reported by the assembly provider.
type WebhookStatus string

const (
	WebhookCompleted WebhookStatus = "completed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookMetadata is echoed back by the assembly provider and identifies
// the owning GenerationRequest.
type WebhookMetadata struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

// WebhookEvent is one inbound notification from the assembly provider.
type WebhookEvent struct {
	ID          string          `json:"id"`
	Status      WebhookStatus   `json:"status"`
	DownloadURL string          `json:"download_url,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    WebhookMetadata `json:"metadata"`
}

// RenderEvent is what the card ledger records for one finished render.
type RenderEvent struct {
	Provider    string
	EventID     string
	RequestID   string
	UserID      string
	DownloadURL string
	ErrorDetail string
	Payload     []byte
}

// CardCounters are the per-user card usage counters.
type CardCounters struct {
	Used   int `json:"cards_used"`
	Mailed int `json:"cards_mailed"`
}
