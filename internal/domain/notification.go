package domain

// NotificationKind distinguishes success and failure emails.
type NotificationKind string

const (
	NotifyCardReady  NotificationKind = "card_ready"
	NotifyCardFailed NotificationKind = "card_failed"
)

// Notification is handed to the notification sink when a run becomes terminal.
type Notification struct {
	Kind        NotificationKind
	Request     GenerationRequest
	DownloadURL string
	Stage       StageID
	Detail      string
}
