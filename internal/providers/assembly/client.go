// Package assembly submits finished card content to the template rendering
// provider. Renders either finish inline or are completed later by webhook.
package assembly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"heartcards/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("assembly: api key is required")

// ErrNotConfigured is returned when no base URL was configured.
var ErrNotConfigured = errors.New("assembly: base url is required")

// ErrMalformedResponse marks a success response the client could not interpret.
var ErrMalformedResponse = errors.New("assembly: malformed response")

// Options configures the assembly client.
type Options struct {
	APIKey         string
	BaseURL        string
	TemplateID     string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client renders cards through the provider's render endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	templateID string
	httpClient *http.Client
	logger     *infra.Logger
}

// Address is the mailing address printed on the envelope.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Recipient is the metadata the provider needs to address the card.
type Recipient struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

// RenderRequest is one assembly submission.
type RenderRequest struct {
	RequestID  string
	UserID     string
	FrontImage string
	FrontText  string
	InsideText string
	Recipient  Recipient
	WebhookURL string
}

// Receipt is what the provider answered. Pending receipts carry no download URL.
type Receipt struct {
	ID          string
	DownloadURL string
	Pending     bool
}

type renderPayload struct {
	TemplateID string         `json:"template_id,omitempty"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Layers     renderLayers   `json:"layers"`
	Recipient  Recipient      `json:"recipient"`
	Metadata   renderMetadata `json:"metadata"`
}

type renderLayers struct {
	FrontImage string `json:"front_image"`
	FrontText  string `json:"front_text,omitempty"`
	InsideText string `json:"inside_text"`
}

type renderMetadata struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

type renderResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
	Error       string `json:"error"`
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		templateID: strings.TrimSpace(opts.TemplateID),
		httpClient: httpClient,
		logger:     logger,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.baseURL != ""
}

// Submit sends a render request. A completed render returns its download URL;
// a queued or pending render returns a receipt with Pending set.
func (c *Client) Submit(ctx context.Context, req RenderRequest) (*Receipt, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(req.FrontImage) == "" {
		return nil, errors.New("assembly: front image is required")
	}
	payload := renderPayload{
		TemplateID: c.templateID,
		WebhookURL: req.WebhookURL,
		Layers: renderLayers{
			FrontImage: req.FrontImage,
			FrontText:  req.FrontText,
			InsideText: req.InsideText,
		},
		Recipient: req.Recipient,
		Metadata:  renderMetadata{RequestID: req.RequestID, UserID: req.UserID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("assembly: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/renders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("assembly: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("assembly: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("assembly: read response: %w", err)
	}
	var decoded renderResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && decoded.Error != "" {
			return nil, fmt.Errorf("assembly: status %d: %s", resp.StatusCode, decoded.Error)
		}
		return nil, fmt.Errorf("assembly: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, decodeErr)
	}

	receipt := &Receipt{ID: strings.TrimSpace(decoded.ID)}
	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case "completed", "complete", "succeeded":
		if strings.TrimSpace(decoded.DownloadURL) == "" {
			return nil, fmt.Errorf("%w: completed render without download url", ErrMalformedResponse)
		}
		receipt.DownloadURL = strings.TrimSpace(decoded.DownloadURL)
	case "pending", "queued", "processing", "":
		if decoded.DownloadURL != "" {
			receipt.DownloadURL = strings.TrimSpace(decoded.DownloadURL)
			break
		}
		if receipt.ID == "" {
			return nil, fmt.Errorf("%w: pending render without id", ErrMalformedResponse)
		}
		receipt.Pending = true
	case "failed", "error":
		return nil, &RenderFailedError{ID: receipt.ID, Detail: decoded.Error}
	default:
		return nil, fmt.Errorf("%w: unexpected render status %q", ErrMalformedResponse, decoded.Status)
	}
	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("render_id", receipt.ID).
		Bool("pending", receipt.Pending).
		Msg("assembly: render submitted")
	return receipt, nil
}

// RenderFailedError reports a render the provider rejected inline.
type RenderFailedError struct {
	ID     string
	Detail string
}

func (e *RenderFailedError) Error() string {
	if e.Detail == "" {
		return "assembly: render failed"
	}
	return "assembly: render failed: " + e.Detail
}
