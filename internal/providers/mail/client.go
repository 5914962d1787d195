// Package mail sends transactional email through the SendGrid v3 API.
package mail

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
	"golang.org/x/time/rate"

	"heartcards/internal/infra"
)

var (
	// ErrMissingAPIKey indicates that the client was configured without credentials.
	ErrMissingAPIKey = errors.New("mail: api key is required")
	// ErrRateLimited is returned when the local send budget or the upstream
	// API rejects a send. Callers log it and move on.
	ErrRateLimited = errors.New("mail: rate limited")
)

// Options configures the mail client.
type Options struct {
	APIKey        string
	BaseURL       string
	FromEmail     string
	FromName      string
	RatePerMinute int
	HTTPClient    *http.Client
	Logger        *infra.Logger
}

// Client is a SendGrid mail-send client with a client-side send budget.
type Client struct {
	apiKey     string
	baseURL    string
	from       Address
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *infra.Logger
}

// Address is an email address with an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Message is one outbound email.
type Message struct {
	To      Address
	Subject string
	HTML    string
	Text    string
}

type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             Address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

type personalization struct {
	To []Address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// NewClient constructs a client. A RatePerMinute of zero disables the local budget.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		from:       Address{Email: strings.TrimSpace(opts.FromEmail), Name: strings.TrimSpace(opts.FromName)},
		limiter:    limiter,
		httpClient: httpClient,
		logger:     logger,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Send delivers one message. It never waits for budget to free up.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if !c.HasCredentials() {
		return ErrMissingAPIKey
	}
	if c.from.Email == "" {
		return errors.New("mail: sender address is required")
	}
	to := Address{Email: strings.TrimSpace(msg.To.Email), Name: strings.TrimSpace(msg.To.Name)}
	if to.Email == "" {
		return errors.New("mail: recipient address is required")
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		return errors.New("mail: subject is required")
	}
	var parts []content
	if t := strings.TrimSpace(msg.Text); t != "" {
		parts = append(parts, content{Type: "text/plain", Value: t})
	}
	if h := strings.TrimSpace(msg.HTML); h != "" {
		parts = append(parts, content{Type: "text/html", Value: h})
	}
	if len(parts) == 0 {
		return errors.New("mail: text or html body is required")
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	wire := sendRequest{
		Personalizations: []personalization{{To: []Address{to}}},
		From:             c.from,
		Subject:          subject,
		Content:          parts,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(wire); err != nil {
		return fmt.Errorf("mail: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", &buf)
	if err != nil {
		return fmt.Errorf("mail: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: upstream status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && len(detail.Errors) > 0 && detail.Errors[0].Message != "" {
			return fmt.Errorf("mail: status %d: %s", resp.StatusCode, detail.Errors[0].Message)
		}
		return fmt.Errorf("mail: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	c.logger.Debug().
		Str("to", to.Email).
		Str("message_id", resp.Header.Get("X-Message-Id")).
		Msg("mail: message accepted")
	return nil
}
