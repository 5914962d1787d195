// Package poetry calls a chat-completions text provider to write card verse.
package poetry

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
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"heartcards/internal/infra"
)

// PageBreak separates the front verse from the inside verse in provider output.
const PageBreak = "[PAGE BREAK]"

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("poetry: api key is required")

// ErrMalformedResponse marks a success response that could not be decoded.
var ErrMalformedResponse = errors.New("poetry: malformed response")

// ErrEmptyResponse is returned when the provider answered without any text.
var ErrEmptyResponse = fmt.Errorf("%w: no text", ErrMalformedResponse)

// Options configures the poetry client.
type Options struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	Temperature  float64
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

// Client composes verse through a chat-completions endpoint.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	temperature  float64
	client       *http.Client
	logger       *infra.Logger
}

// VerseRequest is everything the provider needs to write one card.
type VerseRequest struct {
	Tone            string
	Occasion        string
	PersonalMessage string
	RecipientName   string
	Relationship    string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.8
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        model,
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		temperature:  temperature,
		client:       client,
		logger:       logger,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Compose asks the provider for a two-part verse and returns the raw text.
// Splitting on PageBreak is left to the caller.
func (c *Client) Compose(ctx context.Context, req VerseRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	payload := chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(req)},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("poetry: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return "", fmt.Errorf("poetry: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", c.organization)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("poetry: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("poetry: read response: %w", err)
	}
	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("poetry: status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("poetry: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrMalformedResponse, decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug().Str("model", c.model).Int("chars", len(text)).Msg("poetry: verse composed")
	return text, nil
}

const systemPrompt = "You write short, warm greeting card verse. Reply with plain text only."

// BuildPrompt renders the user message sent to the provider.
func BuildPrompt(req VerseRequest) string {
	var b strings.Builder
	titleCaser := cases.Title(language.English)
	occasion := strings.ReplaceAll(strings.TrimSpace(req.Occasion), "_", " ")
	if occasion == "" {
		occasion = "special occasion"
	}
	tone := strings.TrimSpace(req.Tone)
	if tone == "" {
		tone = "heartfelt"
	}
	fmt.Fprintf(&b, "Write a %s %s card", tone, titleCaser.String(occasion))
	if name := strings.TrimSpace(req.RecipientName); name != "" {
		fmt.Fprintf(&b, " for %s", titleCaser.String(name))
		if rel := strings.TrimSpace(req.Relationship); rel != "" {
			fmt.Fprintf(&b, " (my %s)", strings.ToLower(rel))
		}
	}
	b.WriteString(".\n")
	if msg := strings.TrimSpace(req.PersonalMessage); msg != "" {
		fmt.Fprintf(&b, "Work in this personal note from the sender: %q\n", msg)
	}
	b.WriteString("Write two parts: a short line or couplet for the front of the card, then a longer verse for the inside. ")
	fmt.Fprintf(&b, "Put %s on its own line between the two parts.", PageBreak)
	return b.String()
}
