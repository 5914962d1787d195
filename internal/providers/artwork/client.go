// Package artwork talks to the polled image-generation provider used for
// the card front.
package artwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"heartcards/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("artwork: api key is required")

// Provider job states. Anything else means the job is still running.
const (
	StateComplete = "COMPLETE"
	StateFailed   = "FAILED"
)

const defaultBaseURL = "https://cloud.leonardo.ai/api/rest/v1"

// Options configures the artwork client.
type Options struct {
	APIKey         string
	BaseURL        string
	ModelID        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client submits generations and checks their status.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// SubmitRequest captures the inputs of one generation.
type SubmitRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           int
}

// Image is one generated image reported by the provider.
type Image struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Status is the provider's view of a generation job.
type Status struct {
	State  string
	Images []Image
	Reason string
}

type generationRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ModelID        string `json:"modelId,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	NumImages      int    `json:"num_images"`
	Seed           *int   `json:"seed,omitempty"`
}

type generationResponse struct {
	Job struct {
		GenerationID string `json:"generationId"`
	} `json:"sdGenerationJob"`
}

type statusResponse struct {
	Generation struct {
		Status          string  `json:"status"`
		GeneratedImages []Image `json:"generated_images"`
		FailureReason   string  `json:"failure_reason"`
	} `json:"generations_by_pk"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      strings.TrimSpace(opts.ModelID),
		httpClient: httpClient,
		logger:     logger,
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

// Submit starts a generation and returns the provider job id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("artwork: prompt is required")
	}
	payload := generationRequest{
		Prompt:         prompt,
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		ModelID:        c.model,
		Width:          req.Width,
		Height:         req.Height,
		NumImages:      1,
	}
	if req.Seed > 0 {
		seed := req.Seed
		payload.Seed = &seed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("artwork: encode request: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/generations", body)
	if err != nil {
		return "", err
	}
	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("artwork: decode response: %w", err)
	}
	id := strings.TrimSpace(decoded.Job.GenerationID)
	if id == "" {
		return "", errors.New("artwork: response carried no generation id")
	}
	c.logger.Debug().Str("job_id", id).Str("model", c.model).Msg("artwork: generation submitted")
	return id, nil
}

// Status fetches the current state of a generation.
func (c *Client) Status(ctx context.Context, jobID string) (*Status, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/generations/" + url.PathEscape(jobID)
	raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("artwork: decode status: %w", err)
	}
	return &Status{
		State:  strings.ToUpper(strings.TrimSpace(decoded.Generation.Status)),
		Images: decoded.Generation.GeneratedImages,
		Reason: decoded.Generation.FailureReason,
	}, nil
}

// Download fetches a generated image and reports its content type.
func (c *Client) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, "", fmt.Errorf("artwork: invalid image url: %s", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("artwork: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("artwork: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("artwork: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("artwork: read image: %w", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = "image/png"
	}
	return data, format, nil
}

// FirstImageURL returns the first non-empty image url of a status.
func (s *Status) FirstImageURL() string {
	for _, img := range s.Images {
		if u := strings.TrimSpace(img.URL); u != "" {
			return u
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("artwork: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("artwork: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("artwork: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error != "" {
			return nil, fmt.Errorf("artwork: status %d: %s", resp.StatusCode, detail.Error)
		}
		return nil, fmt.Errorf("artwork: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
