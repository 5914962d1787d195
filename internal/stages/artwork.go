package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/poller"
	"heartcards/internal/providers/artwork"
)

// Portrait 5x7 card front at the provider's preferred multiple of 64.
const (
	CardWidth  = 832
	CardHeight = 1216
)

// ArtworkProvider is the polled image-generation service.
type ArtworkProvider interface {
	Submit(ctx context.Context, req artwork.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*artwork.Status, error)
	Download(ctx context.Context, imageURL string) ([]byte, string, error)
}

// Mirror stores a copy of generated artwork under a stable key.
type Mirror interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// ArtworkOptions configures the artwork stage.
type ArtworkOptions struct {
	Provider ArtworkProvider
	Poll     poller.Options
	Width    int
	Height   int
	// Mirror and MirrorBaseURL are optional. When both are set the image is
	// copied and served from MirrorBaseURL/<key>.
	Mirror        Mirror
	MirrorBaseURL string
	Logger        *zerolog.Logger
}

// ArtworkResult is the payload of a completed artwork stage.
type ArtworkResult struct {
	ImageURL  string `json:"image_url"`
	SourceURL string `json:"source_url"`
	JobID     string `json:"job_id"`
	Attempts  int    `json:"attempts"`
	Prompt    string `json:"prompt"`
}

// ArtworkAdapter generates the card front through a polled job.
type ArtworkAdapter struct {
	opts   ArtworkOptions
	logger *zerolog.Logger
}

// NewArtworkAdapter builds the adapter.
func NewArtworkAdapter(opts ArtworkOptions) *ArtworkAdapter {
	if opts.Width <= 0 {
		opts.Width = CardWidth
	}
	if opts.Height <= 0 {
		opts.Height = CardHeight
	}
	opts.MirrorBaseURL = strings.TrimRight(opts.MirrorBaseURL, "/")
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	if opts.Poll.Logger == nil {
		opts.Poll.Logger = logger
	}
	return &ArtworkAdapter{opts: opts, logger: logger}
}

func (a *ArtworkAdapter) Stage() domain.StageID { return domain.StageArtwork }

func (a *ArtworkAdapter) Run(ctx context.Context, in Input) (Result, error) {
	prompt := BuildArtworkPrompt(in.Request)
	submit := func(ctx context.Context) (string, error) {
		return a.opts.Provider.Submit(ctx, artwork.SubmitRequest{
			Prompt:         prompt,
			NegativePrompt: artworkNegativePrompt,
			Width:          a.opts.Width,
			Height:         a.opts.Height,
		})
	}
	check := func(ctx context.Context, jobID string) (poller.Check[string], error) {
		st, err := a.opts.Provider.Status(ctx, jobID)
		if err != nil {
			return poller.Check[string]{}, err
		}
		switch st.State {
		case artwork.StateComplete:
			return poller.Check[string]{State: poller.StateComplete, Payload: st.FirstImageURL()}, nil
		case artwork.StateFailed:
			return poller.Check[string]{State: poller.StateFailed, Reason: st.Reason}, nil
		}
		return poller.Check[string]{State: poller.StateRunning}, nil
	}

	res, err := poller.Poll(ctx, submit, check, a.opts.Poll)
	if err != nil {
		return Result{}, fromPollError(domain.StageArtwork, err)
	}
	if res.Payload == "" {
		return Result{}, newError(domain.StageArtwork, KindMalformedResponse, errors.New("completed job has no image url"))
	}

	out := ArtworkResult{
		ImageURL:  res.Payload,
		SourceURL: res.Payload,
		JobID:     res.Job.ID,
		Attempts:  res.Job.AttemptsMade,
		Prompt:    prompt,
	}
	if mirrored, err := a.mirror(ctx, in.Request.ID, res.Payload); err != nil {
		a.logger.Warn().Err(err).Str("request_id", in.Request.ID).Msg("artwork: mirror failed, keeping provider url")
	} else if mirrored != "" {
		out.ImageURL = mirrored
	}
	return Result{
		Payload: out,
		Preview: domain.PreviewHint{Type: "image", Content: out.ImageURL, Title: "Card front"},
	}, nil
}

func (a *ArtworkAdapter) mirror(ctx context.Context, requestID, imageURL string) (string, error) {
	if a.opts.Mirror == nil || a.opts.MirrorBaseURL == "" {
		return "", nil
	}
	data, mime, err := a.opts.Provider.Download(ctx, imageURL)
	if err != nil {
		return "", err
	}
	key, err := a.opts.Mirror.Write(ctx, fmt.Sprintf("cards/%s/front.%s", requestID, extensionFor(mime)), data)
	if err != nil {
		return "", err
	}
	return a.opts.MirrorBaseURL + "/" + key, nil
}

func extensionFor(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

const artworkNegativePrompt = "text, letters, words, watermark, signature, blurry, low quality"

var toneMoods = map[domain.Tone]string{
	domain.ToneHeartfelt: "warm, tender, soft light",
	domain.ToneFunny:     "playful, whimsical, cartoon-like",
	domain.ToneFormal:    "elegant, refined, minimal",
	domain.ToneRomantic:  "romantic, dreamy, rose and gold hues",
	domain.TonePlayful:   "bright, cheerful, bold colors",
}

// BuildArtworkPrompt renders the image prompt for a card front.
func BuildArtworkPrompt(req domain.GenerationRequest) string {
	occasion := req.Occasion.Label()
	if occasion == "" {
		occasion = "special occasion"
	}
	mood := toneMoods[domain.NormalizeTone(string(req.Tone))]
	return fmt.Sprintf("Illustrated greeting card front for a %s, %s mood, portrait composition with open space at the top, no text", occasion, mood)
}
