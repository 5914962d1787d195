package stages

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/providers/poetry"
)

// PoetryProvider is the synchronous text-generation service.
type PoetryProvider interface {
	Compose(ctx context.Context, req poetry.VerseRequest) (string, error)
}

// PoetryResult is the two-part verse carried by the poetry and refinement stages.
type PoetryResult struct {
	Front  string    `json:"front"`
	Inside string    `json:"inside"`
	Split  SplitMode `json:"split"`
}

// PoetryAdapter writes the verse in one request/response call.
type PoetryAdapter struct {
	provider PoetryProvider
	marker   string
	logger   *zerolog.Logger
}

// NewPoetryAdapter builds the adapter. An empty marker uses poetry.PageBreak.
func NewPoetryAdapter(provider PoetryProvider, marker string, logger *zerolog.Logger) *PoetryAdapter {
	if marker == "" {
		marker = poetry.PageBreak
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &PoetryAdapter{provider: provider, marker: marker, logger: logger}
}

func (a *PoetryAdapter) Stage() domain.StageID { return domain.StagePoetry }

func (a *PoetryAdapter) Run(ctx context.Context, in Input) (Result, error) {
	req := in.Request
	text, err := a.provider.Compose(ctx, poetry.VerseRequest{
		Tone:            string(domain.NormalizeTone(string(req.Tone))),
		Occasion:        req.Occasion.Label(),
		PersonalMessage: req.PersonalMessage,
		RecipientName:   req.Recipient.Name,
		Relationship:    req.Recipient.Relationship,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, newError(domain.StagePoetry, KindCanceled, err)
		case errors.Is(err, poetry.ErrMalformedResponse):
			return Result{}, newError(domain.StagePoetry, KindMalformedResponse, err)
		}
		return Result{}, newError(domain.StagePoetry, KindSubmissionFailure, err)
	}
	front, inside, mode, err := SplitVerse(text, a.marker)
	if err != nil {
		return Result{}, newError(domain.StagePoetry, KindMalformedResponse, err)
	}
	if mode == SplitFallback {
		a.logger.Warn().Str("request_id", req.ID).Msg("poetry: page break missing, split by line count")
	}
	out := PoetryResult{Front: front, Inside: inside, Split: mode}
	return Result{
		Payload: out,
		Preview: domain.PreviewHint{Type: "text", Content: front + "\n\n" + inside, Title: "Verse"},
	}, nil
}

// RefinementAdapter normalizes the verse. It stays a separate stage so a
// grammar provider can be substituted later.
type RefinementAdapter struct {
	refine func(string) string
}

// NewRefinementAdapter builds the adapter. A nil refine uses NormalizeVerse.
func NewRefinementAdapter(refine func(string) string) *RefinementAdapter {
	if refine == nil {
		refine = NormalizeVerse
	}
	return &RefinementAdapter{refine: refine}
}

func (a *RefinementAdapter) Stage() domain.StageID { return domain.StageRefinement }

func (a *RefinementAdapter) Run(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, newError(domain.StageRefinement, KindCanceled, err)
	}
	verse, err := previous[PoetryResult](in, domain.StageRefinement, domain.StagePoetry)
	if err != nil {
		return Result{}, err
	}
	out := PoetryResult{
		Front:  a.refine(verse.Front),
		Inside: a.refine(verse.Inside),
		Split:  verse.Split,
	}
	if out.Front == "" || out.Inside == "" {
		return Result{}, newError(domain.StageRefinement, KindMalformedResponse, errors.New("refined verse is empty"))
	}
	return Result{
		Payload: out,
		Preview: domain.PreviewHint{Type: "text", Content: out.Front + "\n\n" + out.Inside, Title: "Final verse"},
	}, nil
}
