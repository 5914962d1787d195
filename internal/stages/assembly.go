package stages

import (
	"context"
	"errors"

	"heartcards/internal/domain"
	"heartcards/internal/providers/assembly"
)

// AssemblyProvider is the template rendering service.
type AssemblyProvider interface {
	Submit(ctx context.Context, req assembly.RenderRequest) (*assembly.Receipt, error)
}

// AssemblyResult is the payload of the assembly stage. While Pending the
// download URL is empty and RenderID identifies the provider job.
type AssemblyResult struct {
	DownloadURL string `json:"download_url,omitempty"`
	RenderID    string `json:"render_id,omitempty"`
	Pending     bool   `json:"pending"`
}

// AssemblyAdapter submits the finished content for rendering.
type AssemblyAdapter struct {
	provider   AssemblyProvider
	webhookURL string
}

// NewAssemblyAdapter builds the adapter. webhookURL is registered with every
// submission so asynchronous renders can report back.
func NewAssemblyAdapter(provider AssemblyProvider, webhookURL string) *AssemblyAdapter {
	return &AssemblyAdapter{provider: provider, webhookURL: webhookURL}
}

func (a *AssemblyAdapter) Stage() domain.StageID { return domain.StageAssembly }

func (a *AssemblyAdapter) Run(ctx context.Context, in Input) (Result, error) {
	art, err := previous[ArtworkResult](in, domain.StageAssembly, domain.StageArtwork)
	if err != nil {
		return Result{}, err
	}
	verse, err := previous[PoetryResult](in, domain.StageAssembly, domain.StageRefinement)
	if err != nil {
		return Result{}, err
	}
	req := in.Request
	addr := req.Recipient.Address
	receipt, err := a.provider.Submit(ctx, assembly.RenderRequest{
		RequestID:  req.ID,
		UserID:     req.UserID,
		FrontImage: art.ImageURL,
		FrontText:  verse.Front,
		InsideText: verse.Inside,
		Recipient: assembly.Recipient{
			Name: req.Recipient.Name,
			Address: assembly.Address{
				Line1:      addr.Line1,
				Line2:      addr.Line2,
				City:       addr.City,
				State:      addr.State,
				PostalCode: addr.PostalCode,
				Country:    addr.Country,
			},
		},
		WebhookURL: a.webhookURL,
	})
	if err != nil {
		var failed *assembly.RenderFailedError
		switch {
		case errors.As(err, &failed):
			return Result{}, newError(domain.StageAssembly, KindProviderFailure, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, newError(domain.StageAssembly, KindCanceled, err)
		case errors.Is(err, assembly.ErrMalformedResponse):
			return Result{}, newError(domain.StageAssembly, KindMalformedResponse, err)
		}
		return Result{}, newError(domain.StageAssembly, KindSubmissionFailure, err)
	}
	if receipt == nil {
		return Result{}, newError(domain.StageAssembly, KindMalformedResponse, errors.New("empty receipt"))
	}
	out := AssemblyResult{DownloadURL: receipt.DownloadURL, RenderID: receipt.ID, Pending: receipt.Pending}
	if out.Pending {
		return Result{
			Payload: out,
			Preview: domain.PreviewHint{Type: "status", Content: "Rendering your card", Title: "Assembly"},
			Pending: true,
		}, nil
	}
	return Result{
		Payload: out,
		Preview: domain.PreviewHint{Type: "download", Content: out.DownloadURL, Title: "Print-ready card"},
	}, nil
}
