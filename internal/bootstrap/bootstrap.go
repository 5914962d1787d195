// Package bootstrap assembles the card pipeline from configuration.
package bootstrap

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"heartcards/internal/adapter/repo"
	"heartcards/internal/infra"
	"heartcards/internal/infra/credentials"
	"heartcards/internal/notify"
	"heartcards/internal/pipeline"
	"heartcards/internal/poller"
	"heartcards/internal/providers/artwork"
	"heartcards/internal/providers/assembly"
	"heartcards/internal/providers/mail"
	"heartcards/internal/providers/poetry"
	"heartcards/internal/stages"
	"heartcards/internal/storage"
	"heartcards/internal/webhook"
)

const assemblyProvider = "assembly"

// Components are the long-lived pieces shared by the HTTP API and the CLI.
type Components struct {
	Orchestrator *pipeline.Orchestrator
	Reconciler   *webhook.Reconciler
	Sweeper      *pipeline.Sweeper
	Ledger       *repo.CardLedgerPG
	Sink         *notify.Sink
	Files        *storage.FileStore
}

// Build wires providers, stage adapters, the orchestrator and the webhook
// reconciler. Missing provider keys are logged, not fatal: the affected
// stage fails at run time with a submission failure.
func Build(ctx context.Context, cfg *infra.Config, sql infra.SQLExecutor, logger *infra.Logger) (*Components, error) {
	creds := credentials.NewStore(sql)
	key := func(provider, configured string) string {
		resolved, err := creds.Resolve(ctx, provider, configured)
		if err != nil {
			logger.Warn().Err(err).Str("provider", provider).Msg("bootstrap: could not load stored api key")
			return strings.TrimSpace(configured)
		}
		if resolved == "" {
			logger.Warn().Str("provider", provider).Msg("bootstrap: api key missing")
		}
		return resolved
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	artClient := artwork.NewClient(artwork.Options{
		APIKey:     key(credentials.ProviderArtwork, cfg.ArtworkAPIKey),
		BaseURL:    cfg.ArtworkBaseURL,
		ModelID:    cfg.ArtworkModel,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	poetClient := poetry.NewClient(poetry.Options{
		APIKey:       key(credentials.ProviderPoetry, cfg.PoetryAPIKey),
		Model:        cfg.PoetryModel,
		BaseURL:      cfg.PoetryBaseURL,
		Organization: cfg.PoetryOrg,
		HTTPClient:   httpClient,
		Logger:       logger,
	})
	asmClient := assembly.NewClient(assembly.Options{
		APIKey:     key(credentials.ProviderAssembly, cfg.AssemblyAPIKey),
		BaseURL:    cfg.AssemblyBaseURL,
		TemplateID: cfg.AssemblyTemplateID,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if cfg.AssemblyBaseURL == "" {
		logger.Warn().Msg("bootstrap: ASSEMBLY_BASE_URL not set, assembly will fail")
	}

	var mailer notify.Mailer
	if sendgridKey := key(credentials.ProviderSendGrid, cfg.SendGridAPIKey); sendgridKey != "" && cfg.MailFromEmail != "" {
		mailer = mail.NewClient(mail.Options{
			APIKey:        sendgridKey,
			BaseURL:       cfg.SendGridBaseURL,
			FromEmail:     cfg.MailFromEmail,
			FromName:      cfg.MailFromName,
			RatePerMinute: cfg.MailRatePerMinute,
			HTTPClient:    httpClient,
			Logger:        logger,
		})
	} else {
		logger.Warn().Msg("bootstrap: email notifications disabled")
	}
	sink := notify.NewSink(mailer, logger)

	artOpts := stages.ArtworkOptions{
		Provider: artClient,
		Poll: poller.Options{
			Interval:    cfg.ArtworkPollInterval,
			MaxAttempts: cfg.ArtworkPollAttempts,
			Logger:      logger,
		},
		Logger: logger,
	}
	var files *storage.FileStore
	if cfg.StoragePath != "" {
		root := cfg.StoragePath
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		fs, err := storage.NewFileStore(root)
		if err != nil {
			return nil, err
		}
		files = fs
		artOpts.Mirror = fs
		artOpts.MirrorBaseURL = cfg.StorageBaseURL
	}

	ledger := repo.NewCardLedger(sql)
	store := pipeline.NewStore()
	orch, err := pipeline.New(pipeline.Options{
		Adapters: []stages.Adapter{
			stages.NewArtworkAdapter(artOpts),
			stages.NewPoetryAdapter(poetClient, poetry.PageBreak, logger),
			stages.NewRefinementAdapter(nil),
			stages.NewAssemblyAdapter(asmClient, cfg.AssemblyWebhookURL()),
		},
		Store:    store,
		Ledger:   ledger,
		Notifier: sink,
		Provider: assemblyProvider,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	rec, err := webhook.NewReconciler(webhook.Options{
		Secret:   []byte(cfg.AssemblyWebhookSecret),
		Store:    store,
		Ledger:   ledger,
		Notifier: sink,
		Provider: assemblyProvider,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sweeper := pipeline.NewSweeper(pipeline.SweeperOptions{
		Store:    store,
		Notifier: sink,
		TTL:      cfg.AssemblyPendingTTL,
		Interval: cfg.AssemblySweepInterval,
		Logger:   logger,
	})

	logger.Info().
		Str("artwork_model", artClient.Model()).
		Bool("artwork_ready", artClient.HasCredentials()).
		Bool("mirror", files != nil).
		Msg("bootstrap: pipeline ready")

	return &Components{
		Orchestrator: orch,
		Reconciler:   rec,
		Sweeper:      sweeper,
		Ledger:       ledger,
		Sink:         sink,
		Files:        files,
	}, nil
}
