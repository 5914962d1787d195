package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"heartcards/internal/infra"
	"heartcards/internal/infra/credentials"
)

var envKeys = map[string]string{
	credentials.ProviderArtwork:  "ARTWORK_API_KEY",
	credentials.ProviderPoetry:   "POETRY_API_KEY",
	credentials.ProviderAssembly: "ASSEMBLY_API_KEY",
	credentials.ProviderSendGrid: "SENDGRID_API_KEY",
}

func main() {
	_ = godotenv.Load()

	var (
		keyFlag      string
		providerFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "API key to store (falls back to the provider's environment variable)")
	flag.StringVar(&providerFlag, "provider", "", "provider to configure: "+strings.Join(credentials.Providers, ", "))
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if !credentials.IsKnownProvider(provider) {
		fmt.Fprintf(os.Stderr, "unsupported provider %q (want one of %s)\n", providerFlag, strings.Join(credentials.Providers, ", "))
		os.Exit(1)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(envKeys[provider]))
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s key is required via -key or %s\n", provider, envKeys[provider])
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
	if err := store.SetToken(ctx, provider, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store %s key: %v\n", provider, err)
		os.Exit(1)
	}
	fmt.Printf("%s key stored\n", provider)
}
