package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"heartcards/internal/adapter/repo"
	"heartcards/internal/domain"
	"heartcards/internal/infra"
)

func main() {
	_ = godotenv.Load()

	var (
		idFlag   string
		jsonFlag bool
	)
	flag.StringVar(&idFlag, "id", "", "user ID whose card counters to print")
	flag.BoolVar(&jsonFlag, "json", false, "print counters as JSON")
	flag.Parse()

	userID := strings.TrimSpace(idFlag)
	if userID == "" {
		exitWithError(errors.New("-id is required"))
	}
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "usercards").Logger()
	ledger := repo.NewCardLedger(infra.NewSQLRunner(pool, logger))

	counters, err := ledger.Counters(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		exitWithError(fmt.Errorf("user %s not found", userID))
	}
	if err != nil {
		exitWithError(fmt.Errorf("failed to load counters: %w", err))
	}

	if jsonFlag {
		_ = json.NewEncoder(os.Stdout).Encode(counters)
		return
	}
	fmt.Printf("user %s\ncards_used=%d\ncards_mailed=%d\n", userID, counters.Used, counters.Mailed)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
