// Command cardgen runs one card through the pipeline without the HTTP API.
// It reads a generation request as JSON from -file (or stdin) and prints the
// final snapshot. Runs that hand off to the assembly webhook end "submitted"
// because no listener is running.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"heartcards/internal/bootstrap"
	"heartcards/internal/domain"
	"heartcards/internal/infra"
)

func main() {
	_ = godotenv.Load()

	var (
		fileFlag string
		userFlag string
	)
	flag.StringVar(&fileFlag, "file", "", "path to a generation request JSON file (default stdin)")
	flag.StringVar(&userFlag, "user", "", "user id to run as when the request omits user_id")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "cardgen").Logger()

	req, err := readRequest(fileFlag)
	if err != nil {
		exitWithError(err)
	}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(userFlag)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Tone = domain.NormalizeTone(string(req.Tone))
	req.CreatedAt = time.Now().UTC()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		exitWithError(err)
	}
	defer pool.Close()

	c, err := bootstrap.Build(ctx, cfg, infra.NewSQLRunner(pool, logger), &logger)
	if err != nil {
		exitWithError(err)
	}

	snap, err := c.Orchestrator.Run(ctx, req)
	if err != nil {
		exitWithError(err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.Sink.Wait(waitCtx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
	if snap.Outcome == domain.OutcomeFailed {
		os.Exit(2)
	}
}

func readRequest(path string) (domain.GenerationRequest, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return domain.GenerationRequest{}, err
		}
		defer f.Close()
		r = f
	}
	var req domain.GenerationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("empty request")
		}
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
