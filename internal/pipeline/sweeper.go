package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"heartcards/internal/domain"
	"heartcards/internal/stages"
)

// Sweeper fails assembly stages whose webhook never arrived and prunes old
// terminal runs from memory.
type Sweeper struct {
	store     *Store
	notifier  Notifier
	ttl       time.Duration
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zerolog.Logger
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Store    *Store
	Notifier Notifier
	// TTL is how long an assembly may wait for its webhook.
	TTL       time.Duration
	Retention time.Duration
	Interval  time.Duration
	Logger    *zerolog.Logger
}

// NewSweeper applies defaults: 60 minute TTL, 24 hour retention, 1 minute interval.
func NewSweeper(opts SweeperOptions) *Sweeper {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Sweeper{
		store:     opts.Store,
		notifier:  opts.Notifier,
		ttl:       opts.TTL,
		retention: opts.Retention,
		interval:  opts.Interval,
		now:       time.Now,
		logger:    logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires overdue assemblies and returns how many it failed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.now()
	expired := 0
	for _, id := range s.store.AwaitingSince(now.Add(-s.ttl)) {
		var req domain.GenerationRequest
		changed := false
		_, err := s.store.Update(id, func(e *Entry) error {
			since := e.PendingSince()
			if since.IsZero() || !since.Before(now.Add(-s.ttl)) {
				return nil
			}
			req = e.Request()
			msg := fmt.Sprintf("no completion from the assembly provider within %s", s.ttl)
			if err := e.Fail(domain.StageAssembly, string(stages.KindTimeout), msg); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("request_id", id).Msg("sweeper: could not expire run")
			continue
		}
		if !changed {
			continue
		}
		expired++
		s.logger.Warn().Str("request_id", id).Dur("ttl", s.ttl).Msg("sweeper: assembly expired")
		if s.notifier != nil {
			s.notifier.Notify(ctx, domain.Notification{
				Kind:    domain.NotifyCardFailed,
				Request: req,
				Stage:   domain.StageAssembly,
				Detail:  "rendering took too long",
			})
		}
	}
	if n := s.store.Prune(now.Add(-s.retention)); n > 0 {
		s.logger.Debug().Int("pruned", n).Msg("sweeper: pruned finished runs")
	}
	return expired
}
