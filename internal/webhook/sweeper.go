package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lokabook/bookings-api/internal/obs"
)

// DueLister finds events eligible for a retry attempt.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]Event, error)
}

// DueRunner executes one attempt against a due event.
type DueRunner interface {
	RunDue(ctx context.Context, ev Event) (Result, error)
}

// Locker serialises work on one event across worker replicas. TryWithLock
// runs fn only if the lock is free and reports whether it ran.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Sweeper periodically drains due events: scheduled retries whose delay has
// elapsed and processing rows abandoned past their lease. The database claim
// is the correctness boundary; the Redis lock only keeps replicas from
// burning attempts on the same rows.
type Sweeper struct {
	Events   DueLister
	Runner   DueRunner
	Locker   Locker
	Interval time.Duration
	Batch    int
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", interval).Msg("webhook sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("webhook sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.Logger.Error().Err(err).Msg("webhook sweep failed")
			} else if n > 0 {
				s.Logger.Info().Int("claimed", n).Msg("webhook sweep finished")
			}
		}
	}
}

// SweepOnce claims and runs one batch of due events, returning how many
// attempts actually ran.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.Events.ListDue(ctx, time.Now(), s.Batch)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, ev := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		ev := ev
		held, err := s.Locker.TryWithLock(ctx, "webhook:event:"+ev.ID.String(), s.LockTTL, func(lctx context.Context) error {
			res, err := s.Runner.RunDue(lctx, ev)
			if err != nil {
				return err
			}
			if res.Outcome != OutcomeSkipped {
				claimed++
				obs.WebhookSweepClaimedTotal.Inc()
			}
			return nil
		})
		if err != nil {
			s.Logger.Error().Err(err).
				Str("provider", ev.Provider).
				Str("event_id", ev.EventID).
				Msg("sweep attempt failed")
			continue
		}
		if !held {
			continue
		}
	}
	return claimed, nil
}
