// Package sweep expires approval requests whose window has closed.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cmdgate/internal/domain"
)

// Expirer is the slice of the engine the sweeper drives.
type Expirer interface {
	SweepExpiredApprovals(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error)
}

// Sweeper calls Expirer on a fixed interval until its context ends.
type Sweeper struct {
	Expirer  Expirer
	Interval time.Duration
	Log      zerolog.Logger
	Now      func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunOnce performs a single sweep and returns how many requests expired.
func (s Sweeper) RunOnce(ctx context.Context) (int, error) {
	expired, err := s.Expirer.SweepExpiredApprovals(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		ids := make([]string, 0, len(expired))
		for _, req := range expired {
			ids = append(ids, req.ID)
		}
		s.Log.Info().Int("expired", len(expired)).Strs("request_ids", ids).Msg("approval requests expired")
	}
	return len(expired), nil
}

// Run sweeps once immediately, then every Interval. Sweep failures are
// logged and retried on the next tick. It returns when ctx is done.
func (s Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.Log.Info().Dur("interval", interval).Msg("expiry sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error().Err(err).Msg("expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			s.Log.Info().Msg("expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
