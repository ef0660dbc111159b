package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/scheduler"
	"collateral-keeper/internal/storage"
)

// Options configure the keeper.
type Options struct {
	Refresh      *scheduler.Scheduler
	// Claim is optional; nil disables periodic reward claims.
	Claim        *scheduler.Scheduler
	Locker       storage.AdvisoryLocker
	LockKey      int64
	// ClaimLockKey guards claims separately so a slow claim never holds up refreshes.
	ClaimLockKey int64
	// ClaimTimeout bounds one claim bucket, receipt wait included. Zero means no bound.
	ClaimTimeout time.Duration
}

// Service keeps one collateral refreshed and its rewards claimed.
type Service struct {
	collateral collateral.Collateral
	refresh    *scheduler.Scheduler
	claim      *scheduler.Scheduler
	locker     storage.AdvisoryLocker
	lockKey    int64
	claimKey   int64
	claimLimit time.Duration
	logger     zerolog.Logger
}

// New constructs the keeper service.
func New(target collateral.Collateral, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		collateral: target,
		refresh:    opts.Refresh,
		claim:      opts.Claim,
		locker:     opts.Locker,
		lockKey:    opts.LockKey,
		claimKey:   opts.ClaimLockKey,
		claimLimit: opts.ClaimTimeout,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run runs the refresh loop and the claim loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.refresh == nil {
		return fmt.Errorf("scheduler not configured")
	}

	loops := []struct {
		name  string
		sched *scheduler.Scheduler
		tick  scheduler.TickFunc
	}{
		{"refresh", s.refresh, s.RefreshBucket},
		{"claim", s.claim, s.ClaimBucket},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, loop := range loops {
		if loop.sched == nil {
			continue
		}
		wg.Add(1)
		go func(name string, sched *scheduler.Scheduler, tick scheduler.TickFunc) {
			defer wg.Done()
			s.logger.Info().Str("loop", name).Dur("interval", sched.Interval()).Msg("loop started")
			err := sched.Run(ctx, tick)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Str("loop", name).Msg("loop stopped")
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(loop.name, loop.sched, loop.tick)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// RefreshBucket refreshes the collateral once, skipping when another keeper holds the lock.
// The collateral reloads the committed state under the lock before evaluating.
func (s *Service) RefreshBucket(ctx context.Context, bucket time.Time) error {
	return s.locked(ctx, bucket, "refresh", s.lockKey, func(ctx context.Context) error {
		if err := s.collateral.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		s.logger.Info().Time("bucket", bucket).
			Str("status", s.collateral.Status().String()).
			Str("ref_per_tok", s.collateral.RefPerTok().String()).
			Msg("collateral refreshed")
		return nil
	})
}

// ClaimBucket claims rewards once, skipping when another keeper holds the claim lock.
func (s *Service) ClaimBucket(ctx context.Context, bucket time.Time) error {
	if s.claimLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.claimLimit)
		defer cancel()
	}
	return s.locked(ctx, bucket, "claim", s.claimKey, func(ctx context.Context) error {
		rec, err := s.collateral.ClaimRewards(ctx)
		if err != nil {
			return err
		}
		s.logger.Info().Time("bucket", bucket).
			Str("token", rec.Token.Hex()).
			Str("amount", rec.Amount.String()).
			Msg("rewards claimed")
		return nil
	})
}

func (s *Service) locked(ctx context.Context, bucket time.Time, job string, key int64, fn func(context.Context) error) error {
	unlock, proceed, err := s.acquireLock(ctx, key)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Str("job", job).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	return fn(ctx)
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
