package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the start of its bucket.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Name labels the job in logs, e.g. "refresh" or "claim".
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs one tick as soon as the startup delay elapses.
	Immediate bool
}

// Scheduler drives periodic execution of keeper jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Interval returns the configured period.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick at each interval until ctx is cancelled. Tick
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.Immediate {
		s.execute(ctx, tick, s.bucketStart(time.Now().UTC()))
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			skipped := next
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
			s.logger.Warn().Time("missed", skipped).Time("next_bucket", next).Msg("tick overran its interval")
		}

		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		s.execute(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, bucket time.Time) {
	started := time.Now()
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		return
	}
	s.logger.Debug().Time("bucket", bucket).Dur("took", time.Since(started)).Msg("tick executed")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
