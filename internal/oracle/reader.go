package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/chain"
)

var (
	// ErrStale marks an answer older than the configured timeout. It never forces an immediate default.
	ErrStale = errors.New("oracle: stale price")
	// ErrInvalid marks a non-positive answer or a feed call that reverted.
	ErrInvalid = errors.New("oracle: invalid price")
	// ErrUnavailable marks a transport failure reaching the feed.
	ErrUnavailable = errors.New("oracle: feed unavailable")
)

// Error carries the failure class together with the feed that produced it.
type Error struct {
	Kind   error
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Kind, e.Source)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Source, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Round is a raw feed answer before validation.
type Round struct {
	RoundID         *big.Int
	Answer          *big.Int
	Decimals        uint8
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Feed yields the latest round of a price feed.
type Feed interface {
	LatestRound(ctx context.Context) (Round, error)
	Source() string
}

// Observation is a validated price. It is produced per call and never persisted.
type Observation struct {
	Value     decimal.Decimal
	UpdatedAt time.Time
	Source    string
	RoundID   *big.Int
}

// Reader validates feed answers for freshness and positivity.
type Reader struct {
	feed    Feed
	timeout time.Duration
	logger  zerolog.Logger
}

// NewReader builds a reader that rejects answers older than timeout.
func NewReader(feed Feed, timeout time.Duration, logger zerolog.Logger) *Reader {
	return &Reader{
		feed:    feed,
		timeout: timeout,
		logger:  logger.With().Str("component", "oracle_reader").Str("feed", feed.Source()).Logger(),
	}
}

// Timeout returns the staleness bound.
func (r *Reader) Timeout() time.Duration {
	return r.timeout
}

// FetchPrice reads the feed and validates the answer against now.
func (r *Reader) FetchPrice(ctx context.Context, now time.Time) (Observation, error) {
	source := r.feed.Source()
	round, err := r.feed.LatestRound(ctx)
	if err != nil {
		return Observation{}, r.fail(classify(ctx, err), source, err)
	}

	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Observation{}, r.fail(ErrInvalid, source, fmt.Errorf("non-positive answer %v", round.Answer))
	}
	if round.UpdatedAt.IsZero() {
		return Observation{}, r.fail(ErrStale, source, errors.New("round not complete"))
	}
	if round.RoundID != nil && round.AnsweredInRound != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return Observation{}, r.fail(ErrStale, source, fmt.Errorf("answered in round %s before round %s", round.AnsweredInRound, round.RoundID))
	}
	if age := now.Sub(round.UpdatedAt); age > r.timeout {
		return Observation{}, r.fail(ErrStale, source, fmt.Errorf("age %s exceeds timeout %s", age, r.timeout))
	}

	obs := Observation{
		Value:     decimal.NewFromBigInt(round.Answer, -int32(round.Decimals)),
		UpdatedAt: round.UpdatedAt,
		Source:    source,
		RoundID:   round.RoundID,
	}
	r.logger.Debug().Str("price", obs.Value.String()).Time("updated_at", obs.UpdatedAt).Msg("price observed")
	return obs, nil
}

func (r *Reader) fail(kind error, source string, cause error) error {
	r.logger.Warn().Err(cause).Str("kind", kind.Error()).Msg("price rejected")
	return &Error{Kind: kind, Source: source, Err: cause}
}

// classify separates transport failures from answers the feed itself rejected.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, chain.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil:
		return ErrUnavailable
	default:
		return ErrInvalid
	}
}
