package rewards

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrClaim marks a claim that failed as a whole. No event is emitted for it.
var ErrClaim = errors.New("rewards: claim failed")

// Program is the external rewards registry for a pool.
type Program interface {
	// LatestProgramID returns zero when the pool has no reward program.
	LatestProgramID(ctx context.Context, pool common.Address) (*big.Int, error)
	RewardToken(ctx context.Context, programID *big.Int) (common.Address, error)
	// Claim sends the program's rewards to recipient and reports the raw amount.
	Claim(ctx context.Context, programID *big.Int, recipient common.Address) (*big.Int, error)
}

// Record is the outcome of one claim, in raw reward token units.
type Record struct {
	Token     common.Address
	Amount    decimal.Decimal
	ProgramID *big.Int
	Recipient common.Address
}

// Options configure a Claimer.
type Options struct {
	Pool           common.Address
	AutoCompounder common.Address
	// DefaultToken is reported when no program is active.
	DefaultToken common.Address
}

// Claimer bridges a protocol-specific rewards program into a uniform claim call.
type Claimer struct {
	program Program
	opts    Options
	logger  zerolog.Logger
}

// NewClaimer builds a claimer; the auto-compounder must be set.
func NewClaimer(program Program, opts Options, logger zerolog.Logger) (*Claimer, error) {
	if program == nil {
		return nil, errors.New("rewards program is required")
	}
	if opts.AutoCompounder == (common.Address{}) {
		return nil, errors.New("auto-compound proxy address is required")
	}
	return &Claimer{
		program: program,
		opts:    opts,
		logger:  logger.With().Str("component", "rewards_claimer").Str("pool", opts.Pool.Hex()).Logger(),
	}, nil
}

// Claim claims the latest program's rewards into the auto-compounder. With no
// active program it succeeds with a zero amount.
func (c *Claimer) Claim(ctx context.Context) (Record, error) {
	id, err := c.program.LatestProgramID(ctx, c.opts.Pool)
	if err != nil {
		return Record{}, fmt.Errorf("%w: latest program id: %w", ErrClaim, err)
	}

	rec := Record{
		Token:     c.opts.DefaultToken,
		Amount:    decimal.Zero,
		ProgramID: new(big.Int),
		Recipient: c.opts.AutoCompounder,
	}
	if id == nil || id.Sign() == 0 {
		c.logger.Info().Msg("no active reward program")
		return rec, nil
	}
	rec.ProgramID = new(big.Int).Set(id)

	token, err := c.program.RewardToken(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: reward token for program %s: %w", ErrClaim, id, err)
	}
	rec.Token = token

	amount, err := c.program.Claim(ctx, id, c.opts.AutoCompounder)
	if err != nil {
		return Record{}, fmt.Errorf("%w: program %s: %w", ErrClaim, id, err)
	}
	if amount != nil {
		rec.Amount = decimal.NewFromBigInt(amount, 0)
	}

	c.logger.Info().Str("program", id.String()).Str("token", token.Hex()).Str("amount", rec.Amount.String()).Msg("rewards claimed")
	return rec, nil
}
