package peg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the canonical number of fractional digits for derived quantities.
const Precision int32 = 18

var one = decimal.NewFromInt(1)

// Config is fixed at construction.
type Config struct {
	TargetName        string
	TargetPerRef      decimal.Decimal
	PricePerTarget    decimal.Decimal
	DefaultThreshold  decimal.Decimal
	DelayUntilDefault time.Duration
}

// Validate rejects configurations the tracker cannot evaluate.
func (c Config) Validate() error {
	if c.TargetName == "" {
		return errors.New("target name is required")
	}
	if !c.DefaultThreshold.IsPositive() {
		return errors.New("default threshold must be greater than zero")
	}
	if !c.TargetPerRef.IsPositive() {
		return errors.New("target per ref must be greater than zero")
	}
	if !c.PricePerTarget.IsPositive() {
		return errors.New("price per target must be greater than zero")
	}
	if c.DelayUntilDefault < 0 {
		return errors.New("delay until default cannot be negative")
	}
	return nil
}

// WithDefaults fills unset peg ratios with 1.
func (c Config) WithDefaults() Config {
	if c.TargetPerRef.IsZero() {
		c.TargetPerRef = one
	}
	if c.PricePerTarget.IsZero() {
		c.PricePerTarget = one
	}
	return c
}

// Sample is one refPerTok reading.
type Sample struct {
	RefPerTok  decimal.Decimal
	ObservedAt time.Time
}

// RateSource reads the wrapped token's exchange rate from its underlying pool.
type RateSource interface {
	RefPerTok(ctx context.Context) (decimal.Decimal, error)
	Name() string
}

// Evaluation is the outcome of comparing one sample against the peg and the last sound sample.
type Evaluation struct {
	Sample    Sample
	Price     decimal.Decimal
	Deviation decimal.Decimal
	Regressed bool
	Depegged  bool
	OffPeg    bool
	Reason    string
}

// Tracker derives refPerTok and the strict price, and flags off-peg samples.
// It holds no mutable state.
type Tracker struct {
	cfg    Config
	source RateSource
}

// NewTracker builds a tracker over a rate source.
func NewTracker(cfg Config, source RateSource) *Tracker {
	return &Tracker{cfg: cfg.WithDefaults(), source: source}
}

// Config returns the peg configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Sample reads the current refPerTok, truncated to Precision.
func (t *Tracker) Sample(ctx context.Context, now time.Time) (Sample, error) {
	rate, err := t.source.RefPerTok(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read %s exchange rate: %w", t.source.Name(), err)
	}
	if rate.IsNegative() {
		return Sample{}, fmt.Errorf("read %s exchange rate: negative rate %s", t.source.Name(), rate)
	}
	return Sample{RefPerTok: Fix(rate), ObservedAt: now}, nil
}

// StrictPrice is price × refPerTok × pricePerTarget.
func (t *Tracker) StrictPrice(price, refPerTok decimal.Decimal) decimal.Decimal {
	return Fix(price.Mul(refPerTok).Mul(t.cfg.PricePerTarget))
}

// Bounds returns the inclusive band of oracle prices considered on peg.
func (t *Tracker) Bounds() (low, high decimal.Decimal) {
	delta := t.cfg.TargetPerRef.Mul(t.cfg.DefaultThreshold)
	return t.cfg.TargetPerRef.Sub(delta), t.cfg.TargetPerRef.Add(delta)
}

// Deviation is |price − targetPerRef| / targetPerRef.
func (t *Tracker) Deviation(price decimal.Decimal) decimal.Decimal {
	return price.Sub(t.cfg.TargetPerRef).Abs().DivRound(t.cfg.TargetPerRef, Precision)
}

// Evaluate flags the sample off-peg when refPerTok fell below lastSound or the
// price left the tolerance band. lastSound may be nil before the first sound sample.
func (t *Tracker) Evaluate(price decimal.Decimal, sample Sample, lastSound *Sample) Evaluation {
	eval := Evaluation{
		Sample:    sample,
		Price:     price,
		Deviation: t.Deviation(price),
		Regressed: Regressed(sample, lastSound),
	}
	low, high := t.Bounds()
	eval.Depegged = price.LessThan(low) || price.GreaterThan(high)
	eval.OffPeg = eval.Regressed || eval.Depegged

	switch {
	case eval.Regressed && eval.Depegged:
		eval.Reason = fmt.Sprintf("refPerTok %s below %s and price %s outside [%s, %s]", sample.RefPerTok, lastSound.RefPerTok, price, low, high)
	case eval.Regressed:
		eval.Reason = fmt.Sprintf("refPerTok %s below %s", sample.RefPerTok, lastSound.RefPerTok)
	case eval.Depegged:
		eval.Reason = fmt.Sprintf("price %s outside [%s, %s]", price, low, high)
	}
	return eval
}

// Regressed reports whether sample fell below the last sound sample.
func Regressed(sample Sample, lastSound *Sample) bool {
	return lastSound != nil && sample.RefPerTok.LessThan(lastSound.RefPerTok)
}

// Fix truncates to the canonical precision.
func Fix(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}
