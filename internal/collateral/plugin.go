package collateral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/oracle"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/rewards"
	"collateral-keeper/internal/status"
)

// Collateral is the capability every collateral variant exposes.
type Collateral interface {
	Refresh(ctx context.Context) error
	ClaimRewards(ctx context.Context) (rewards.Record, error)
	StrictPrice(ctx context.Context) (decimal.Decimal, error)
	RefPerTok() decimal.Decimal
	Status() status.Status
}

// Dependencies are the protocol-specific collaborators of a plugin.
type Dependencies struct {
	Feed      oracle.Feed
	Rates     peg.RateSource
	Rewards   rewards.Program
	Clock     Clock
	Store     StateStore
	Sinks     []EventSink
	Observers []RefreshObserver
	// RewardToken is reported by claims when no reward program is active.
	RewardToken common.Address
}

// Plugin composes the oracle reader, peg tracker, default state machine and
// rewards claimer. Refreshes are serialized, claims are serialized separately,
// and getters read cached state only.
type Plugin struct {
	params  Params
	reader  *oracle.Reader
	tracker *peg.Tracker
	machine status.Machine
	claimer *rewards.Claimer
	clock   Clock
	store   StateStore
	sinks   []EventSink
	obs     []RefreshObserver
	logger  zerolog.Logger

	mu      sync.RWMutex
	// op serializes Restore and Refresh; claimMu serializes claims, which
	// never touch the default state.
	op      sync.Mutex
	claimMu sync.Mutex
	last    Snapshot
}

// New validates params and wires the plugin. It performs no external calls.
func New(params Params, deps Dependencies, logger zerolog.Logger) (*Plugin, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if deps.Feed == nil || deps.Rates == nil || deps.Rewards == nil {
		return nil, fmt.Errorf("%w: feed, rate source and rewards program are required", ErrConfig)
	}

	pegCfg := peg.Config{
		TargetName:        params.TargetName,
		TargetPerRef:      params.TargetPerRef,
		PricePerTarget:    params.PricePerTarget,
		DefaultThreshold:  params.DefaultThreshold,
		DelayUntilDefault: params.DelayUntilDefault,
	}.WithDefaults()
	if err := pegCfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	params.TargetPerRef = pegCfg.TargetPerRef
	params.PricePerTarget = pegCfg.PricePerTarget

	log := logger.With().Str("component", "collateral").Str("erc20", params.ERC20.Hex()).Logger()

	claimer, err := rewards.NewClaimer(deps.Rewards, rewards.Options{
		Pool:           params.PoolProxy,
		AutoCompounder: params.AutoCompoundProxy,
		DefaultToken:   deps.RewardToken,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Plugin{
		params:  params,
		reader:  oracle.NewReader(deps.Feed, params.OracleTimeout, log),
		tracker: peg.NewTracker(pegCfg, deps.Rates),
		machine: status.NewMachine(params.DelayUntilDefault),
		claimer: claimer,
		clock:   clock,
		store:   deps.Store,
		sinks:   deps.Sinks,
		obs:     deps.Observers,
		logger:  log,
		last: Snapshot{
			Collateral: params.ERC20,
			State:      status.NewDefaultState(),
			RefPerTok:  decimal.Zero,
		},
	}, nil
}

// Restore loads the last committed snapshot, if the store has one.
func (p *Plugin) Restore(ctx context.Context) (bool, error) {
	p.op.Lock()
	defer p.op.Unlock()

	restored, err := p.reload(ctx)
	if err != nil {
		return false, fmt.Errorf("restore state: %w", err)
	}
	if restored {
		snap := p.Snapshot()
		p.logger.Info().Str("status", snap.State.Status.String()).Time("at", snap.At).Msg("state restored")
	}
	return restored, nil
}

// reload replaces the cached snapshot with the committed one so that a refresh
// continues from what any keeper stored last. A cached DISABLED is kept. Callers hold op.
func (p *Plugin) reload(ctx context.Context) (bool, error) {
	if p.store == nil {
		return false, nil
	}
	snap, ok, err := p.store.LoadSnapshot(ctx, p.params.ERC20)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.State.Status == status.Disabled && snap.State.Status != status.Disabled {
		p.logger.Warn().Str("stored", snap.State.Status.String()).Msg("stored state behind cached DISABLED; keeping DISABLED")
		return true, nil
	}
	p.last = snap
	return true, nil
}

// Refresh reads the oracle and the pool, runs the state machine and caches the result.
// Stale prices feed the delayed default, invalid prices disable immediately and
// return nil, and transport failures return an error with the cached state untouched.
func (p *Plugin) Refresh(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if _, err := p.reload(ctx); err != nil {
		err = fmt.Errorf("refresh: load state: %w", err)
		p.observe(Snapshot{Collateral: p.params.ERC20}, err)
		p.logger.Error().Err(err).Msg("refresh aborted")
		return err
	}

	snap, events, err := p.evaluate(ctx)
	if err == nil && p.store != nil {
		if cerr := p.store.CommitRefresh(ctx, snap, events); cerr != nil {
			err = fmt.Errorf("commit refresh: %w", cerr)
		}
	}
	p.observe(snap, err)
	if err != nil {
		p.logger.Error().Err(err).Msg("refresh aborted")
		return err
	}

	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	p.logger.Debug().
		Str("status", snap.State.Status.String()).
		Str("ref_per_tok", snap.RefPerTok.String()).
		Str("price", snap.Price.String()).
		Bool("off_peg", snap.OffPeg).
		Msg("refreshed")

	p.publish(ctx, events)
	return nil
}

func (p *Plugin) observe(snap Snapshot, err error) {
	for _, o := range p.obs {
		o.ObserveRefresh(snap, err)
	}
}

func (p *Plugin) evaluate(ctx context.Context) (Snapshot, []Event, error) {
	now, err := p.clock.Now(ctx)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("refresh: clock: %w", err)
	}

	p.mu.RLock()
	prev := p.last
	p.mu.RUnlock()

	snap := Snapshot{
		RunID:      uuid.New(),
		Collateral: p.params.ERC20,
		At:         now,
		State:      prev.State.Clone(),
	}

	sample, err := p.tracker.Sample(ctx, now)
	if err != nil {
		return snap, nil, fmt.Errorf("refresh: %w", err)
	}
	snap.RefPerTok = sample.RefPerTok

	var in status.Input
	obs, perr := p.reader.FetchPrice(ctx, now)
	switch {
	case perr == nil:
		eval := p.tracker.Evaluate(obs.Value, sample, snap.State.LastSound)
		snap.Price = obs.Value
		snap.StrictPrice = p.tracker.StrictPrice(obs.Value, sample.RefPerTok)
		snap.Deviation = eval.Deviation
		snap.OffPeg = eval.OffPeg
		snap.Reason = eval.Reason
		in = status.Input{OffPeg: eval.OffPeg, Sample: &sample, Reason: eval.Reason}

	case errors.Is(perr, oracle.ErrUnavailable):
		return snap, nil, fmt.Errorf("refresh: %w", perr)

	case errors.Is(perr, oracle.ErrInvalid):
		snap.PriceError = perr.Error()
		snap.Reason = "unpriceable: " + perr.Error()
		in = status.Input{Invalid: true, Reason: snap.Reason}

	default:
		// Stale: treated as off-peg so the asset goes through the delay.
		snap.PriceError = perr.Error()
		snap.OffPeg = true
		snap.Reason = perr.Error()
		if peg.Regressed(sample, snap.State.LastSound) {
			snap.Reason += fmt.Sprintf("; refPerTok %s below %s", sample.RefPerTok, snap.State.LastSound.RefPerTok)
		}
		in = status.Input{OffPeg: true, Reason: snap.Reason}
	}

	var events []Event
	if tr, changed := p.machine.Apply(&snap.State, in, now); changed {
		events = append(events, Event{
			Kind:       EventStatusChanged,
			RunID:      snap.RunID,
			Collateral: p.params.ERC20,
			At:         now,
			OldStatus:  tr.From,
			NewStatus:  tr.To,
			Reason:     tr.Reason,
		})
		p.logger.Warn().
			Str("from", tr.From.String()).
			Str("to", tr.To.String()).
			Str("reason", tr.Reason).
			Time("when_default", snap.State.WhenDefault).
			Msg("collateral status changed")
	}
	return snap, events, nil
}

// ClaimRewards claims the pool's rewards into the auto-compounder and emits
// RewardsClaimed, including for a zero amount. A failed claim emits nothing.
func (p *Plugin) ClaimRewards(ctx context.Context) (rewards.Record, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	rec, err := p.claimer.Claim(ctx)
	if err != nil {
		return rewards.Record{}, err
	}

	at, clockErr := p.clock.Now(ctx)
	if clockErr != nil {
		at = time.Now().UTC()
	}
	event := Event{
		Kind:        EventRewardsClaimed,
		RunID:       uuid.New(),
		Collateral:  p.params.ERC20,
		At:          at,
		RewardToken: rec.Token,
		Amount:      rec.Amount,
		ProgramID:   rec.ProgramID,
	}
	if p.store != nil {
		if err := p.store.RecordEvent(ctx, event); err != nil {
			// The claim is already final on chain; losing the audit row must not hide it.
			p.logger.Error().Err(err).Msg("failed to persist rewards event")
		}
	}
	p.publish(ctx, []Event{event})
	return rec, nil
}

// StrictPrice reads the oracle and pool live and fails rather than return a stale value.
func (p *Plugin) StrictPrice(ctx context.Context) (decimal.Decimal, error) {
	now, err := p.clock.Now(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("strict price: clock: %w", err)
	}
	obs, err := p.reader.FetchPrice(ctx, now)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("strict price: %w", err)
	}
	sample, err := p.tracker.Sample(ctx, now)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("strict price: %w", err)
	}
	return p.tracker.StrictPrice(obs.Value, sample.RefPerTok), nil
}

// Price returns the strict price, or the fallback price with isFallback set when
// the strict price cannot be obtained.
func (p *Plugin) Price(ctx context.Context) (price decimal.Decimal, isFallback bool) {
	return p.PriceFrom(p.StrictPrice(ctx))
}

// PriceFrom applies the fallback rule to an already read strict price.
func (p *Plugin) PriceFrom(strict decimal.Decimal, err error) (price decimal.Decimal, isFallback bool) {
	if err != nil {
		p.logger.Warn().Err(err).Str("fallback", p.params.FallbackPrice.String()).Msg("using fallback price")
		return p.params.FallbackPrice, true
	}
	return strict, false
}

// RefPerTok returns the cached exchange rate.
func (p *Plugin) RefPerTok() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last.RefPerTok
}

// Status returns the cached status.
func (p *Plugin) Status() status.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last.State.Status
}

// WhenDefault returns the pending default deadline; zero when none is pending.
func (p *Plugin) WhenDefault() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last.State.WhenDefault
}

// Snapshot returns a copy of the last committed refresh.
func (p *Plugin) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := p.last
	snap.State = p.last.State.Clone()
	return snap
}

// TargetPerRef returns the configured peg ratio.
func (p *Plugin) TargetPerRef() decimal.Decimal { return p.params.TargetPerRef }

// PricePerTarget returns the configured pricing ratio.
func (p *Plugin) PricePerTarget() decimal.Decimal { return p.params.PricePerTarget }

// TargetName returns the target asset class, e.g. USD.
func (p *Plugin) TargetName() string { return p.params.TargetName }

// ERC20 returns the wrapped token address.
func (p *Plugin) ERC20() common.Address { return p.params.ERC20 }

// ERC20Decimals returns the wrapped token's decimals.
func (p *Plugin) ERC20Decimals() uint8 { return p.params.ERC20Decimals }

// MaxTradeVolume returns the configured trade cap.
func (p *Plugin) MaxTradeVolume() decimal.Decimal { return p.params.MaxTradeVolume }

// FallbackPrice returns the configured fallback.
func (p *Plugin) FallbackPrice() decimal.Decimal { return p.params.FallbackPrice }

// DefaultThreshold returns the tolerated fractional deviation.
func (p *Plugin) DefaultThreshold() decimal.Decimal { return p.params.DefaultThreshold }

// DelayUntilDefault returns the grace period.
func (p *Plugin) DelayUntilDefault() time.Duration { return p.params.DelayUntilDefault }

// IsCollateral is always true.
func (p *Plugin) IsCollateral() bool { return true }

func (p *Plugin) publish(ctx context.Context, events []Event) {
	for _, event := range events {
		for _, sink := range p.sinks {
			if err := sink.Publish(ctx, event); err != nil {
				p.logger.Error().Err(err).Str("event", string(event.Kind)).Msg("failed to publish event")
			}
		}
	}
}

var _ Collateral = (*Plugin)(nil)
