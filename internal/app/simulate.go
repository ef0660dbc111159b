package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/oracle"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/status"
)

// simulatedFeedDecimals matches the common 8-decimal USD feeds.
const simulatedFeedDecimals = 8

// SimStep advances the clock and publishes a new price and exchange rate.
type SimStep struct {
	Advance time.Duration
	Price   decimal.Decimal
	Rate    decimal.Decimal
}

// SimulateOptions configure a scripted replay.
type SimulateOptions struct {
	Steps []SimStep
	// Units is the wrapped-token position valued at every step.
	Units decimal.Decimal
	Start time.Time
}

// SimRow is one refreshed step of a simulation.
type SimRow struct {
	At          time.Time
	Price       decimal.Decimal
	RefPerTok   decimal.Decimal
	Status      status.Status
	WhenDefault time.Time
	StrictPrice decimal.Decimal
	Value       decimal.Decimal
}

// SimResult is the full replay outcome.
type SimResult struct {
	Rows   []SimRow
	Events []collateral.Event
}

// DefaultSimulation accrues the exchange rate from 1.0 to 1.1 over 100,000
// seconds with the reference price on peg.
func DefaultSimulation() []SimStep {
	steps := make([]SimStep, 0, 11)
	steps = append(steps, SimStep{Advance: time.Second, Price: decimal.NewFromInt(1), Rate: decimal.NewFromInt(1)})
	for i := int64(1); i <= 10; i++ {
		steps = append(steps, SimStep{
			Advance: 10_000 * time.Second,
			Price:   decimal.NewFromInt(1),
			Rate:    decimal.NewFromInt(1).Add(decimal.New(i, -2)),
		})
	}
	return steps
}

// ParseSteps reads "advance:price:rate" triples separated by commas, e.g. "1h:0.99:1.01,30m:0.93:1.01".
func ParseSteps(script string) ([]SimStep, error) {
	var steps []SimStep
	for i, raw := range strings.Split(script, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("step %d: want advance:price:rate, got %q", i+1, raw)
		}
		advance, err := time.ParseDuration(parts[0])
		if err != nil {
			return nil, fmt.Errorf("step %d: advance: %w", i+1, err)
		}
		if advance < 0 {
			return nil, fmt.Errorf("step %d: advance cannot be negative", i+1)
		}
		price, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("step %d: price: %w", i+1, err)
		}
		rate, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("step %d: rate: %w", i+1, err)
		}
		steps = append(steps, SimStep{Advance: advance, Price: price, Rate: rate})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no simulation steps given")
	}
	return steps, nil
}

// Simulate replays steps against static feeds with the configured collateral
// parameters and prints every refresh.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimResult, error) {
	if len(opts.Steps) == 0 {
		opts.Steps = DefaultSimulation()
	}
	if opts.Units.IsZero() {
		opts.Units = decimal.NewFromInt(2000)
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(time.Second)
	}

	clock := collateral.NewManualClock(opts.Start)
	first := opts.Steps[0]
	feed := oracle.NewStaticFeed("simulated-feed", toFeedAnswer(first.Price), simulatedFeedDecimals, opts.Start)
	rates := peg.NewStaticSource("simulated-pool", first.Rate)
	events := &eventLog{}

	plugin, err := collateral.New(a.simulationParams(), collateral.Dependencies{
		Feed:    feed,
		Rates:   rates,
		Rewards: idleProgram{},
		Clock:   clock,
		Store:   collateral.NewMemoryStore(),
		Sinks:   []collateral.EventSink{events},
	}, a.Logger)
	if err != nil {
		return SimResult{}, err
	}

	var result SimResult
	for i, step := range opts.Steps {
		now := clock.Advance(step.Advance)
		feed.Set(toFeedAnswer(step.Price), now)
		rates.Set(step.Rate)

		if err := plugin.Refresh(ctx); err != nil {
			return result, fmt.Errorf("step %d: %w", i+1, err)
		}
		price, _ := plugin.Price(ctx)
		snap := plugin.Snapshot()
		result.Rows = append(result.Rows, SimRow{
			At:          now,
			Price:       step.Price,
			RefPerTok:   snap.RefPerTok,
			Status:      snap.State.Status,
			WhenDefault: snap.State.WhenDefault,
			StrictPrice: price,
			Value:       opts.Units.Mul(price),
		})
	}
	result.Events = events.all()

	a.writeSimulation(opts, result)
	return result, nil
}

func (a *App) simulationParams() collateral.Params {
	p := a.params(peg.Decimals{Token: 18})
	placeholders := []*common.Address{&p.PriceFeed, &p.ERC20, &p.PoolProxy, &p.RewardsProxy, &p.AutoCompoundProxy}
	for i, addr := range placeholders {
		if *addr == (common.Address{}) {
			*addr = common.BigToAddress(big.NewInt(int64(0x5100 + i)))
		}
	}
	return p
}

func (a *App) writeSimulation(opts SimulateOptions, result SimResult) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\tPrice\tRefPerTok\tStatus\tWhenDefault\tStrictPrice\tValue of %s\n", opts.Units)
	for _, row := range result.Rows {
		when := "-"
		if !row.WhenDefault.IsZero() {
			when = row.WhenDefault.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.At.UTC().Format(time.RFC3339),
			formatDecimal(row.Price, 4),
			formatDecimal(row.RefPerTok, 6),
			row.Status,
			when,
			formatDecimal(row.StrictPrice, 6),
			formatDecimal(row.Value, 2),
		)
	}
	writer.Flush()

	for _, event := range result.Events {
		fmt.Fprintf(a.Out, "%s %s: %s -> %s (%s)\n",
			event.At.UTC().Format(time.RFC3339), event.Kind, event.OldStatus, event.NewStatus, sanitizeInline(event.Reason))
	}
}

func toFeedAnswer(price decimal.Decimal) *big.Int {
	return price.Shift(simulatedFeedDecimals).BigInt()
}

type eventLog struct {
	mu     sync.Mutex
	events []collateral.Event
}

func (l *eventLog) Publish(ctx context.Context, event collateral.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) all() []collateral.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]collateral.Event(nil), l.events...)
}

// idleProgram reports no active reward program.
type idleProgram struct{}

func (idleProgram) LatestProgramID(ctx context.Context, pool common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (idleProgram) RewardToken(ctx context.Context, id *big.Int) (common.Address, error) {
	return common.Address{}, nil
}

func (idleProgram) Claim(ctx context.Context, id *big.Int, recipient common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
