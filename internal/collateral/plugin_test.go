package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/chain"
	"collateral-keeper/internal/oracle"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/rewards"
	"collateral-keeper/internal/status"
)

var (
	genesis    = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tokenAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	rewardAddr = common.HexToAddress("0x1000000000000000000000000000000000000002")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// price8 converts a decimal string to an 8-decimal feed answer.
func price8(s string) *big.Int {
	return dec(s).Shift(8).BigInt()
}

func testParams() Params {
	return Params{
		FallbackPrice:     dec("1"),
		PriceFeed:         common.HexToAddress("0x2000000000000000000000000000000000000001"),
		ERC20:             tokenAddr,
		ERC20Decimals:     18,
		MaxTradeVolume:    dec("1000000"),
		OracleTimeout:     time.Hour,
		TargetName:        "USD",
		DefaultThreshold:  dec("0.05"),
		DelayUntilDefault: 24 * time.Hour,
		PoolProxy:         common.HexToAddress("0x2000000000000000000000000000000000000002"),
		RewardsProxy:      common.HexToAddress("0x2000000000000000000000000000000000000003"),
		AutoCompoundProxy: common.HexToAddress("0x2000000000000000000000000000000000000004"),
	}
}

type stubProgram struct {
	latest *big.Int
	amount *big.Int
	err    error
}

func (s *stubProgram) LatestProgramID(ctx context.Context, pool common.Address) (*big.Int, error) {
	return s.latest, nil
}

func (s *stubProgram) RewardToken(ctx context.Context, id *big.Int) (common.Address, error) {
	return rewardAddr, nil
}

func (s *stubProgram) Claim(ctx context.Context, id *big.Int, recipient common.Address) (*big.Int, error) {
	return s.amount, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type observation struct {
	status status.Status
	err    error
}

type recordingObserver struct {
	mu  sync.Mutex
	got []observation
}

func (r *recordingObserver) ObserveRefresh(snap Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, observation{status: snap.State.Status, err: err})
}

func (r *recordingObserver) last() observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return observation{}
	}
	return r.got[len(r.got)-1]
}

type harness struct {
	plugin   *Plugin
	feed     *oracle.StaticFeed
	rates    *peg.StaticSource
	clock    *ManualClock
	store    *MemoryStore
	sink     *recordingSink
	observer *recordingObserver
	program  *stubProgram
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:     oracle.NewStaticFeed("feed", price8("1"), 8, genesis),
		rates:    peg.NewStaticSource("pool", dec("1")),
		clock:    NewManualClock(genesis),
		store:    NewMemoryStore(),
		sink:     &recordingSink{},
		observer: &recordingObserver{},
		program:  &stubProgram{latest: big.NewInt(0)},
	}
	h.plugin = h.replica(t, h.program, h.sink)
	return h
}

// replica builds another plugin over the harness feed, pool, clock and store,
// like a second keeper process sharing one database.
func (h *harness) replica(t *testing.T, program rewards.Program, sink *recordingSink) *Plugin {
	t.Helper()
	plugin, err := New(testParams(), Dependencies{
		Feed:      h.feed,
		Rates:     h.rates,
		Rewards:   program,
		Clock:     h.clock,
		Store:     h.store,
		Sinks:     []EventSink{sink},
		Observers: []RefreshObserver{h.observer},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	return plugin
}

// step advances the clock, publishes a fresh price and rate, and refreshes.
func (h *harness) step(t *testing.T, d time.Duration, price, rate string) {
	t.Helper()
	now := h.clock.Advance(d)
	h.feed.Set(price8(price), now)
	h.rates.Set(dec(rate))
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh at %s: %v", now, err)
	}
}

func (h *harness) statusEvents() []Event {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	var out []Event
	for _, e := range h.sink.events {
		if e.Kind == EventStatusChanged {
			out = append(out, e)
		}
	}
	return out
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	deps := Dependencies{
		Feed:    oracle.NewStaticFeed("feed", price8("1"), 8, genesis),
		Rates:   peg.NewStaticSource("pool", dec("1")),
		Rewards: &stubProgram{},
	}

	zeroThreshold := testParams()
	zeroThreshold.DefaultThreshold = decimal.Zero
	if _, err := New(zeroThreshold, deps, zerolog.Nop()); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero threshold should be a configuration error, got %v", err)
	}

	noRewards := testParams()
	noRewards.RewardsProxy = common.Address{}
	if _, err := New(noRewards, deps, zerolog.Nop()); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero rewards proxy should be a configuration error, got %v", err)
	}

	noCompounder := testParams()
	noCompounder.AutoCompoundProxy = common.Address{}
	if _, err := New(noCompounder, deps, zerolog.Nop()); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero auto-compound proxy should be a configuration error, got %v", err)
	}

	if _, err := New(testParams(), Dependencies{}, zerolog.Nop()); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing collaborators should be a configuration error, got %v", err)
	}
}

func TestGettersBeforeRefresh(t *testing.T) {
	h := newHarness(t)
	p := h.plugin
	if p.Status() != status.Sound {
		t.Fatalf("new plugin must start SOUND, got %s", p.Status())
	}
	if !p.TargetPerRef().Equal(decimal.NewFromInt(1)) || !p.PricePerTarget().Equal(decimal.NewFromInt(1)) {
		t.Fatal("peg ratios default to 1")
	}
	if p.ERC20() != tokenAddr || p.ERC20Decimals() != 18 || !p.IsCollateral() {
		t.Fatal("static getters mismatch")
	}
	if !p.MaxTradeVolume().Equal(dec("1000000")) || p.TargetName() != "USD" {
		t.Fatal("config getters mismatch")
	}
	if !p.RefPerTok().IsZero() {
		t.Fatalf("refPerTok is zero until the first refresh, got %s", p.RefPerTok())
	}
}

func TestRisingRateStaysSound(t *testing.T) {
	h := newHarness(t)
	prev := decimal.Zero
	for i, rate := range []string{"1.0", "1.001", "1.001", "1.01", "1.05"} {
		h.step(t, time.Hour, "1.0", rate)
		if h.plugin.Status() != status.Sound {
			t.Fatalf("step %d: expected SOUND, got %s", i, h.plugin.Status())
		}
		if h.plugin.RefPerTok().LessThan(prev) {
			t.Fatalf("step %d: refPerTok decreased", i)
		}
		prev = h.plugin.RefPerTok()
	}
	if len(h.statusEvents()) != 0 {
		t.Fatalf("no status events expected, got %d", len(h.statusEvents()))
	}
}

func TestPersistentDepegDisables(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")

	h.step(t, time.Minute, "0.90", "1.0")
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("expected IFFY after depeg, got %s", h.plugin.Status())
	}
	deadline := h.plugin.WhenDefault()
	if !deadline.Equal(h.clock.t.Add(24 * time.Hour)) {
		t.Fatalf("unexpected whenDefault %s", deadline)
	}

	h.step(t, 12*time.Hour, "0.90", "1.0")
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("expected IFFY mid-delay, got %s", h.plugin.Status())
	}

	h.step(t, 12*time.Hour, "0.90", "1.0")
	if h.plugin.Status() != status.Disabled {
		t.Fatalf("expected DISABLED after delay, got %s", h.plugin.Status())
	}

	h.step(t, time.Hour, "1.0", "1.2")
	if h.plugin.Status() != status.Disabled {
		t.Fatal("DISABLED must be terminal")
	}

	events := h.statusEvents()
	if len(events) != 2 {
		t.Fatalf("expected two transitions, got %d", len(events))
	}
	if events[0].OldStatus != status.Sound || events[0].NewStatus != status.Iffy {
		t.Fatalf("first transition wrong: %+v", events[0])
	}
	if events[1].OldStatus != status.Iffy || events[1].NewStatus != status.Disabled {
		t.Fatalf("second transition wrong: %+v", events[1])
	}
}

func TestRecoveryReturnsToSound(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")
	h.step(t, time.Minute, "1.2", "1.0")
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("expected IFFY, got %s", h.plugin.Status())
	}
	h.step(t, 6*time.Hour, "1.01", "1.0")
	if h.plugin.Status() != status.Sound {
		t.Fatalf("expected SOUND after recovery, got %s", h.plugin.Status())
	}
	if !h.plugin.WhenDefault().IsZero() {
		t.Fatal("recovery must clear whenDefault")
	}
}

func TestRegressionGoesIffy(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.05")
	h.step(t, time.Minute, "1.0", "1.04")
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("refPerTok regression should be off-peg, got %s", h.plugin.Status())
	}
	if !h.plugin.RefPerTok().Equal(dec("1.04")) {
		t.Fatalf("cached refPerTok should reflect the pool, got %s", h.plugin.RefPerTok())
	}
	// Back at the sound baseline recovers.
	h.step(t, time.Minute, "1.0", "1.05")
	if h.plugin.Status() != status.Sound {
		t.Fatalf("expected SOUND once the rate is restored, got %s", h.plugin.Status())
	}
}

func TestStalePriceDelaysDefault(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")

	h.clock.Advance(2 * time.Hour)
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("stale price must not fail refresh: %v", err)
	}
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("stale price should go IFFY, got %s", h.plugin.Status())
	}

	if _, err := h.plugin.StrictPrice(context.Background()); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("strict price must fail loudly on stale data, got %v", err)
	}
	price, fallback := h.plugin.Price(context.Background())
	if !fallback || !price.Equal(dec("1")) {
		t.Fatalf("price should fall back, got %s fallback=%v", price, fallback)
	}
}

func TestPriceFromUsesTheGivenRead(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.02")

	strict, err := h.plugin.StrictPrice(context.Background())
	if err != nil {
		t.Fatalf("strict price: %v", err)
	}
	// A later pool move must not leak into a price derived from the first read.
	h.rates.Set(dec("1.5"))
	price, fallback := h.plugin.PriceFrom(strict, err)
	if fallback || !price.Equal(strict) || !price.Equal(dec("1.02")) {
		t.Fatalf("expected %s from the first read, got %s fallback=%v", strict, price, fallback)
	}

	price, fallback = h.plugin.PriceFrom(decimal.Zero, oracle.ErrStale)
	if !fallback || !price.Equal(dec("1")) {
		t.Fatalf("failed read should fall back, got %s fallback=%v", price, fallback)
	}
}

func TestInvalidPriceDisablesImmediately(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")

	h.feed.Fail(fmt.Errorf("call latestRoundData: %w", chain.ErrReverted))
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("invalid price is absorbed as a transition, got %v", err)
	}
	if h.plugin.Status() != status.Disabled {
		t.Fatalf("expected DISABLED, got %s", h.plugin.Status())
	}

	h.clock.Advance(time.Minute)
	h.feed.Set(big.NewInt(0), h.clock.t)
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh after disable: %v", err)
	}
	if len(h.statusEvents()) != 1 {
		t.Fatalf("only one transition expected, got %d", len(h.statusEvents()))
	}
}

func TestZeroAnswerDisables(t *testing.T) {
	h := newHarness(t)
	h.feed.Set(big.NewInt(0), genesis)
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.plugin.Status() != status.Disabled {
		t.Fatalf("non-positive price should disable, got %s", h.plugin.Status())
	}
}

func TestUnavailableFeedLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.02")
	before := h.plugin.Snapshot()

	h.clock.Advance(time.Minute)
	h.feed.Fail(fmt.Errorf("call latestRoundData: %w", chain.ErrUnavailable))
	h.rates.Set(dec("1.03"))
	err := h.plugin.Refresh(context.Background())
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Fatalf("transport failure should surface, got %v", err)
	}
	after := h.plugin.Snapshot()
	if after.RunID != before.RunID || !after.RefPerTok.Equal(before.RefPerTok) || after.State.Status != before.State.Status {
		t.Fatal("failed refresh must not change cached state")
	}
}

func TestPoolFailureAbortsRefresh(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")
	h.rates.Fail(errors.New("pool paused"))
	if err := h.plugin.Refresh(context.Background()); err == nil {
		t.Fatal("pool read failure should fail refresh")
	}
	if h.plugin.Status() != status.Sound {
		t.Fatal("status must be unchanged")
	}
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")

	h.clock.Advance(time.Minute)
	h.feed.Set(price8("0.5"), h.clock.t)
	h.store.FailNextCommit(nil)
	committed := len(h.store.History())
	if err := h.plugin.Refresh(context.Background()); err == nil {
		t.Fatal("commit failure should be returned")
	}
	if len(h.store.History()) != committed {
		t.Fatal("failed commit must not be stored")
	}
	if h.plugin.Status() != status.Sound {
		t.Fatalf("uncommitted transition must not be cached, got %s", h.plugin.Status())
	}
	if len(h.statusEvents()) != 0 {
		t.Fatal("uncommitted transition must not be published")
	}
	if obs := h.observer.last(); obs.err == nil {
		t.Fatalf("observers must see the commit failure, got %+v", obs)
	}

	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.plugin.Status() != status.Iffy {
		t.Fatalf("retry should apply the transition, got %s", h.plugin.Status())
	}
	if obs := h.observer.last(); obs.err != nil || obs.status != status.Iffy {
		t.Fatalf("observers should see the committed state, got %+v", obs)
	}
}

func TestReplicaContinuesFromCommittedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	otherSink := &recordingSink{}
	other := h.replica(t, h.program, otherSink)
	if restored, err := other.Restore(ctx); err != nil || restored {
		t.Fatalf("nothing committed yet: restored=%v err=%v", restored, err)
	}

	h.step(t, time.Minute, "0.8", "1.0")
	h.step(t, 25*time.Hour, "0.8", "1.0")
	if h.plugin.Status() != status.Disabled {
		t.Fatalf("first keeper should have disabled, got %s", h.plugin.Status())
	}

	// Price recovers; the second keeper still caches SOUND from startup.
	now := h.clock.Advance(time.Minute)
	h.feed.Set(price8("1.0"), now)
	if err := other.Refresh(ctx); err != nil {
		t.Fatalf("second keeper refresh: %v", err)
	}
	if other.Status() != status.Disabled {
		t.Fatalf("second keeper must continue from DISABLED, got %s", other.Status())
	}
	stored, _, _ := h.store.LoadSnapshot(ctx, tokenAddr)
	if stored.State.Status != status.Disabled {
		t.Fatalf("stored state left DISABLED: %s", stored.State.Status)
	}
	if len(otherSink.events) != 0 {
		t.Fatalf("second keeper must not emit transitions, got %+v", otherSink.events)
	}
}

func TestMemoryStoreKeepsDisabled(t *testing.T) {
	store := NewMemoryStore()
	disabled := Snapshot{Collateral: tokenAddr, State: status.DefaultState{Status: status.Disabled, WhenDefault: genesis}}
	if err := store.CommitRefresh(context.Background(), disabled, nil); err != nil {
		t.Fatalf("commit disabled: %v", err)
	}
	sound := Snapshot{Collateral: tokenAddr, State: status.NewDefaultState()}
	if err := store.CommitRefresh(context.Background(), sound, nil); !errors.Is(err, ErrStateFinal) {
		t.Fatalf("expected ErrStateFinal, got %v", err)
	}
	if err := store.CommitRefresh(context.Background(), disabled, nil); err != nil {
		t.Fatalf("DISABLED over DISABLED should commit: %v", err)
	}
}

// blockingProgram has an active program whose claim never completes until ctx ends.
type blockingProgram struct {
	entered chan struct{}
}

func (b *blockingProgram) LatestProgramID(ctx context.Context, pool common.Address) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *blockingProgram) RewardToken(ctx context.Context, id *big.Int) (common.Address, error) {
	return rewardAddr, nil
}

func (b *blockingProgram) Claim(ctx context.Context, id *big.Int, recipient common.Address) (*big.Int, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPendingClaimDoesNotBlockRefresh(t *testing.T) {
	h := newHarness(t)
	program := &blockingProgram{entered: make(chan struct{})}
	plugin := h.replica(t, program, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	claimed := make(chan error, 1)
	go func() {
		_, err := plugin.ClaimRewards(ctx)
		claimed <- err
	}()
	<-program.entered

	refreshed := make(chan error, 1)
	go func() { refreshed <- plugin.Refresh(context.Background()) }()
	select {
	case err := <-refreshed:
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh waited for the pending claim")
	}

	cancel()
	if err := <-claimed; !errors.Is(err, rewards.ErrClaim) || !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned claim should fail with its cause, got %v", err)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "0.5", "1.0")
	if err := h.plugin.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(h.statusEvents()) != 1 {
		t.Fatalf("double refresh must not double-transition, got %d events", len(h.statusEvents()))
	}
}

func TestClaimRewardsWithoutProgram(t *testing.T) {
	h := newHarness(t)
	rec, err := h.plugin.ClaimRewards(context.Background())
	if err != nil {
		t.Fatalf("claim without program must succeed: %v", err)
	}
	if !rec.Amount.IsZero() {
		t.Fatalf("expected zero, got %s", rec.Amount)
	}
	if len(h.sink.events) != 1 || h.sink.events[0].Kind != EventRewardsClaimed || !h.sink.events[0].Amount.IsZero() {
		t.Fatalf("RewardsClaimed with zero amount expected, got %+v", h.sink.events)
	}
	if len(h.store.Events()) != 1 {
		t.Fatal("claim event should be persisted")
	}
}

func TestClaimRewardsFailureEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.program.latest = big.NewInt(2)
	h.program.err = errors.New("execution reverted")

	if _, err := h.plugin.ClaimRewards(context.Background()); !errors.Is(err, rewards.ErrClaim) {
		t.Fatalf("expected ErrClaim, got %v", err)
	}
	if len(h.sink.events) != 0 || len(h.store.Events()) != 0 {
		t.Fatal("failed claim must not emit or persist anything")
	}
}

func TestClaimRewardsReportsAmount(t *testing.T) {
	h := newHarness(t)
	h.program.latest = big.NewInt(2)
	h.program.amount = big.NewInt(5_000)

	rec, err := h.plugin.ClaimRewards(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.Token != rewardAddr || !rec.Amount.Equal(decimal.NewFromInt(5_000)) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.sink.events[0].RewardToken != rewardAddr {
		t.Fatal("event should carry the reward token")
	}
}

func TestRestoreResumesTimer(t *testing.T) {
	h := newHarness(t)
	h.step(t, time.Minute, "1.0", "1.0")
	h.step(t, time.Minute, "0.5", "1.0")
	deadline := h.plugin.WhenDefault()

	restarted, err := New(testParams(), Dependencies{
		Feed:    h.feed,
		Rates:   h.rates,
		Rewards: h.program,
		Clock:   h.clock,
		Store:   h.store,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	ok, err := restarted.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if restarted.Status() != status.Iffy || !restarted.WhenDefault().Equal(deadline) {
		t.Fatalf("restored state mismatch: %s %s", restarted.Status(), restarted.WhenDefault())
	}
}

// Deposit 2000 wrapped units at ~1.0 refPerTok, let the pool accrue to ~1.1 over
// 100,000 seconds, and check valuation and redemption arithmetic.
func TestAppreciationScenario(t *testing.T) {
	h := newHarness(t)
	units := decimal.NewFromInt(2000)

	h.step(t, time.Second, "1.0", "1.0")
	startRate := h.plugin.RefPerTok()
	startPrice, err := h.plugin.StrictPrice(context.Background())
	if err != nil {
		t.Fatalf("strict price: %v", err)
	}
	depositedRef := units.Mul(startRate)
	startValue := units.Mul(startPrice)

	const steps = 10
	for i := 1; i <= steps; i++ {
		rate := decimal.NewFromInt(1).Add(dec("0.1").Mul(decimal.NewFromInt(int64(i))).Div(decimal.NewFromInt(steps)))
		h.step(t, 10_000*time.Second, "1.0", rate.String())
	}

	if h.clock.t.Sub(genesis) != 100_001*time.Second {
		t.Fatalf("unexpected elapsed time %s", h.clock.t.Sub(genesis))
	}
	endRate := h.plugin.RefPerTok()
	if !endRate.GreaterThan(startRate) || !endRate.Equal(dec("1.1")) {
		t.Fatalf("refPerTok should rise to 1.1, got %s", endRate)
	}
	if h.plugin.Status() != status.Sound {
		t.Fatalf("appreciation must stay SOUND, got %s", h.plugin.Status())
	}

	// Redeeming the deposited reference amount now takes fewer wrapped units.
	unitsForDeposit := depositedRef.Div(endRate)
	if !unitsForDeposit.LessThan(units) {
		t.Fatalf("expected fewer than 2000 units, got %s", unitsForDeposit)
	}
	// The same 2000 units are worth proportionally more reference asset.
	if !units.Mul(endRate).Equal(depositedRef.Mul(dec("1.1"))) {
		t.Fatal("redeemed value should scale with refPerTok")
	}

	endPrice, err := h.plugin.StrictPrice(context.Background())
	if err != nil {
		t.Fatalf("strict price: %v", err)
	}
	if units.Mul(endPrice).LessThan(startValue) {
		t.Fatal("total valuation must be non-decreasing")
	}
}
