package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/config"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/status"
	"collateral-keeper/internal/storage"
)

func testApp(out *bytes.Buffer) *App {
	cfg := &config.Config{
		App: config.AppConfig{Name: "keeper"},
		Collateral: config.CollateralConfig{
			ERC20:             "0x83F20F44975D03b1b09e64809B757c47f942BEeA",
			PoolKind:          "erc4626",
			OracleTimeout:     24 * time.Hour,
			TargetName:        "USD",
			TargetPerRef:      decimal.NewFromInt(1),
			PricePerTarget:    decimal.NewFromInt(1),
			DefaultThreshold:  decimal.RequireFromString("0.05"),
			DelayUntilDefault: 24 * time.Hour,
			MaxTradeVolume:    decimal.NewFromInt(1_000_000),
			FallbackPrice:     decimal.NewFromInt(1),
		},
		Scheduler: config.SchedulerConfig{Interval: 5 * time.Minute},
		Export:    config.ExportConfig{MaxDataPoints: 100},
	}
	return &App{Config: cfg, Logger: zerolog.Nop(), Out: out}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSimulateDefaultAppreciation(t *testing.T) {
	var out bytes.Buffer
	result, err := testApp(&out).Simulate(context.Background(), SimulateOptions{})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(result.Rows) != 11 {
		t.Fatalf("expected 11 rows, got %d", len(result.Rows))
	}
	if len(result.Events) != 0 {
		t.Fatalf("appreciation should not change status, got %d events", len(result.Events))
	}
	last := result.Rows[len(result.Rows)-1]
	if last.Status != status.Sound || !last.RefPerTok.Equal(d("1.1")) {
		t.Fatalf("unexpected final row %+v", last)
	}
	if !last.Value.Equal(d("2200")) {
		t.Fatalf("2000 units at 1.1 should be worth 2200, got %s", last.Value)
	}
	for i := 1; i < len(result.Rows); i++ {
		if result.Rows[i].Value.LessThan(result.Rows[i-1].Value) {
			t.Fatalf("valuation decreased at row %d", i)
		}
	}
	if !strings.Contains(out.String(), "SOUND") {
		t.Fatalf("table not printed: %s", out.String())
	}
}

func TestSimulateScriptedDepeg(t *testing.T) {
	steps, err := ParseSteps("1m:1.00:1.0, 1m:0.90:1.0, 12h:0.90:1.0, 12h:0.90:1.0, 1h:1.0:1.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out bytes.Buffer
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	result, err := testApp(&out).Simulate(context.Background(), SimulateOptions{Steps: steps, Start: start})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	want := []status.Status{status.Sound, status.Iffy, status.Iffy, status.Disabled, status.Disabled}
	for i, row := range result.Rows {
		if row.Status != want[i] {
			t.Fatalf("row %d: want %s, got %s", i, want[i], row.Status)
		}
	}
	if len(result.Events) != 2 || result.Events[1].NewStatus != status.Disabled {
		t.Fatalf("unexpected events %+v", result.Events)
	}
	if !strings.Contains(out.String(), "CollateralStatusChanged") {
		t.Fatal("events not printed")
	}
}

func TestParseStepsRejects(t *testing.T) {
	for _, script := range []string{"", "1h:1.0", "x:1:1", "1h:abc:1", "1h:1:abc", "-1h:1:1"} {
		if _, err := ParseSteps(script); err == nil {
			t.Fatalf("expected error for %q", script)
		}
	}
}

func TestParamsFromConfig(t *testing.T) {
	a := testApp(&bytes.Buffer{})
	a.Config.Collateral.ERC20 = ""
	a.Config.Collateral.PoolProxy = "0x0000000000000000000000000000000000000def"
	p := a.params(peg.Decimals{Token: 8, Ref: 6})
	if p.ERC20 != p.PoolProxy {
		t.Fatal("the pool is the wrapped token when erc20 is not set")
	}
	if p.ERC20Decimals != 8 {
		t.Fatalf("decimals should come from the pool, got %d", p.ERC20Decimals)
	}
	a.Config.Collateral.ERC20Decimals = 18
	if a.params(peg.Decimals{Token: 8}).ERC20Decimals != 18 {
		t.Fatal("configured decimals should win")
	}
}

func TestSimulationParamsAreValid(t *testing.T) {
	if err := testApp(&bytes.Buffer{}).simulationParams().Validate(); err != nil {
		t.Fatalf("simulation params should validate: %v", err)
	}
}

func TestDownsampleSamples(t *testing.T) {
	samples := make([]storage.SampleRecord, 10)
	for i := range samples {
		samples[i].RefPerTok = decimal.NewFromInt(int64(i))
	}
	got := downsampleSamples(samples, 4)
	if len(got) != 4 || !got[0].RefPerTok.Equal(decimal.Zero) || !got[3].RefPerTok.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("unexpected downsample %v", got)
	}
	if len(downsampleSamples(samples, 20)) != 10 {
		t.Fatal("short input should pass through")
	}
	if one := downsampleSamples(samples, 1); len(one) != 1 || !one[0].RefPerTok.Equal(decimal.NewFromInt(9)) {
		t.Fatal("single point should be the latest")
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	reason := "price 0.9 outside\nband"
	deadline := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "out", "samples.csv")
	err := writeSamplesCSV(path, []storage.SampleRecord{{
		RunID:       uuid.New(),
		ObservedAt:  deadline.Add(-24 * time.Hour),
		Status:      "IFFY",
		WhenDefault: &deadline,
		RefPerTok:   d("1.01"),
		Price:       d("0.9"),
		StrictPrice: d("0.909"),
		Deviation:   d("0.1"),
		OffPeg:      true,
		Reason:      &reason,
	}})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 || records[0][0] != "observed_at" {
		t.Fatalf("unexpected csv %v", records)
	}
	row := records[1]
	if row[2] != "IFFY" || row[3] != "2024-06-02T00:00:00Z" || row[8] != "true" || row[10] != "price 0.9 outside band" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestWriteEventsTable(t *testing.T) {
	var out bytes.Buffer
	oldStatus, newStatus := "SOUND", "IFFY"
	amount := decimal.NewFromInt(0)
	token := "0x0000000000000000000000000000000000000abc"
	err := testApp(&out).writeEvents([]storage.EventRecord{
		{Kind: string(collateral.EventStatusChanged), OldStatus: &oldStatus, NewStatus: &newStatus},
		{Kind: string(collateral.EventRewardsClaimed), Amount: &amount, RewardToken: &token},
	})
	if err != nil {
		t.Fatalf("write events: %v", err)
	}
	if !strings.Contains(out.String(), "SOUND -> IFFY") || !strings.Contains(out.String(), "0 "+token) {
		t.Fatalf("unexpected table:\n%s", out.String())
	}
}

func TestWithLockWithoutDatabaseRunsDirectly(t *testing.T) {
	a := testApp(&bytes.Buffer{})
	ran := false
	err := a.withLock(context.Background(), &keeper{}, 42, "refresh", func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("without a store the job runs unlocked: ran=%v err=%v", ran, err)
	}
}
