package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/oracle"
	"collateral-keeper/internal/status"
)

var token = common.HexToAddress("0x83F20F44975D03b1b09e64809B757c47f942BEeA")

func scrape(t *testing.T, m *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestObserveRefreshSetsGauges(t *testing.T) {
	m := NewRegistry()
	deadline := time.Unix(1_717_000_000, 0).UTC()
	m.ObserveRefresh(collateral.Snapshot{
		Collateral: token,
		State:      status.DefaultState{Status: status.Iffy, WhenDefault: deadline},
		RefPerTok:  decimal.RequireFromString("1.05"),
		Price:      decimal.RequireFromString("0.93"),
		Deviation:  decimal.RequireFromString("0.07"),
	}, nil)

	body := scrape(t, m)
	label := fmt.Sprintf(`collateral="%s"`, token.Hex())
	for _, want := range []string{
		"collateral_status{" + label + "} 1",
		"collateral_ref_per_tok{" + label + "} 1.05",
		"collateral_when_default_timestamp_seconds{" + label + "} 1.717e+09",
		"collateral_refresh_total{" + label + `,result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
}

func TestObserveRefreshFailure(t *testing.T) {
	m := NewRegistry()
	err := &oracle.Error{Kind: oracle.ErrUnavailable, Source: "feed", Err: errors.New("dial tcp: refused")}
	m.ObserveRefresh(collateral.Snapshot{Collateral: token}, fmt.Errorf("refresh: %w", err))
	m.ObserveRefresh(collateral.Snapshot{Collateral: token}, errors.New("pool paused"))

	body := scrape(t, m)
	if !strings.Contains(body, `result="unavailable"} 1`) || !strings.Contains(body, `result="error"} 1`) {
		t.Fatalf("failure results not counted:\n%s", body)
	}
	if strings.Contains(body, "collateral_status{") {
		t.Fatal("failed refresh must not set gauges")
	}
}

func TestPublishCountsEvents(t *testing.T) {
	m := NewRegistry()
	ctx := context.Background()
	_ = m.Publish(ctx, collateral.Event{Kind: collateral.EventStatusChanged, Collateral: token, NewStatus: status.Disabled})
	_ = m.Publish(ctx, collateral.Event{Kind: collateral.EventRewardsClaimed, Collateral: token, Amount: decimal.NewFromInt(250)})

	body := scrape(t, m)
	if !strings.Contains(body, `to="DISABLED"} 1`) {
		t.Fatalf("status change not counted:\n%s", body)
	}
	if !strings.Contains(body, "collateral_rewards_claimed_raw_total{") || !strings.Contains(body, "} 250") {
		t.Fatalf("claim amount not counted:\n%s", body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	m := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Serve(ctx, "127.0.0.1:0", "", zerolog.Nop())
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
