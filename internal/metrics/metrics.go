package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/oracle"
)

// Registry holds the keeper's Prometheus collectors on a private registry.
type Registry struct {
	reg *prometheus.Registry

	Status        *prometheus.GaugeVec
	RefPerTok     *prometheus.GaugeVec
	Price         *prometheus.GaugeVec
	Deviation     *prometheus.GaugeVec
	WhenDefault   *prometheus.GaugeVec
	Refreshes     *prometheus.CounterVec
	StatusChanges *prometheus.CounterVec
	Claims        *prometheus.CounterVec
	ClaimedAmount *prometheus.CounterVec
}

// NewRegistry creates and registers every collector.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collateral_status",
			Help: "Collateral status: 0 SOUND, 1 IFFY, 2 DISABLED",
		}, []string{"collateral"}),
		RefPerTok: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collateral_ref_per_tok",
			Help: "Reference units per wrapped token at the last refresh",
		}, []string{"collateral"}),
		Price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collateral_reference_price",
			Help: "Oracle price of the reference unit at the last refresh",
		}, []string{"collateral"}),
		Deviation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collateral_peg_deviation_ratio",
			Help: "Absolute fractional deviation from the peg",
		}, []string{"collateral"}),
		WhenDefault: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collateral_when_default_timestamp_seconds",
			Help: "Unix time the collateral defaults at; 0 when no default is pending",
		}, []string{"collateral"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collateral_refresh_total",
			Help: "Refresh attempts by result",
		}, []string{"collateral", "result"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collateral_status_changes_total",
			Help: "Status transitions by new status",
		}, []string{"collateral", "to"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collateral_rewards_claims_total",
			Help: "Successful reward claims",
		}, []string{"collateral", "reward_token"}),
		ClaimedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collateral_rewards_claimed_raw_total",
			Help: "Claimed reward amount in raw token units",
		}, []string{"collateral", "reward_token"}),
	}
	m.reg.MustRegister(
		m.Status, m.RefPerTok, m.Price, m.Deviation, m.WhenDefault,
		m.Refreshes, m.StatusChanges, m.Claims, m.ClaimedAmount,
	)
	return m
}

// ObserveRefresh records the outcome of a refresh attempt.
func (m *Registry) ObserveRefresh(snap collateral.Snapshot, err error) {
	label := snap.Collateral.Hex()
	if err != nil {
		m.Refreshes.WithLabelValues(label, refreshResult(err)).Inc()
		return
	}
	m.Refreshes.WithLabelValues(label, "ok").Inc()
	m.Status.WithLabelValues(label).Set(float64(snap.State.Status))
	m.RefPerTok.WithLabelValues(label).Set(snap.RefPerTok.InexactFloat64())
	m.Price.WithLabelValues(label).Set(snap.Price.InexactFloat64())
	m.Deviation.WithLabelValues(label).Set(snap.Deviation.InexactFloat64())
	when := 0.0
	if !snap.State.WhenDefault.IsZero() {
		when = float64(snap.State.WhenDefault.Unix())
	}
	m.WhenDefault.WithLabelValues(label).Set(when)
}

// Publish counts emitted events.
func (m *Registry) Publish(ctx context.Context, event collateral.Event) error {
	label := event.Collateral.Hex()
	switch event.Kind {
	case collateral.EventStatusChanged:
		m.StatusChanges.WithLabelValues(label, event.NewStatus.String()).Inc()
	case collateral.EventRewardsClaimed:
		token := event.RewardToken.Hex()
		m.Claims.WithLabelValues(label, token).Inc()
		m.ClaimedAmount.WithLabelValues(label, token).Add(event.Amount.InexactFloat64())
	}
	return nil
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, oracle.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Registry) Serve(ctx context.Context, listen, path string, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listen).Str("path", path).Msg("metrics endpoint started")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

var (
	_ collateral.EventSink       = (*Registry)(nil)
	_ collateral.RefreshObserver = (*Registry)(nil)
)
