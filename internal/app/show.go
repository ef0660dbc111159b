package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/config"
	"collateral-keeper/internal/storage"
)

// Show prints recent refreshes, or recent events with opts.Events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	token := a.collateralAddress()
	if opts.Events {
		events, err := store.ListRecentEvents(ctx, token, opts.Limit)
		if err != nil {
			return err
		}
		return a.writeEvents(events)
	}

	samples, err := store.ListRecentSamples(ctx, token, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountSamples(ctx, token)
	if err != nil {
		return err
	}
	a.Logger.Debug().Int("shown", len(samples)).Int64("total", total).Msg("listing samples")
	return a.writeSamples(samples)
}

func (a *App) collateralAddress() common.Address {
	c := a.Config.Collateral
	if c.ERC20 != "" {
		return config.Address(c.ERC20)
	}
	return config.Address(c.PoolProxy)
}

func (a *App) writeSamples(samples []storage.SampleRecord) error {
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStatus\tRefPerTok\tPrice\tStrict\tDeviation\tOffPeg\tReason")
	for _, sample := range samples {
		reason := ""
		if sample.Reason != nil {
			reason = sanitizeInline(*sample.Reason)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			sample.ObservedAt.UTC().Format(time.RFC3339),
			sample.Status,
			formatDecimal(sample.RefPerTok, 6),
			formatDecimal(sample.Price, 6),
			formatDecimal(sample.StrictPrice, 6),
			formatDecimal(sample.Deviation, 4),
			sample.OffPeg,
			reason,
		)
	}
	return writer.Flush()
}

func (a *App) writeEvents(events []storage.EventRecord) error {
	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEvent\tDetail\tRun")
	for _, event := range events {
		detail := ""
		switch {
		case event.OldStatus != nil && event.NewStatus != nil:
			detail = *event.OldStatus + " -> " + *event.NewStatus
		case event.Amount != nil:
			token := ""
			if event.RewardToken != nil {
				token = *event.RewardToken
			}
			detail = event.Amount.String() + " " + token
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			event.OccurredAt.UTC().Format(time.RFC3339),
			event.Kind,
			detail,
			event.RunID,
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
