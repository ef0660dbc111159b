package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/rewards"
)

// RefreshOnce runs a single refresh and prints the resulting state.
func (a *App) RefreshOnce(ctx context.Context) error {
	k, err := a.buildKeeper(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	err = a.withLock(ctx, k, a.Config.Scheduler.AdvisoryLockKey, "refresh", func() error {
		return k.plugin.Refresh(ctx)
	})
	if err != nil {
		return err
	}
	a.printSnapshot(k.plugin)
	return nil
}

// Status prints the committed state and the plugin parameters without refreshing.
func (a *App) Status(ctx context.Context) error {
	k, err := a.buildKeeper(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	a.printSnapshot(k.plugin)
	return nil
}

// Price prints the strict price, or the fallback when it cannot be read.
func (a *App) Price(ctx context.Context) error {
	k, err := a.buildKeeper(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	strict, strictErr := k.plugin.StrictPrice(ctx)
	price, fallback := k.plugin.PriceFrom(strict, strictErr)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	if strictErr != nil {
		fmt.Fprintf(writer, "Strict price\tunavailable (%s)\n", sanitizeInline(strictErr.Error()))
	} else {
		fmt.Fprintf(writer, "Strict price\t%s %s\n", formatDecimal(strict, 6), k.plugin.TargetName())
	}
	fmt.Fprintf(writer, "Price\t%s %s\n", formatDecimal(price, 6), k.plugin.TargetName())
	fmt.Fprintf(writer, "Fallback\t%t\n", fallback)
	fmt.Fprintf(writer, "RefPerTok (cached)\t%s\n", k.plugin.RefPerTok().String())
	return writer.Flush()
}

// Claim claims rewards once into the auto-compounder.
func (a *App) Claim(ctx context.Context) error {
	if a.Config.Rewards.KeeperPrivateKey == "" {
		return errors.New("rewards.keeper_private_key is required to claim")
	}
	k, err := a.buildKeeper(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	if limit := a.Config.Rewards.ClaimTimeout; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	var rec rewards.Record
	err = a.withLock(ctx, k, a.Config.Scheduler.ClaimLockKey, "claim", func() error {
		var claimErr error
		rec, claimErr = k.plugin.ClaimRewards(ctx)
		return claimErr
	})
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Reward token\t%s\n", rec.Token.Hex())
	fmt.Fprintf(writer, "Amount (raw)\t%s\n", rec.Amount.String())
	if rec.ProgramID != nil {
		fmt.Fprintf(writer, "Program\t%s\n", rec.ProgramID.String())
	}
	fmt.Fprintf(writer, "Recipient\t%s\n", rec.Recipient.Hex())
	return writer.Flush()
}

func (a *App) printSnapshot(p *collateral.Plugin) {
	snap := p.Snapshot()
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ERC20\t%s (%d decimals)\n", p.ERC20().Hex(), p.ERC20Decimals())
	fmt.Fprintf(writer, "Target\t%s (targetPerRef %s, pricePerTarget %s)\n", p.TargetName(), p.TargetPerRef(), p.PricePerTarget())
	fmt.Fprintf(writer, "Status\t%s\n", snap.State.Status)
	if !snap.State.WhenDefault.IsZero() {
		fmt.Fprintf(writer, "When default\t%s\n", snap.State.WhenDefault.UTC().Format(time.RFC3339))
	}
	if !snap.At.IsZero() {
		fmt.Fprintf(writer, "Last refresh\t%s\n", snap.At.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(writer, "RefPerTok\t%s\n", snap.RefPerTok.String())
	fmt.Fprintf(writer, "Price\t%s\n", snap.Price.String())
	fmt.Fprintf(writer, "Strict price\t%s\n", snap.StrictPrice.String())
	fmt.Fprintf(writer, "Deviation\t%s\n", formatDecimal(snap.Deviation, 6))
	if snap.Reason != "" {
		fmt.Fprintf(writer, "Reason\t%s\n", sanitizeInline(snap.Reason))
	}
	fmt.Fprintf(writer, "Threshold / delay\t%s / %s\n", p.DefaultThreshold(), p.DelayUntilDefault())
	fmt.Fprintf(writer, "Max trade volume\t%s\n", p.MaxTradeVolume())
	writer.Flush()
}
