package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"collateral-keeper/internal/app"
)

var (
	simulatePath  string
	simulateUnits string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted price and exchange-rate path against the configured collateral",
	Long: `Replay advance:price:rate steps, e.g.
  collateral-keeper simulate --path "1m:1.00:1.00,1m:0.93:1.00,24h:0.93:1.00"
Without --path the exchange rate accrues from 1.0 to 1.1 over 100,000 seconds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{}
		if simulatePath != "" {
			steps, err := app.ParseSteps(simulatePath)
			if err != nil {
				return err
			}
			opts.Steps = steps
		}
		units, err := decimal.NewFromString(simulateUnits)
		if err != nil {
			return err
		}
		if !units.IsPositive() {
			return errors.New("--units must be greater than zero")
		}
		opts.Units = units

		_, err = getApp().Simulate(cmd.Context(), opts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePath, "path", "", "Comma separated advance:price:rate steps")
	simulateCmd.Flags().StringVar(&simulateUnits, "units", "2000", "Wrapped-token position to value at each step")
}
