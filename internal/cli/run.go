package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the keeper: scheduled refreshes and reward claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the collateral once and print its state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RefreshOnce(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the committed collateral state without refreshing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Read the strict price live, with the fallback price when unavailable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context())
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim pool rewards into the auto-compounder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Claim(cmd.Context())
	},
}
