package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collateral-keeper/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export refresh history (refPerTok, prices, status) as CSV and/or PNG chart",
	Example: `  collateral-keeper export --from 72h --png refresh.png
  collateral-keeper export --from 2024-06-01T00:00:00Z --to 2024-06-02T00:00:00Z --csv refresh.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		from, err := parseWindowBound("from", exportFrom, now)
		if err != nil {
			return err
		}
		to, err := parseWindowBound("to", exportTo, now)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseWindowBound accepts an RFC3339 timestamp or a duration counted back from now.
func parseWindowBound(flag, value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return &at, nil
	}
	ago, err := time.ParseDuration(value)
	if err != nil || ago < 0 {
		return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or a positive duration", flag, value)
	}
	at := now.Add(-ago)
	return &at, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start: RFC3339 timestamp or duration ago, e.g. 24h (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end: RFC3339 timestamp or duration ago (exclusive, defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the refPerTok/price chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write refresh samples as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum samples to export (defaults to export.max_data_points)")
}
