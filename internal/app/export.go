package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"collateral-keeper/internal/storage"
)

// Export renders refresh history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	// Fetch a bounded superset and downsample it evenly.
	samples, err := store.ListSamplesBetween(ctx, a.collateralAddress(), from, to, opts.MaxPoints*10)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, a.Config.Collateral.TargetName, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.SampleRecord, max int) []storage.SampleRecord {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.SampleRecord, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.SampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "run_id", "status", "when_default", "ref_per_tok", "price", "strict_price", "deviation", "off_peg", "price_error", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		whenDefault := ""
		if sample.WhenDefault != nil {
			whenDefault = sample.WhenDefault.UTC().Format(time.RFC3339)
		}
		record := []string{
			sample.ObservedAt.UTC().Format(time.RFC3339),
			sample.RunID.String(),
			sample.Status,
			whenDefault,
			sample.RefPerTok.String(),
			sample.Price.String(),
			sample.StrictPrice.String(),
			sample.Deviation.String(),
			strconv.FormatBool(sample.OffPeg),
			derefString(sample.PriceError),
			derefString(sample.Reason),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path, target string, samples []storage.SampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	refPerTok := make([]float64, len(samples))
	strict := make([]float64, len(samples))
	price := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.ObservedAt
		refPerTok[i] = sample.RefPerTok.InexactFloat64()
		strict[i] = sample.StrictPrice.InexactFloat64()
		price[i] = sample.Price.InexactFloat64()
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Ref per token",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Price (" + target + ")",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "RefPerTok",
				XValues: x,
				YValues: refPerTok,
			},
			chart.TimeSeries{
				Name:    "Reference price",
				XValues: x,
				YValues: price,
				YAxis:   chart.YAxisSecondary,
			},
			chart.TimeSeries{
				Name:    "Strict price",
				XValues: x,
				YValues: strict,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return sanitizeInline(*v)
}
