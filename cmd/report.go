package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/mugfer/internal/report"
	"github.com/andresmejia3/mugfer/internal/store"
)

var errNoReports = errors.New("no reports found")

var (
	reportConfusion bool
	reportPlot      string
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show a saved run report, or the latest evaluation of every variant",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reportPlot != "" {
			return plotVariants(cmd, reportPlot)
		}
		if len(args) == 0 && DB != nil {
			evals, err := DB.LatestEvaluations(cmd.Context())
			if err != nil {
				return failed("Failed to read evaluations", err)
			}
			if len(evals) > 0 {
				return writeEvaluations(os.Stdout, evals)
			}
		}

		path, err := reportPath(Cfg.ReportPath, args)
		if err != nil {
			return failed("No report to show", err)
		}
		summary, err := report.Load(path)
		if err != nil {
			return failed("Failed to read report", err)
		}

		if err := report.WriteTable(os.Stdout, summary); err != nil {
			return err
		}
		if !reportConfusion {
			return nil
		}
		for _, v := range summary.Variants {
			if v.Confusion == nil {
				continue
			}
			fmt.Printf("\nConfusion matrix of %s (fold %d):\n", v.Name, v.EvalFold)
			if err := report.WriteConfusion(os.Stdout, v.Confusion); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportConfusion, "confusion", false, "Also print the confusion matrices")
	reportCmd.Flags().StringVar(&reportPlot, "plot", "", "Write a PNG comparing the latest training run of every variant")
	rootCmd.AddCommand(reportCmd)
}

// reportPath resolves the report.json of a run ID, or of the newest run under root.
func reportPath(root string, args []string) (string, error) {
	if len(args) == 1 {
		path := filepath.Join(root, args[0], report.FileName)
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return latestReport(root)
}

func latestReport(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w in %s", errNoReports, root)
		}
		return "", err
	}

	var latest string
	var latestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name(), report.FileName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest, latestTime = path, info.ModTime()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", errNoReports, root)
	}
	return latest, nil
}

func writeEvaluations(out io.Writer, evals []store.Evaluation) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tACCURACY\tSEQUENCES\tLATENCY\tEMBEDDING\tRUN\tEVALUATED")
	fmt.Fprintln(w, "-------\t--------\t---------\t-------\t---------\t---\t---------")
	for _, e := range evals {
		fmt.Fprintf(w, "%s\t%.2f%%\t%s\t%s ms\t%s ms\t%s\t%s\n",
			e.Variant,
			e.Accuracy*100,
			humanize.Comma(int64(e.Samples)),
			humanize.FtoaWithDigits(e.LatencyMS, 2),
			humanize.FtoaWithDigits(e.EmbedLatencyMS, 2),
			shortRunID(e.RunID),
			humanize.Time(e.CreatedAt),
		)
	}
	return w.Flush()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plotVariants(cmd *cobra.Command, path string) error {
	if DB == nil {
		return failed("No result store configured", fmt.Errorf("set --db or db in the config file"))
	}
	runs, err := DB.ListRuns(cmd.Context())
	if err != nil {
		return failed("Failed to list runs", err)
	}
	variants := compareVariants(runs)
	if len(variants) == 0 {
		return failed("Nothing to plot", fmt.Errorf("no training runs in the result store"))
	}
	if err := report.PlotAccuracy(path, variants); err != nil {
		return failed("Failed to write plot", err)
	}
	fmt.Fprintf(os.Stderr, "📊 Compared %d variant(s) in %s\n", len(variants), path)
	return nil
}

// compareVariants keeps the newest cross-validated run of each variant, ordered by name.
func compareVariants(runs []store.Run) []report.Variant {
	latest := map[string]store.Run{}
	for _, r := range runs {
		if r.FoldCount == 0 {
			continue
		}
		if cur, ok := latest[r.Variant]; !ok || r.StartedAt.After(cur.StartedAt) {
			latest[r.Variant] = r
		}
	}

	variants := make([]report.Variant, 0, len(latest))
	for _, r := range latest {
		variants = append(variants, report.Variant{
			Name:         r.Variant,
			Folds:        r.FoldCount,
			Succeeded:    r.Succeeded,
			MeanAccuracy: r.MeanAcc,
			VarAccuracy:  r.VarAcc,
		})
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].Name < variants[j].Name })
	return variants
}
