package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/mugfer/internal/store"
	"github.com/andresmejia3/mugfer/internal/utils"
)

var listRun string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, or the folds of one run",
	Run: func(cmd *cobra.Command, args []string) {
		if DB == nil {
			utils.Die("No result store configured", fmt.Errorf("set --db or db in the config file"), nil)
		}
		if listRun != "" {
			runFolds(cmd, listRun)
			return
		}
		runList(cmd)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listRun, "run", "r", "", "Show the folds of this run ID")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	runs, err := DB.ListRuns(cmd.Context())
	if err != nil {
		utils.Die("Failed to list runs", err, nil)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in the result store.")
		return
	}
	writeRuns(os.Stdout, runs)
}

func writeRuns(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tMODE\tVARIANT\tFOLDS OK\tMEAN ACC\tDURATION\tSTARTED")
	fmt.Fprintln(w, "---\t----\t-------\t--------\t--------\t--------\t-------")

	for _, r := range runs {
		folds, mean := "-", "-"
		if r.FoldCount > 0 {
			folds = fmt.Sprintf("%d/%d", r.Succeeded, r.FoldCount)
			mean = fmt.Sprintf("%.2f%%", r.MeanAcc*100)
		}
		duration := time.Duration(r.DurationSec * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Mode, r.Variant, folds, mean, duration, humanize.Time(r.StartedAt))
	}
	w.Flush()
}

func runFolds(cmd *cobra.Command, runID string) {
	folds, err := DB.Folds(cmd.Context(), runID)
	if err != nil {
		utils.Die("Failed to list folds", err, nil)
	}
	if len(folds) == 0 {
		fmt.Printf("Run %s has no folds (evaluation run).\n", runID)
		return
	}
	writeFolds(os.Stdout, folds)
}

func writeFolds(out io.Writer, folds []store.Fold) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FOLD\tSTATUS\tACCURACY\tLOSS\tEPOCHS\tATTEMPTS\tERROR")
	fmt.Fprintln(w, "----\t------\t--------\t----\t------\t--------\t-----")
	for _, f := range folds {
		fmt.Fprintf(w, "%d\t%s\t%.2f%%\t%.4f\t%d\t%d\t%s\n", f.FoldIndex, f.Status, f.Accuracy*100, f.Loss, f.Epochs, f.Attempts, f.Error)
	}
	w.Flush()
}
