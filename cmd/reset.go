package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mugfer/internal/artifact"
	"github.com/andresmejia3/mugfer/internal/utils"
)

var (
	resetDB      bool
	resetCache   bool
	resetReports bool
	resetModels  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Result store, Feature cache, Reports, Trained models)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetCache && !resetReports && !resetModels {
			resetDB = true
			resetCache = true
			resetReports = true
			resetModels = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && DB != nil {
			if confirm(reader, "⚠️  Are you sure you want to DROP all result tables?") {
				fmt.Println("🗑️  Clearing Result Store...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset result store", err, nil)
				}
			}
		}

		if resetCache {
			if confirm(reader, "⚠️  Are you sure you want to delete all cached features?") {
				fmt.Println("🗑️  Clearing Feature Cache...")
				removeDir(Cfg.CachePath)
			}
		}

		if resetReports {
			if confirm(reader, "⚠️  Are you sure you want to delete all run reports and plots?") {
				fmt.Println("🗑️  Clearing Reports...")
				removeDir(Cfg.ReportPath)
			}
		}

		if resetModels {
			if confirm(reader, "⚠️  Are you sure you want to delete all trained models?") {
				fmt.Println("🗑️  Clearing Trained Models...")
				store, err := artifact.Open(Cfg.Artifacts)
				if err != nil {
					utils.Die("Failed to open artifact store", err, nil)
				}
				n, err := removeModels(cmd.Context(), store)
				if err != nil {
					utils.Die("Failed to delete trained models", err, nil)
				}
				fmt.Printf("   %d model(s) deleted\n", n)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "results", false, "Clear the result store")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear cached features")
	resetCmd.Flags().BoolVar(&resetReports, "reports", false, "Clear run reports and plots")
	resetCmd.Flags().BoolVar(&resetModels, "models", false, "Clear trained model artifacts")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

// removeModels deletes every variant artifact with its validation split and leaves other
// blobs alone. Only models are counted.
func removeModels(ctx context.Context, store artifact.Store) (int, error) {
	names, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		_, model := artifact.Variant(name)
		if !model && !strings.HasSuffix(name, artifact.SplitExtension) {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return n, err
		}
		if model {
			n++
		}
	}
	return n, nil
}
