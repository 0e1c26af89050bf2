package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/pipeline"
	"github.com/andresmejia3/mugfer/internal/report"
)

const (
	modeEvaluate = pipeline.ModeEvaluate
	modeTrain    = pipeline.ModeTrain
	modeExtract  = pipeline.ModeExtract
)

// TrainOptions holds the flags of the train command
type TrainOptions struct {
	Folds     int
	Epochs    int
	Partition string
	SaveBest  bool
}

var trainOpts TrainOptions

var trainCmd = &cobra.Command{
	Use:         "train",
	Short:       "Cross-validate the variant, persist its model and evaluate it",
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		applyTrainFlags(cmd, Cfg, trainOpts)
		return runMode(cmd, modeTrain)
	},
}

var evaluateCmd = &cobra.Command{
	Use:         "evaluate",
	Short:       "Evaluate the persisted model of the variant on its held-out fold",
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeEvaluate)
	},
}

var extractCmd = &cobra.Command{
	Use:         "extract",
	Short:       "Extract and cache the features of the variant without training",
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeExtract)
	},
}

func init() {
	trainCmd.Flags().IntVarP(&trainOpts.Folds, "folds", "k", 0, "Number of cross-validation folds")
	trainCmd.Flags().IntVarP(&trainOpts.Epochs, "epochs", "e", 0, "Maximum epochs per fold")
	trainCmd.Flags().StringVarP(&trainOpts.Partition, "partition", "p", "", "Fold partition (subject, stratified)")
	trainCmd.Flags().BoolVar(&trainOpts.SaveBest, "save-best", false, "Keep the weights of the best validation epoch")

	rootCmd.AddCommand(trainCmd, evaluateCmd, extractCmd)
}

func applyTrainFlags(cmd *cobra.Command, cfg *config.Config, opts TrainOptions) {
	flags := cmd.Flags()
	if flags.Changed("folds") {
		cfg.Training.Folds = opts.Folds
	}
	if flags.Changed("epochs") {
		cfg.Training.Epochs = opts.Epochs
	}
	if flags.Changed("partition") {
		cfg.Training.Partition = opts.Partition
	}
	if flags.Changed("save-best") {
		cfg.Training.SaveBest = opts.SaveBest
	}
}

// runMode validates the configuration, runs one pipeline mode and prints the comparison table.
// The pipeline opens the result store itself, so these commands skip the shared one.
func runMode(cmd *cobra.Command, mode pipeline.RunMode) error {
	if err := Cfg.Validate(); err != nil {
		return failed("Invalid configuration", err)
	}

	fmt.Fprintf(os.Stderr, "🚀 Starting %s of %s on %s\n", mode, Cfg.Variant, Cfg.DatasetPath)
	summary, err := pipeline.Run(cmd.Context(), mode, Cfg)
	if err != nil {
		return failed(fmt.Sprintf("The %s run failed", mode), err)
	}

	if mode == modeExtract {
		fmt.Fprintf(os.Stderr, "✨ Feature cache ready: %d sequences in %s\n", summary.Sequences, Cfg.CachePath)
		return nil
	}

	fmt.Println()
	if err := report.WriteTable(os.Stdout, summary); err != nil {
		return err
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
}
