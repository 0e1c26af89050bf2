package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mugfer/internal/pipeline"
	"github.com/andresmejia3/mugfer/internal/types"
)

var predictCmd = &cobra.Command{
	Use:         "predict <take-dir|video>",
	Short:       "Classify one raw sequence with the persisted model",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Cfg.Validate(); err != nil {
			return failed("Invalid configuration", err)
		}
		if _, err := os.Stat(args[0]); err != nil {
			return failed("Unable to access input sequence", err)
		}

		pred, err := pipeline.Predict(cmd.Context(), Cfg, args[0])
		if err != nil {
			return failed("Prediction failed", err)
		}

		fmt.Fprintf(os.Stderr, "🎭 %s: %s (%.2f%%) in %s\n", pred.ID, pred.Emotion(), pred.Probabilities[pred.Label]*100, pred.Elapsed.Round(time.Millisecond))
		return writePrediction(os.Stdout, pred)
	},
}

func init() {
	rootCmd.AddCommand(predictCmd)
}

// writePrediction prints the class distribution, marking the predicted emotion.
func writePrediction(out io.Writer, pred *pipeline.Prediction) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tPROBABILITY\t")
	fmt.Fprintln(w, "-------\t-----------\t")
	for i, p := range pred.Probabilities {
		mark := ""
		if i == pred.Label {
			mark = "◀"
		}
		name := fmt.Sprintf("class-%d", i)
		if i < len(types.Emotions) {
			name = types.Emotions[i]
		}
		fmt.Fprintf(w, "%s\t%.4f\t%s\n", name, p, mark)
	}
	return w.Flush()
}
