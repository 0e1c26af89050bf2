package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// WriteTable prints the comparison table across variants.
func WriteTable(out io.Writer, s *Summary) error {
	fmt.Fprintf(out, "Run %s (%s, %s sequences, %s partition, %s)\n\n",
		shortID(s.RunID), s.Mode, humanize.Comma(int64(s.Sequences)), s.Partition, humanize.Time(s.CreatedAt))

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tFOLDS OK\tMEAN ACC\tSTD\tEVAL ACC\tLATENCY\tEMBEDDING")
	fmt.Fprintln(w, "-------\t--------\t--------\t---\t--------\t-------\t---------")

	for _, v := range s.Variants {
		folds := "-"
		if v.Folds > 0 {
			folds = fmt.Sprintf("%d/%d", v.Succeeded, v.Folds)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Name,
			folds,
			percent(v.MeanAccuracy, v.Succeeded > 0),
			percent(v.StdAccuracy(), v.Succeeded > 0),
			percent(v.EvalAccuracy, v.EvalSamples > 0),
			millis(time.Duration(v.Latency.EndToEnd)),
			millis(time.Duration(v.Latency.Embedding)),
		)
	}
	return w.Flush()
}

// WriteConfusion prints the count matrix of a variant.
func WriteConfusion(out io.Writer, c *Confusion) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(w, "actual \\ predicted\t")
	for _, l := range c.Labels {
		fmt.Fprintf(w, "%s\t", l)
	}
	fmt.Fprintln(w)
	for i, row := range c.Counts {
		fmt.Fprintf(w, "%s\t", c.Labels[i])
		for _, v := range row {
			fmt.Fprintf(w, "%d\t", v)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func percent(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}

func millis(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.FtoaWithDigits(float64(d)/float64(time.Millisecond), 2) + " ms"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
