package report

import (
	"context"
	"errors"
	"time"

	"github.com/montanaflynn/stats"
)

// Latency is the mean wall time of classifying one raw sequence.
type Latency struct {
	// EndToEnd covers sampling, cropping, both extractors, fusion and the classifier.
	EndToEnd Duration `json:"end_to_end"`
	// Embedding covers the backbone alone, per sequence.
	Embedding Duration `json:"embedding"`
	Samples   int      `json:"samples"`
}

// Timed is one measured operation.
type Timed func(ctx context.Context) error

// MeasureLatency runs fn n times and returns the mean duration of a run.
func MeasureLatency(ctx context.Context, n int, fn Timed) (time.Duration, error) {
	if n < 1 {
		return 0, errors.New("report: latency needs at least one sample")
	}

	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			return 0, err
		}
		samples = append(samples, float64(time.Since(start)))
	}

	mean, err := stats.Mean(samples)
	if err != nil {
		return 0, err
	}
	return time.Duration(mean), nil
}

// Measure times an end-to-end call and an embedding-only call n times each.
func Measure(ctx context.Context, n int, endToEnd, embedding Timed) (Latency, error) {
	total, err := MeasureLatency(ctx, n, endToEnd)
	if err != nil {
		return Latency{}, err
	}
	embed, err := MeasureLatency(ctx, n, embedding)
	if err != nil {
		return Latency{}, err
	}
	return Latency{EndToEnd: Duration(total), Embedding: Duration(embed), Samples: n}, nil
}
