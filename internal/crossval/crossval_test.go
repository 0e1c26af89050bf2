package crossval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/mugfer/internal/nn"
)

// dataset returns labels and subjects for subjects x 6 emotions with 1-3 takes each.
func dataset(subjects int) ([]int, []string) {
	rng := rand.New(rand.NewSource(int64(subjects)))
	var labels []int
	var names []string
	for s := 0; s < subjects; s++ {
		for e := 0; e < 6; e++ {
			takes := 1 + rng.Intn(3)
			for i := 0; i < takes; i++ {
				labels = append(labels, e)
				names = append(names, fmt.Sprintf("%03d", s))
			}
		}
	}
	return labels, names
}

func assertCoverage(t *testing.T, folds []Fold, n int) {
	t.Helper()
	seen := make([]int, n)
	for _, f := range folds {
		for _, i := range f.Validation {
			seen[i]++
		}
		all := append(append([]int{}, f.Train...), f.Validation...)
		sort.Ints(all)
		require.Len(t, all, n, "fold %d", f.Index)
		for i, v := range all {
			require.Equal(t, i, v, "fold %d must split every sequence once", f.Index)
		}
	}
	for i, c := range seen {
		assert.Equal(t, 1, c, "sequence %d validated %d times", i, c)
	}
}

func TestPartitionCoverage(t *testing.T) {
	labels, subjects := dataset(12)

	for _, strategy := range []Strategy{BySubject, Stratified} {
		t.Run(string(strategy), func(t *testing.T) {
			folds, err := Partition(labels, subjects, 5, strategy)
			require.NoError(t, err)
			require.Len(t, folds, 5)
			assertCoverage(t, folds, len(labels))
		})
	}
}

func TestPartitionSubjectDisjoint(t *testing.T) {
	for _, n := range []int{5, 8, 13, 52} {
		t.Run(fmt.Sprintf("%d subjects", n), func(t *testing.T) {
			labels, subjects := dataset(n)
			folds, err := Partition(labels, subjects, 5, BySubject)
			require.NoError(t, err)

			for _, f := range folds {
				inVal := make(map[string]bool)
				for _, i := range f.Validation {
					inVal[subjects[i]] = true
				}
				for _, i := range f.Train {
					assert.False(t, inVal[subjects[i]], "fold %d leaks subject %s", f.Index, subjects[i])
				}
			}
		})
	}
}

func TestPartitionDeterministic(t *testing.T) {
	labels, subjects := dataset(20)

	a, err := Partition(labels, subjects, 5, BySubject)
	require.NoError(t, err)
	b, err := Partition(labels, subjects, 5, BySubject)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPartitionBalancesLabels(t *testing.T) {
	labels, subjects := dataset(50)
	folds, err := Partition(labels, subjects, 5, BySubject)
	require.NoError(t, err)

	for label := 0; label < 6; label++ {
		counts := make([]int, len(folds))
		total := 0
		for f, fold := range folds {
			for _, i := range fold.Validation {
				if labels[i] == label {
					counts[f]++
					total++
				}
			}
		}
		for f, c := range counts {
			assert.InDelta(t, float64(total)/5, float64(c), 8, "label %d fold %d", label, f)
		}
	}
}

func TestPartitionStratifiedOrder(t *testing.T) {
	labels := []int{0, 0, 0, 0, 0, 1, 1, 1, 1}
	subjects := make([]string, len(labels))

	folds, err := Partition(labels, subjects, 2, Stratified)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5, 6}, folds[0].Validation)
	assert.Equal(t, []int{3, 4, 7, 8}, folds[1].Validation)
}

func TestPartitionErrors(t *testing.T) {
	labels, subjects := dataset(4)

	_, err := Partition(labels, subjects, 5, BySubject)
	assert.ErrorIs(t, err, ErrTooFewSubjects)

	_, err = Partition([]int{0, 1}, []string{"a", "b"}, 3, Stratified)
	assert.ErrorIs(t, err, ErrTooFewSamples)

	_, err = Partition(labels, subjects, 1, BySubject)
	assert.Error(t, err)

	_, err = Partition(labels, subjects, 2, "random")
	assert.Error(t, err)
}

func separable(rng *rand.Rand, labels []int) []nn.Sample {
	samples := make([]nn.Sample, len(labels))
	for i, y := range labels {
		seq := make([][]float32, 5)
		for t := range seq {
			seq[t] = make([]float32, 6)
			for j := range seq[t] {
				seq[t][j] = float32(0.1 * rng.NormFloat64())
			}
			seq[t][y] += 1
		}
		samples[i] = nn.Sample{X: seq, Y: y}
	}
	return samples
}

func testOptions() Options {
	return Options{
		Model:        nn.Config{InputDim: 6, LSTMUnits: 8, HiddenUnits: 8, Classes: 6, Dropout: 0, Seed: 1},
		Epochs:       100,
		BatchSize:    8,
		LearningRate: 0.3,
		Patience:     1000,
		Retries:      1,
		Workers:      2,
		Backoff:      time.Millisecond,
	}
}

func TestTrainerRun(t *testing.T) {
	labels, subjects := dataset(6)
	samples := separable(rand.New(rand.NewSource(3)), labels)
	folds, err := Partition(labels, subjects, 3, BySubject)
	require.NoError(t, err)

	trainer := NewTrainer(testOptions())
	var seen []int
	trainer.OnFold = func(r FoldResult) { seen = append(seen, r.Fold.Index) }

	res, err := trainer.Run(context.Background(), samples, folds)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.Equal(t, 3, res.Succeeded)
	assert.ElementsMatch(t, []int{0, 1, 2}, seen)
	for i, f := range res.Folds {
		assert.Equal(t, i, f.Fold.Index)
		assert.Equal(t, StatusOK, f.Status)
		assert.Equal(t, 1, f.Attempts)
		assert.Equal(t, 100, f.Epochs)
		assert.Len(t, f.History.ValAccuracy, 100)
		assert.NotNil(t, f.Model)
	}
	assert.Greater(t, res.Mean, 0.5)
	assert.GreaterOrEqual(t, res.Variance, 0.0)
}

func TestTrainerSaveBest(t *testing.T) {
	labels, subjects := dataset(4)
	samples := separable(rand.New(rand.NewSource(8)), labels)
	folds, err := Partition(labels, subjects, 2, BySubject)
	require.NoError(t, err)

	opts := testOptions()
	opts.SaveBest = true
	opts.Epochs = 15

	res, err := NewTrainer(opts).Run(context.Background(), samples, folds)
	require.NoError(t, err)
	for _, f := range res.Folds {
		best := 0.0
		for _, v := range f.History.ValAccuracy {
			best = math.Max(best, v)
		}
		assert.Equal(t, best, f.Accuracy, "fold %d keeps its best epoch", f.Fold.Index)
	}
}

func TestTrainerDiverged(t *testing.T) {
	labels, subjects := dataset(3)
	samples := separable(rand.New(rand.NewSource(3)), labels)
	for i := range samples {
		samples[i].X[0][0] = float32(math.NaN())
	}
	folds, err := Partition(labels, subjects, 3, BySubject)
	require.NoError(t, err)

	res, err := NewTrainer(testOptions()).Run(context.Background(), samples, folds)
	assert.ErrorIs(t, err, ErrAllFoldsFailed)
	require.NotNil(t, res)
	for _, f := range res.Folds {
		assert.Equal(t, StatusFailed, f.Status)
		assert.Equal(t, 2, f.Attempts)
		assert.True(t, errors.Is(f.Err, nn.ErrDiverged))
	}
}

func TestTrainerCanceled(t *testing.T) {
	labels, subjects := dataset(3)
	samples := separable(rand.New(rand.NewSource(3)), labels)
	folds, err := Partition(labels, subjects, 3, BySubject)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewTrainer(testOptions()).Run(ctx, samples, folds)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregatePartialFailure(t *testing.T) {
	folds := []FoldResult{
		{Fold: Fold{Index: 0}, Status: StatusOK, Accuracy: 0.8},
		{Fold: Fold{Index: 1}, Status: StatusFailed, Err: nn.ErrDiverged},
		{Fold: Fold{Index: 2}, Status: StatusOK, Accuracy: 0.6},
	}

	res, err := aggregate(folds)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.InDelta(t, 0.7, res.Mean, 1e-9)
	assert.InDelta(t, 0.01, res.Variance, 1e-9)
	assert.ErrorIs(t, res.Err, nn.ErrDiverged)
}
