package crossval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/mugfer/internal/nn"
)

// ErrAllFoldsFailed is returned when no fold produced a model.
var ErrAllFoldsFailed = errors.New("crossval: all folds failed")

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Options control training of every fold.
type Options struct {
	Model        nn.Config
	Epochs       int
	BatchSize    int
	LearningRate float64
	Patience     int
	SaveBest     bool
	Retries      int
	Workers      int

	// Backoff is the first wait before retrying a diverged fold.
	Backoff time.Duration
}

// History records per-epoch metrics like a Keras History object.
type History struct {
	Loss        []float64 `json:"loss"`
	Accuracy    []float64 `json:"acc"`
	ValLoss     []float64 `json:"val_loss"`
	ValAccuracy []float64 `json:"val_acc"`
}

// FoldResult is the outcome of one fold.
type FoldResult struct {
	Fold     Fold
	Status   string
	Err      error
	Accuracy float64
	Loss     float64
	Epochs   int
	Attempts int
	Duration time.Duration
	History  History
	Model    *nn.Classifier
}

// Result aggregates every fold.
type Result struct {
	Folds     []FoldResult
	Mean      float64
	Variance  float64
	Succeeded int
	// Err combines the errors of failed folds.
	Err error
}

// Trainer runs cross-validation.
type Trainer struct {
	opts Options
	// OnFold is called after each fold finishes, from the fold's goroutine.
	OnFold func(FoldResult)
}

// NewTrainer returns a trainer with the given options.
func NewTrainer(opts Options) *Trainer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	return &Trainer{opts: opts}
}

// Run trains one classifier per fold. Folds run concurrently up to Workers and never share
// mutable state. A failed fold is reported in the result, only context cancellation aborts the run.
func (t *Trainer) Run(ctx context.Context, samples []nn.Sample, folds []Fold) (*Result, error) {
	results := make([]FoldResult, len(folds))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Workers)

	var mu sync.Mutex
	for i, fold := range folds {
		i, fold := i, fold
		g.Go(func() error {
			res := t.trainFold(ctx, samples, fold)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = res
			if t.OnFold != nil {
				mu.Lock()
				t.OnFold(res)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return aggregate(results)
}

func aggregate(folds []FoldResult) (*Result, error) {
	result := &Result{Folds: folds}
	var accs stats.Float64Data
	for _, f := range folds {
		if f.Status == StatusOK {
			accs = append(accs, f.Accuracy)
			continue
		}
		result.Err = multierr.Append(result.Err, fmt.Errorf("fold %d: %w", f.Fold.Index, f.Err))
	}

	result.Succeeded = len(accs)
	if result.Succeeded == 0 {
		return result, fmt.Errorf("%w: %v", ErrAllFoldsFailed, result.Err)
	}

	result.Mean, _ = stats.Mean(accs)
	result.Variance, _ = stats.PopulationVariance(accs)
	return result, nil
}

// trainFold trains a fold, retrying with a new seed when training diverges.
func (t *Trainer) trainFold(ctx context.Context, samples []nn.Sample, fold Fold) FoldResult {
	start := time.Now()
	res := FoldResult{Fold: fold}

	train := pick(samples, fold.Train)
	val := pick(samples, fold.Validation)

	backoff := retry.WithMaxRetries(uint64(t.opts.Retries), retry.NewExponential(t.opts.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cfg := t.opts.Model
		cfg.Seed = t.opts.Model.Seed + int64(fold.Index)*1000 + int64(res.Attempts)
		res.Attempts++

		model, hist, epochs, err := t.fit(ctx, cfg, train, val)
		if errors.Is(err, nn.ErrDiverged) {
			log.Warnf("crossval: fold %d diverged (attempt %d, seed %d)", fold.Index, res.Attempts, cfg.Seed)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		res.Model, res.History, res.Epochs = model, hist, epochs
		return nil
	})

	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.Errorf("crossval: fold %d failed after %d attempts: %s", fold.Index, res.Attempts, err)
		return res
	}

	loss, acc, err := res.Model.Evaluate(val)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusOK
	res.Loss, res.Accuracy = loss, acc
	log.Infof("crossval: fold %d accuracy %.4f after %d epochs", fold.Index, acc, res.Epochs)
	return res
}

// fit runs the epoch loop with early stopping on validation loss.
func (t *Trainer) fit(ctx context.Context, cfg nn.Config, train, val []nn.Sample) (*nn.Classifier, History, int, error) {
	var hist History

	model, err := nn.New(cfg)
	if err != nil {
		return nil, hist, 0, err
	}

	best := model
	bestAcc := -1.0
	bestLoss := math.Inf(1)
	wait := 0
	epochs := 0

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, hist, epochs, err
		}

		if _, err := model.TrainEpoch(train, t.opts.BatchSize, t.opts.LearningRate); err != nil {
			return nil, hist, epochs, err
		}
		epochs++

		loss, acc, err := model.Evaluate(train)
		if err != nil {
			return nil, hist, epochs, err
		}
		valLoss, valAcc, err := model.Evaluate(val)
		if err != nil {
			return nil, hist, epochs, err
		}

		hist.Loss = append(hist.Loss, loss)
		hist.Accuracy = append(hist.Accuracy, acc)
		hist.ValLoss = append(hist.ValLoss, valLoss)
		hist.ValAccuracy = append(hist.ValAccuracy, valAcc)

		if t.opts.SaveBest && valAcc > bestAcc {
			best = model.Clone()
			bestAcc = valAcc
		}

		if valLoss < bestLoss {
			bestLoss = valLoss
			wait = 0
		} else {
			wait++
			if wait >= t.opts.Patience {
				log.Debugf("crossval: early stop at epoch %d (val_loss %.4f)", epoch+1, valLoss)
				break
			}
		}
	}

	if t.opts.SaveBest {
		return best, hist, epochs, nil
	}
	return model, hist, epochs, nil
}

func pick(samples []nn.Sample, idx []int) []nn.Sample {
	result := make([]nn.Sample, len(idx))
	for i, j := range idx {
		result[i] = samples[j]
	}
	return result
}
