package features

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/mugfer/internal/backbone"
	"github.com/andresmejia3/mugfer/internal/dataset"
	"github.com/andresmejia3/mugfer/internal/sampler"
	"github.com/andresmejia3/mugfer/internal/sift"
	"github.com/andresmejia3/mugfer/internal/types"
)

// Describer computes per-frame landmark descriptors for a sampled sequence.
type Describer interface {
	Sequence(ctx context.Context, id string, frames []image.Image) ([][]float32, error)
}

// Cropper narrows a frame to the face before resizing.
type Cropper interface {
	Crop(img image.Image) (image.Image, error)
}

// Engine is one extraction lane. Either field may be nil when that kind of feature
// is not needed.
type Engine struct {
	Embedder backbone.Embedder
	SIFT     Describer
}

// Extractor turns every take of a dataset into deep and SIFT feature blocks.
type Extractor struct {
	Source  dataset.Source
	Sampler *sampler.Sampler
	Cropper Cropper
	Engines []Engine

	// Progress draws a progress bar on stderr.
	Progress bool
}

// Prepare loads the sampled frames of a take, crops them to the face and resizes them.
func Prepare(ctx context.Context, src dataset.Source, s *sampler.Sampler, c Cropper, take dataset.Take) (types.Sequence, error) {
	seq, err := src.Load(ctx, take, func(n int) ([]int, error) {
		return s.Pick(take.ID, n)
	})
	if err != nil {
		return seq, err
	}

	if c != nil {
		for i, img := range seq.Frames {
			if seq.Frames[i], err = c.Crop(img); err != nil {
				return seq, fmt.Errorf("features: crop %s frame %d: %w", take.ID, i, err)
			}
		}
	}
	seq.Frames, err = s.Sample(take.ID, seq.Frames)
	return seq, err
}

// Features runs one engine over a prepared sequence. A nil result means the engine
// has no extractor of that kind.
func Features(ctx context.Context, engine Engine, seq types.Sequence) (deep, desc [][]float32, err error) {
	if engine.Embedder != nil {
		deep = make([][]float32, len(seq.Frames))
		for i, img := range seq.Frames {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			if deep[i], err = engine.Embedder.Embed(img); err != nil {
				return nil, nil, fmt.Errorf("features: embed %s frame %d: %w", seq.ID, i, err)
			}
		}
	}
	if engine.SIFT != nil {
		if desc, err = engine.SIFT.Sequence(ctx, seq.ID, seq.Frames); err != nil {
			return deep, nil, err
		}
	}
	return deep, desc, nil
}

type extractTask struct {
	Index int
	Take  dataset.Take
}

type extractResult struct {
	Index    int
	Take     dataset.Take
	Deep     [][]float32
	SIFT     [][]float32
	Excluded bool
}

// Extract processes every take with a pool of engines. Sequences that are too short
// or excluded by the missing face policy are left out with a warning. The first other
// error cancels the run.
func (e *Extractor) Extract(ctx context.Context) (deep, desc *Block, err error) {
	if len(e.Engines) == 0 {
		return nil, nil, errors.New("features: no extraction engines")
	}

	takes, err := e.Source.Takes()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bar *progressbar.ProgressBar
	if e.Progress {
		bar = progressbar.NewOptions(len(takes),
			progressbar.OptionSetDescription("🧬 Extracting features"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}

	taskChan := make(chan extractTask, len(e.Engines))
	resultsChan := make(chan extractResult, len(e.Engines)*2)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	// Aggregator keeps results in take order regardless of which engine finishes first.
	ordered := make([]*extractResult, len(takes))
	aggDone := make(chan struct{})
	go func() {
		for res := range resultsChan {
			ordered[res.Index] = &res
			if bar != nil {
				bar.Add(1)
			}
		}
		close(aggDone)
	}()

	for _, engine := range e.Engines {
		wg.Add(1)
		go func(engine Engine) {
			defer wg.Done()
			for task := range taskChan {
				res, err := e.process(ctx, engine, task)
				if err != nil {
					fail(err)
					continue
				}
				resultsChan <- res
			}
		}(engine)
	}

feed:
	for i, take := range takes {
		select {
		case taskChan <- extractTask{Index: i, Take: take}:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskChan)
	wg.Wait()
	close(resultsChan)
	<-aggDone

	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if e.Engines[0].Embedder != nil {
		deep = &Block{}
	}
	if e.Engines[0].SIFT != nil {
		desc = &Block{}
	}
	excluded := 0
	for _, res := range ordered {
		if res == nil || res.Excluded {
			excluded++
			continue
		}
		t := res.Take
		if deep != nil {
			deep.add(t.ID, t.Subject, t.Label, res.Deep)
		}
		if desc != nil && res.SIFT != nil {
			desc.add(t.ID, t.Subject, t.Label, res.SIFT)
		}
	}
	if excluded > 0 {
		log.Warnf("features: %d of %d sequences excluded", excluded, len(takes))
	}
	return deep, desc, nil
}

func (e *Extractor) process(ctx context.Context, engine Engine, task extractTask) (extractResult, error) {
	res := extractResult{Index: task.Index, Take: task.Take}

	seq, err := Prepare(ctx, e.Source, e.Sampler, e.Cropper, task.Take)
	if errors.Is(err, sampler.ErrTooFewFrames) || errors.Is(err, dataset.ErrEmptyTake) {
		log.Warnf("features: %s excluded (%s)", task.Take.ID, err)
		res.Excluded = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	res.Deep, res.SIFT, err = Features(ctx, engine, seq)
	if errors.Is(err, sift.ErrExcluded) {
		// The deep block keeps the sequence, only the SIFT block drops it.
		if engine.Embedder == nil {
			res.Excluded = true
		}
		return res, nil
	}
	return res, err
}
