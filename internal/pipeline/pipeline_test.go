package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/mugfer/internal/artifact"
	"github.com/andresmejia3/mugfer/internal/backbone"
	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/crossval"
	"github.com/andresmejia3/mugfer/internal/dataset"
	"github.com/andresmejia3/mugfer/internal/features"
	"github.com/andresmejia3/mugfer/internal/fusion"
	"github.com/andresmejia3/mugfer/internal/report"
	"github.com/andresmejia3/mugfer/internal/sampler"
	"github.com/andresmejia3/mugfer/internal/store"
	"github.com/andresmejia3/mugfer/internal/types"
)

// memorySource serves takes whose frames carry the label in their red channel.
type memorySource struct {
	takes  []dataset.Take
	frames map[string][]image.Image
}

func labelColor(label int) color.NRGBA {
	return color.NRGBA{R: uint8(20 + 30*label), G: 128, B: 64, A: 255}
}

func newMemorySource(subjects, takes int) *memorySource {
	m := &memorySource{frames: map[string][]image.Image{}}
	for s := 0; s < subjects; s++ {
		subject := fmt.Sprintf("%03d", s+1)
		for label, emotion := range types.Emotions {
			for k := 0; k < takes; k++ {
				id := fmt.Sprintf("%s/%s/take%03d", subject, emotion, k)
				var frames []image.Image
				for f := 0; f < 7; f++ {
					frames = append(frames, imaging.New(40, 30, labelColor(label)))
				}
				m.takes = append(m.takes, dataset.Take{ID: id, Subject: subject, Label: label})
				m.frames[id] = frames
			}
		}
	}
	return m
}

func (m *memorySource) Takes() ([]dataset.Take, error) {
	return m.takes, nil
}

func (m *memorySource) Load(ctx context.Context, take dataset.Take, pick dataset.Picker) (types.Sequence, error) {
	seq := types.Sequence{ID: take.ID, Subject: take.Subject, Label: take.Label}
	all := m.frames[take.ID]
	indices, err := pick(len(all))
	if err != nil {
		return seq, err
	}
	for _, i := range indices {
		seq.Frames = append(seq.Frames, all[i])
	}
	return seq, nil
}

// labelEmbedder decodes the red channel into a one-hot emotion vector.
type labelEmbedder struct{}

func (labelEmbedder) Name() string { return "label" }
func (labelEmbedder) Dim() int     { return 6 }
func (labelEmbedder) Close() error { return nil }

func (labelEmbedder) Embed(img image.Image) ([]float32, error) {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	label := int(math.Round((float64(r>>8) - 20) / 30))
	v := make([]float32, 6)
	if label >= 0 && label < 6 {
		v[label] = 1
	}
	return v, nil
}

type constDescriber struct{}

func (constDescriber) Sequence(ctx context.Context, id string, frames []image.Image) ([][]float32, error) {
	out := make([][]float32, len(frames))
	for i := range out {
		out[i] = []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	}
	return out, nil
}

var testLayout = fusion.Layout{DeepDim: 6, Landmarks: 2, DescriptorDim: 3, UseSIFT: true}

type harness struct {
	p     *Pipeline
	calls atomic.Int32
	root  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	cfg := config.New()
	cfg.Variant = "vgg-sift-lstm"
	cfg.DatasetPath = filepath.Join(root, "dataset")
	cfg.CachePath = filepath.Join(root, "cache")
	cfg.ReportPath = filepath.Join(root, "reports")
	cfg.Artifacts.Path = filepath.Join(root, "trained")
	cfg.Workers = 2
	cfg.Sampler.FrameSize = 16
	cfg.Model.LSTMUnits = 8
	cfg.Model.HiddenUnits = 8
	cfg.Model.Dropout = 0
	cfg.Training.Folds = 3
	cfg.Training.Epochs = 150
	cfg.Training.BatchSize = 8
	cfg.Training.LearningRate = 0.3
	cfg.Training.Patience = 1000
	cfg.Report.LatencySamples = 2

	results, err := store.NewSQLite(filepath.Join(root, "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close(context.Background()) })

	h := &harness{root: root}
	h.p = &Pipeline{
		Config:  cfg,
		Source:  newMemorySource(6, 2),
		Sampler: sampler.New(cfg.Sampler.Frames, cfg.Sampler.FrameSize, sampler.Pad),
		Engines: func(ctx context.Context, req EngineRequest) ([]features.Engine, func(), error) {
			h.calls.Add(1)
			engines := make([]features.Engine, req.Count)
			for i := range engines {
				if req.Deep {
					engines[i].Embedder = labelEmbedder{}
				}
				if req.SIFT {
					engines[i].SIFT = constDescriber{}
				}
			}
			return engines, func() {}, nil
		},
		Layout: func(v config.Variant) (fusion.Layout, error) {
			return testLayout, nil
		},
		Models:    artifact.NewModels(artifact.NewDiskStore(cfg.Artifacts.Path)),
		Results:   results,
		Cache:     features.NewCache(cfg.FeatureCachePath),
		DatasetID: "synthetic",
	}
	return h
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Extract fills the cache.
	summary, err := h.p.Run(ctx, ModeExtract)
	require.NoError(t, err)
	assert.Equal(t, "extract", summary.Mode)
	assert.Equal(t, 72, summary.Sequences)
	assert.EqualValues(t, 1, h.calls.Load())

	// Train reads the cache, only latency opens engines.
	summary, err = h.p.Run(ctx, ModeTrain)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.calls.Load())
	require.Len(t, summary.Variants, 1)

	v := summary.Variants[0]
	assert.Equal(t, "vgg-sift-lstm", v.Name)
	assert.Equal(t, 3, v.Folds)
	assert.Equal(t, 3, v.Succeeded)
	assert.Greater(t, v.MeanAccuracy, 0.8)
	assert.Greater(t, v.EvalAccuracy, 0.8)
	assert.Equal(t, v.EvalSamples, v.Confusion.Total())
	assert.Len(t, v.Histories, 3)
	assert.Greater(t, int64(v.Latency.EndToEnd), int64(0))
	assert.FileExists(t, filepath.Join(h.p.Config.Artifacts.Path, "vgg-sift-lstm.model"))
	assert.FileExists(t, filepath.Join(h.p.Config.ReportPath, summary.RunID, report.FileName))
	assert.FileExists(t, filepath.Join(h.p.Config.ReportPath, summary.RunID, "accuracy.png"))

	// The happiness sequence goes through the whole chain with the persisted model.
	src := h.p.Source.(*memorySource)
	var happy dataset.Take
	for _, take := range src.takes {
		if take.Label == types.EmotionIndex("happiness") {
			happy = take
		}
	}
	require.NotEmpty(t, happy.ID)
	pred, err := h.p.Classify(ctx, src, happy)
	require.NoError(t, err)
	assert.Equal(t, "happiness", pred.Emotion())
	assert.InDelta(t, 1.0, sum(pred.Probabilities), 1e-6)

	// Evaluate reuses the stored model and the cached features.
	evalSummary, err := h.p.Run(ctx, ModeEvaluate)
	require.NoError(t, err)
	assert.Equal(t, v.EvalAccuracy, evalSummary.Variants[0].EvalAccuracy)
	assert.Zero(t, evalSummary.Variants[0].Folds)

	runs, err := h.p.Results.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	folds, err := h.p.Results.Folds(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Len(t, folds, 3)
	evals, err := h.p.Results.LatestEvaluations(ctx)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, evalSummary.RunID, evals[0].RunID)
}

func TestEvaluateWithoutModel(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Run(context.Background(), ModeEvaluate)
	assert.ErrorIs(t, err, ErrNoModel)
	assert.Zero(t, h.calls.Load())
}

func TestEvaluateUsesPersistedSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.Config.Training.Epochs = 20
	h.p.Config.Training.Partition = string(crossval.Stratified)

	trained, err := h.p.Run(ctx, ModeTrain)
	require.NoError(t, err)
	tv := trained.Variants[0]
	assert.Equal(t, 1, tv.EvalFold)

	split, err := h.p.Models.LoadSplit(ctx, "vgg-sift-lstm")
	require.NoError(t, err)
	assert.Equal(t, "synthetic", split.DatasetID)
	assert.Equal(t, "stratified", split.Strategy)
	assert.Equal(t, 3, split.Folds)
	assert.Equal(t, 1, split.Fold)

	v, err := config.FindVariant("vgg-sift-lstm")
	require.NoError(t, err)
	set, err := h.p.Features(ctx, v, testLayout)
	require.NoError(t, err)
	folds, err := crossval.Partition(set.Labels, set.Subjects, 3, crossval.Stratified)
	require.NoError(t, err)
	assert.Equal(t, sequenceIDs(set, folds[1].Validation), split.Validation)
	assert.Len(t, split.Validation, tv.EvalSamples)

	// A later evaluate with different partition settings still scores the persisted split.
	h.p.Config.Training.Partition = string(crossval.BySubject)
	h.p.Config.Training.Folds = 2
	h.p.Config.Training.EvalFold = 0
	evaluated, err := h.p.Run(ctx, ModeEvaluate)
	require.NoError(t, err)
	ev := evaluated.Variants[0]
	assert.Equal(t, "stratified", evaluated.Partition)
	assert.Equal(t, 1, ev.EvalFold)
	assert.Equal(t, tv.EvalSamples, ev.EvalSamples)
	assert.Equal(t, tv.EvalAccuracy, ev.EvalAccuracy)
}

func TestEvaluateWithoutSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.Config.Training.Epochs = 2
	_, err := h.p.Run(ctx, ModeTrain)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(h.p.Config.Artifacts.Path, artifact.SplitName("vgg-sift-lstm"))))
	_, err = h.p.Run(ctx, ModeEvaluate)
	assert.ErrorIs(t, err, ErrNoSplit)
}

func TestPickFold(t *testing.T) {
	folds, err := crossval.Partition([]int{0, 1, 0, 1, 0, 1}, []string{"a", "a", "b", "b", "c", "c"}, 3, crossval.BySubject)
	require.NoError(t, err)
	result := &crossval.Result{Folds: make([]crossval.FoldResult, len(folds))}
	for i, f := range folds {
		result.Folds[i] = crossval.FoldResult{Fold: f, Status: crossval.StatusOK}
	}

	t.Run("Evaluation fold succeeded", func(t *testing.T) {
		chosen, err := pickFold(result, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, chosen.Fold.Index)
	})

	t.Run("Falls back to the first successful fold with its own split", func(t *testing.T) {
		result.Folds[1].Status = crossval.StatusFailed
		result.Folds[1].Err = errors.New("nn: training diverged")
		chosen, err := pickFold(result, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, chosen.Fold.Index)
		assert.Equal(t, folds[0].Validation, chosen.Fold.Validation)
		for _, v := range chosen.Fold.Validation {
			assert.NotContains(t, chosen.Fold.Train, v)
		}
	})

	t.Run("No successful fold", func(t *testing.T) {
		for i := range result.Folds {
			result.Folds[i].Status = crossval.StatusFailed
		}
		_, err := pickFold(result, 1)
		assert.ErrorIs(t, err, crossval.ErrAllFoldsFailed)
	})
}

func TestSplitIndices(t *testing.T) {
	set := &features.Set{IDs: []string{"a", "b", "c", "d"}, Labels: []int{0, 1, 2, 3}, Subjects: []string{"1", "1", "2", "2"}}

	idx, err := splitIndices(set, &artifact.Split{DatasetID: "x", Validation: []string{"d", "gone", "b"}}, "x")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, idx)

	_, err = splitIndices(set, &artifact.Split{DatasetID: "x", Validation: []string{"gone"}}, "y")
	assert.ErrorIs(t, err, ErrNoSplit)
}

func TestDimensionMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.Config.Training.Epochs = 2
	_, err := h.p.Run(ctx, ModeTrain)
	require.NoError(t, err)

	calls := h.calls.Load()
	h.p.Layout = func(v config.Variant) (fusion.Layout, error) {
		return fusion.Layout{DeepDim: 6}, nil
	}
	_, err = h.p.Run(ctx, ModeEvaluate)
	assert.ErrorIs(t, err, fusion.ErrDimensionMismatch)
	assert.Equal(t, calls, h.calls.Load())
}

func TestRunInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.p.Config.Variant = "resnet-lstm"
	_, err := h.p.Run(context.Background(), ModeTrain)
	assert.ErrorIs(t, err, config.ErrUnknownVariant)
}

func TestRunMode(t *testing.T) {
	assert.Equal(t, "evaluate", ModeEvaluate.String())
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "extract", ModeExtract.String())
	assert.Equal(t, ModeEvaluate, RunMode(0))
}

func TestDefaultLayout(t *testing.T) {
	cfg := config.New()
	layout := DefaultLayout(cfg)

	for _, tt := range []struct {
		variant string
		dim     int
	}{
		{"vgg-lstm", 4096},
		{"vgg-sift-lstm", 10624},
		{"densenet-lstm", 1024},
		{"densenet-sift-lstm", 7552},
	} {
		t.Run(tt.variant, func(t *testing.T) {
			v, err := config.FindVariant(tt.variant)
			require.NoError(t, err)
			l, err := layout(v)
			require.NoError(t, err)
			assert.Equal(t, tt.dim, l.Dim())
		})
	}
}

func TestDefaultEnginesMissingWeights(t *testing.T) {
	cfg := config.New()
	cfg.ModelsPath = t.TempDir()
	_, _, err := DefaultEngines(cfg)(context.Background(), EngineRequest{Backbone: "vgg16", Deep: true, Count: 1})
	assert.ErrorIs(t, err, backbone.ErrWeightsNotFound)
}

func sum(p []float64) float64 {
	total := 0.0
	for _, v := range p {
		total += v
	}
	return total
}
