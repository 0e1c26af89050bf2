// Package pipeline wires the dataset, extractors, classifier and stores into train,
// evaluate and extract runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/mugfer/internal/artifact"
	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/crossval"
	"github.com/andresmejia3/mugfer/internal/dataset"
	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/facecrop"
	"github.com/andresmejia3/mugfer/internal/features"
	"github.com/andresmejia3/mugfer/internal/fusion"
	"github.com/andresmejia3/mugfer/internal/nn"
	"github.com/andresmejia3/mugfer/internal/report"
	"github.com/andresmejia3/mugfer/internal/sampler"
	"github.com/andresmejia3/mugfer/internal/store"
	"github.com/andresmejia3/mugfer/internal/types"
	"github.com/andresmejia3/mugfer/internal/utils"
)

var log = event.Log

// RunMode selects what Run does.
type RunMode int

const (
	// ModeEvaluate loads the persisted model and evaluates it.
	ModeEvaluate RunMode = iota
	// ModeTrain cross-validates, persists the model of the evaluation fold and evaluates it.
	ModeTrain
	// ModeExtract only fills the feature cache.
	ModeExtract
)

func (m RunMode) String() string {
	switch m {
	case ModeEvaluate:
		return "evaluate"
	case ModeTrain:
		return "train"
	case ModeExtract:
		return "extract"
	default:
		return fmt.Sprintf("mode-%d", int(m))
	}
}

var (
	// ErrNoModel is returned by evaluation and prediction when no trained model is stored.
	ErrNoModel = errors.New("pipeline: no trained model, run train first")
	// ErrNoSplit is returned by evaluation when the validation split of the model is unknown.
	ErrNoSplit = errors.New("pipeline: no usable validation split for the model, run train again")
)

// Pipeline holds the components of a run. New wires the production ones; tests may
// assemble their own.
type Pipeline struct {
	Config    *config.Config
	Source    dataset.Source
	Sampler   *sampler.Sampler
	Cropper   features.Cropper
	Engines   EngineFactory
	Layout    func(v config.Variant) (fusion.Layout, error)
	Models    *artifact.Models
	Results   store.Store
	Cache     *features.Cache
	DatasetID string

	// Status receives the emoji progress lines; nil discards them.
	Status   io.Writer
	Progress bool

	closers []func()
}

// New wires a pipeline from the configuration. results may be nil.
func New(ctx context.Context, cfg *config.Config, results store.Store) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	artifacts, err := artifact.Open(cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Config:   cfg,
		Source:   dataset.NewDirSource(cfg.DatasetPath),
		Sampler:  sampler.New(cfg.Sampler.Frames, cfg.Sampler.FrameSize, sampler.Policy(cfg.Sampler.Short)),
		Engines:  DefaultEngines(cfg),
		Layout:   DefaultLayout(cfg),
		Models:   artifact.NewModels(artifacts),
		Results:  results,
		Cache:    features.NewCache(cfg.FeatureCachePath),
		Status:   os.Stderr,
		Progress: true,
	}

	if cfg.Crop.Enabled {
		cropper, err := facecrop.New(cfg.FaceModelsPath(), cfg.Crop.Padding)
		if err != nil {
			return nil, fmt.Errorf("pipeline: face cropper: %w", err)
		}
		p.Cropper = cropper
		p.closers = append(p.closers, cropper.Close)
	}
	return p, nil
}

// Close releases long-lived components.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

func (p *Pipeline) status(format string, args ...interface{}) {
	if p.Status != nil {
		fmt.Fprintf(p.Status, format, args...)
	}
}

// Run executes one mode with a fresh pipeline. Results are stored in cfg.DB when set.
func Run(ctx context.Context, mode RunMode, cfg *config.Config) (*report.Summary, error) {
	var results store.Store
	if cfg.DB != "" {
		var err error
		if results, err = store.Open(ctx, cfg.DB); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		defer results.Close(context.Background())
	}

	p, err := New(ctx, cfg, results)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return p.Run(ctx, mode)
}

// Run validates the configuration, loads or extracts features and then trains or
// evaluates the configured variant.
func (p *Pipeline) Run(ctx context.Context, mode RunMode) (*report.Summary, error) {
	start := time.Now()
	cfg := p.Config

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v, err := cfg.VariantInfo()
	if err != nil {
		return nil, err
	}
	layout, err := p.Layout(v)
	if err != nil {
		return nil, err
	}
	if err := p.ensureDatasetID(); err != nil {
		return nil, err
	}

	summary := report.NewSummary(mode.String())
	summary.DatasetID = p.DatasetID
	summary.Partition = cfg.Training.Partition

	// Dimension checks happen before any extraction.
	var model *nn.Classifier
	var split *artifact.Split
	switch mode {
	case ModeEvaluate:
		if model, err = p.loadModel(ctx, v.Name); err != nil {
			return nil, err
		}
		if err := fusion.Validate(layout, model.Config().InputDim); err != nil {
			return nil, err
		}
		if split, err = p.loadSplit(ctx, v.Name); err != nil {
			return nil, err
		}
		summary.Partition = split.Strategy
	case ModeTrain:
		if err := fusion.Validate(layout, p.modelConfig(layout).InputDim); err != nil {
			return nil, err
		}
	}

	set, err := p.Features(ctx, v, layout)
	if err != nil {
		return nil, err
	}
	summary.Sequences = set.Len()
	p.status("📚 %d sequences ready for %s (%d values per frame)\n", set.Len(), v.Name, layout.Dim())

	if mode == ModeExtract {
		summary.Duration = report.Duration(time.Since(start))
		summary.Variants = []report.Variant{{Name: v.Name}}
		return summary, nil
	}

	vr := report.Variant{Name: v.Name}
	var foldResults []crossval.FoldResult
	var validation []int

	if mode == ModeTrain {
		folds, err := crossval.Partition(set.Labels, set.Subjects, cfg.Training.Folds, crossval.Strategy(cfg.Training.Partition))
		if err != nil {
			return nil, err
		}
		result, err := p.train(ctx, set, folds, layout)
		if err != nil {
			return nil, err
		}
		foldResults = result.Folds
		fillTraining(&vr, result)

		chosen, err := pickFold(result, cfg.Training.EvalFold)
		if err != nil {
			return nil, err
		}
		model = chosen.Model
		validation = chosen.Fold.Validation
		split = &artifact.Split{
			DatasetID:  p.DatasetID,
			Strategy:   cfg.Training.Partition,
			Folds:      len(folds),
			Fold:       chosen.Fold.Index,
			Validation: sequenceIDs(set, validation),
		}

		if err := p.Models.Save(ctx, v.Name, model); err != nil {
			return nil, err
		}
		if err := p.Models.SaveSplit(ctx, v.Name, split); err != nil {
			return nil, err
		}
		vr.TrainedAt = time.Now().UTC()
		p.status("💾 Saved %s (validated on fold %d)\n", artifact.FileName(v.Name), split.Fold)
	} else {
		if validation, err = splitIndices(set, split, p.DatasetID); err != nil {
			return nil, err
		}
	}
	vr.EvalFold = split.Fold

	confusion, err := evaluate(model, set, validation)
	if err != nil {
		return nil, err
	}
	vr.Confusion = confusion
	vr.EvalAccuracy = confusion.Accuracy()
	vr.EvalSamples = confusion.Total()
	p.status("🎯 %s accuracy on fold %d: %.2f%% (%d sequences)\n", v.Name, vr.EvalFold, vr.EvalAccuracy*100, vr.EvalSamples)

	if vr.Latency, err = p.latency(ctx, v, layout, model); err != nil {
		return nil, err
	}

	summary.Variants = []report.Variant{vr}
	summary.Duration = report.Duration(time.Since(start))

	if err := p.finish(ctx, summary, foldResults); err != nil {
		return summary, err
	}
	return summary, nil
}

func (p *Pipeline) ensureDatasetID() error {
	if p.DatasetID != "" {
		return nil
	}
	id, err := utils.GenerateDatasetID(p.Config.DatasetPath)
	if err != nil {
		return fmt.Errorf("pipeline: dataset %s: %w", p.Config.DatasetPath, err)
	}
	p.DatasetID = id[:16]
	return nil
}

func (p *Pipeline) loadModel(ctx context.Context, variant string) (*nn.Classifier, error) {
	model, err := p.Models.Load(ctx, variant)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoModel, variant)
	}
	return model, err
}

func (p *Pipeline) loadSplit(ctx context.Context, variant string) (*artifact.Split, error) {
	split, err := p.Models.LoadSplit(ctx, variant)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSplit, variant)
	}
	return split, err
}

func (p *Pipeline) modelConfig(layout fusion.Layout) nn.Config {
	cfg := p.Config
	return nn.Config{
		InputDim:    layout.Dim(),
		LSTMUnits:   cfg.Model.LSTMUnits,
		HiddenUnits: cfg.Model.HiddenUnits,
		Classes:     len(types.Emotions),
		Dropout:     cfg.Model.Dropout,
		Seed:        cfg.Seed,
	}
}

// Features returns the fused feature set of a variant, extracting only what the cache lacks.
func (p *Pipeline) Features(ctx context.Context, v config.Variant, layout fusion.Layout) (*features.Set, error) {
	cfg := p.Config
	deepKey := features.DeepKey(cfg, p.DatasetID, v.Backbone)
	siftKey := features.SIFTKey(cfg, p.DatasetID)

	var deep, desc *features.Block
	if p.Cache != nil {
		deep, _ = p.Cache.Load(deepKey)
		if v.SIFT {
			desc, _ = p.Cache.Load(siftKey)
		}
	}

	req := EngineRequest{Backbone: v.Backbone, Deep: deep == nil, SIFT: v.SIFT && desc == nil, Count: cfg.Workers}
	if req.Deep || req.SIFT {
		p.status("⚙️  Spawning %d extraction engines (deep: %v, sift: %v)...\n", req.Count, req.Deep, req.SIFT)
		engines, release, err := p.Engines(ctx, req)
		if err != nil {
			return nil, err
		}
		ex := &features.Extractor{
			Source:   p.Source,
			Sampler:  p.Sampler,
			Cropper:  p.Cropper,
			Engines:  engines,
			Progress: p.Progress,
		}
		newDeep, newDesc, err := ex.Extract(ctx)
		release()
		if err != nil {
			return nil, err
		}

		if req.Deep {
			deep = newDeep
			p.saveBlock(deepKey, deep)
		}
		if req.SIFT {
			desc = newDesc
			p.saveBlock(siftKey, desc)
		}
	} else {
		p.status("📦 Features loaded from cache\n")
	}

	set, err := features.Assemble(deep, desc, layout)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, dataset.ErrEmptyDataset
	}
	return set, nil
}

func (p *Pipeline) saveBlock(key string, b *features.Block) {
	if p.Cache == nil {
		return
	}
	if err := p.Cache.Save(key, b); err != nil {
		log.Warnf("pipeline: feature cache not written: %s", err)
	}
}

func (p *Pipeline) train(ctx context.Context, set *features.Set, folds []crossval.Fold, layout fusion.Layout) (*crossval.Result, error) {
	cfg := p.Config
	trainer := crossval.NewTrainer(crossval.Options{
		Model:        p.modelConfig(layout),
		Epochs:       cfg.Training.Epochs,
		BatchSize:    cfg.Training.BatchSize,
		LearningRate: cfg.Training.LearningRate,
		Patience:     cfg.Training.Patience,
		SaveBest:     cfg.Training.SaveBest,
		Retries:      cfg.Training.Retries,
		Workers:      cfg.Workers,
		Backoff:      100 * time.Millisecond,
	})
	trainer.OnFold = func(r crossval.FoldResult) {
		if r.Status == crossval.StatusOK {
			p.status("✅ Fold %d/%d: %.2f%% after %d epochs (%s)\n", r.Fold.Index+1, len(folds), r.Accuracy*100, r.Epochs, r.Duration.Round(time.Millisecond))
		} else {
			p.status("❌ Fold %d/%d failed after %d attempts: %v\n", r.Fold.Index+1, len(folds), r.Attempts, r.Err)
		}
	}

	p.status("🏋️  Training %d folds on %d sequences...\n", len(folds), set.Len())
	result, err := trainer.Run(ctx, set.Samples(), folds)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		log.Warnf("pipeline: %d of %d folds failed: %s", len(folds)-result.Succeeded, len(folds), result.Err)
	}
	return result, nil
}

func fillTraining(vr *report.Variant, result *crossval.Result) {
	vr.Folds = len(result.Folds)
	vr.Succeeded = result.Succeeded
	vr.MeanAccuracy = result.Mean
	vr.VarAccuracy = result.Variance
	for _, f := range result.Folds {
		vr.Histories = append(vr.Histories, f.History)
		if f.Status == crossval.StatusOK {
			vr.FoldAccuracy = append(vr.FoldAccuracy, f.Accuracy)
		} else if f.Err != nil {
			vr.FoldErrors = append(vr.FoldErrors, fmt.Sprintf("fold %d: %s", f.Fold.Index, f.Err))
		}
	}
}

// pickFold returns the evaluation fold, or the first successful fold when that one
// failed. The returned fold's own validation split is the one the model is scored on.
func pickFold(result *crossval.Result, evalFold int) (*crossval.FoldResult, error) {
	if evalFold < len(result.Folds) && result.Folds[evalFold].Status == crossval.StatusOK {
		return &result.Folds[evalFold], nil
	}
	for i := range result.Folds {
		if result.Folds[i].Status == crossval.StatusOK {
			log.Warnf("pipeline: fold %d failed, persisting the model of fold %d", evalFold, result.Folds[i].Fold.Index)
			return &result.Folds[i], nil
		}
	}
	return nil, crossval.ErrAllFoldsFailed
}

func sequenceIDs(set *features.Set, idx []int) []string {
	ids := make([]string, len(idx))
	for i, j := range idx {
		ids[i] = set.IDs[j]
	}
	return ids
}

// splitIndices maps the recorded validation IDs of a model onto the current feature set.
func splitIndices(set *features.Set, split *artifact.Split, datasetID string) ([]int, error) {
	if split.DatasetID != datasetID {
		log.Warnf("pipeline: model was trained on dataset %s, evaluating on %s", split.DatasetID, datasetID)
	}
	index := make(map[string]int, set.Len())
	for i, id := range set.IDs {
		index[id] = i
	}

	idx := make([]int, 0, len(split.Validation))
	for _, id := range split.Validation {
		if i, ok := index[id]; ok {
			idx = append(idx, i)
		}
	}
	if missing := len(split.Validation) - len(idx); missing > 0 {
		log.Warnf("pipeline: %d of %d validation sequences are no longer available", missing, len(split.Validation))
	}
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: none of the %d validation sequences are in the dataset", ErrNoSplit, len(split.Validation))
	}
	return idx, nil
}

// evaluate classifies the given sequences and returns the confusion matrix.
func evaluate(model *nn.Classifier, set *features.Set, idx []int) (*report.Confusion, error) {
	confusion := report.NewConfusion(types.Emotions)
	for _, i := range idx {
		predicted, _, err := model.Classify(set.X[i])
		if err != nil {
			return nil, fmt.Errorf("pipeline: classify %s: %w", set.IDs[i], err)
		}
		if err := confusion.Add(set.Labels[i], predicted); err != nil {
			return nil, err
		}
	}
	return confusion, nil
}
