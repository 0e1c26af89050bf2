package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/dataset"
	"github.com/andresmejia3/mugfer/internal/features"
	"github.com/andresmejia3/mugfer/internal/fusion"
	"github.com/andresmejia3/mugfer/internal/nn"
	"github.com/andresmejia3/mugfer/internal/report"
	"github.com/andresmejia3/mugfer/internal/types"
)

// Prediction is the classifier output for one raw sequence.
type Prediction struct {
	ID            string
	Variant       string
	Label         int
	Probabilities []float64
	Elapsed       time.Duration
}

// Emotion is the name of the predicted class.
func (p Prediction) Emotion() string {
	return types.Sequence{Label: p.Label}.Emotion()
}

// Predict classifies one take directory or video clip end-to-end with the persisted model.
func Predict(ctx context.Context, cfg *config.Config, seqDir string) (*Prediction, error) {
	take, err := dataset.Open(seqDir)
	if err != nil {
		return nil, err
	}

	p, err := New(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return p.Classify(ctx, dataset.NewDirSource(seqDir), take)
}

// Classify runs sampling, cropping, both extractors, fusion and the persisted classifier
// on one take read from src.
func (p *Pipeline) Classify(ctx context.Context, src dataset.Source, take dataset.Take) (*Prediction, error) {
	start := time.Now()

	v, err := p.Config.VariantInfo()
	if err != nil {
		return nil, err
	}
	layout, err := p.Layout(v)
	if err != nil {
		return nil, err
	}
	model, err := p.loadModel(ctx, v.Name)
	if err != nil {
		return nil, err
	}
	if err := fusion.Validate(layout, model.Config().InputDim); err != nil {
		return nil, err
	}

	engines, release, err := p.Engines(ctx, EngineRequest{Backbone: v.Backbone, Deep: true, SIFT: v.SIFT, Count: 1})
	if err != nil {
		return nil, err
	}
	defer release()

	label, probs, err := p.classifyOnce(ctx, src, engines[0], layout, model, take)
	if err != nil {
		return nil, err
	}
	return &Prediction{
		ID:            take.ID,
		Variant:       v.Name,
		Label:         label,
		Probabilities: probs,
		Elapsed:       time.Since(start),
	}, nil
}

func (p *Pipeline) classifyOnce(ctx context.Context, src dataset.Source, engine features.Engine, layout fusion.Layout, model *nn.Classifier, take dataset.Take) (int, []float64, error) {
	seq, err := features.Prepare(ctx, src, p.Sampler, p.Cropper, take)
	if err != nil {
		return 0, nil, err
	}
	deep, desc, err := features.Features(ctx, engine, seq)
	if err != nil {
		return 0, nil, err
	}
	x, err := fusion.Sequence(deep, desc, layout)
	if err != nil {
		return 0, nil, fmt.Errorf("pipeline: %s: %w", take.ID, err)
	}
	return model.Classify(x)
}

// latency times the whole chain and the backbone alone on the first usable take.
func (p *Pipeline) latency(ctx context.Context, v config.Variant, layout fusion.Layout, model *nn.Classifier) (report.Latency, error) {
	takes, err := p.Source.Takes()
	if err != nil {
		return report.Latency{}, err
	}

	engines, release, err := p.Engines(ctx, EngineRequest{Backbone: v.Backbone, Deep: true, SIFT: v.SIFT, Count: 1})
	if err != nil {
		return report.Latency{}, err
	}
	defer release()
	engine := engines[0]

	for _, take := range takes {
		seq, err := features.Prepare(ctx, p.Source, p.Sampler, p.Cropper, take)
		if err != nil {
			continue
		}
		if _, _, err := p.classifyOnce(ctx, p.Source, engine, layout, model, take); err != nil {
			log.Debugf("pipeline: %s not usable for latency (%s)", take.ID, err)
			continue
		}

		n := p.Config.Report.LatencySamples
		p.status("⏱️  Measuring latency on %s (%d runs)...\n", take.ID, n)
		return report.Measure(ctx, n,
			func(ctx context.Context) error {
				_, _, err := p.classifyOnce(ctx, p.Source, engine, layout, model, take)
				return err
			},
			func(ctx context.Context) error {
				_, _, err := features.Features(ctx, features.Engine{Embedder: engine.Embedder}, seq)
				return err
			},
		)
	}
	log.Warnf("pipeline: no sequence usable for latency measurement")
	return report.Latency{}, nil
}
