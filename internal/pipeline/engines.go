package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/mugfer/internal/backbone"
	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/features"
	"github.com/andresmejia3/mugfer/internal/fusion"
	"github.com/andresmejia3/mugfer/internal/landmark"
	"github.com/andresmejia3/mugfer/internal/sift"
	"github.com/andresmejia3/mugfer/internal/worker"
)

// EngineRequest describes the extraction engines a step needs.
type EngineRequest struct {
	Backbone string
	Deep     bool
	SIFT     bool
	Count    int
}

// EngineFactory opens engines. The release func closes everything it opened.
type EngineFactory func(ctx context.Context, req EngineRequest) ([]features.Engine, func(), error)

// DefaultEngines opens one backbone instance and one SIFT extractor per engine. All SIFT
// extractors share a pool of Count landmark processes.
func DefaultEngines(cfg *config.Config) EngineFactory {
	return func(ctx context.Context, req EngineRequest) ([]features.Engine, func(), error) {
		var closers []func()
		release := func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}

		var detector *landmark.WorkerDetector
		if req.SIFT {
			timeout, err := time.ParseDuration(cfg.Landmarks.Timeout)
			if err != nil {
				return nil, nil, fmt.Errorf("pipeline: landmark timeout: %w", err)
			}
			detector, err = landmark.NewWorkerDetector(ctx, req.Count, worker.Config{
				Python:      cfg.Landmarks.Python,
				Script:      cfg.Landmarks.Script,
				Predictor:   cfg.LandmarkPredictorPath(),
				ReadTimeout: timeout,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("pipeline: landmark engines: %w", err)
			}
			closers = append(closers, detector.Close)
		}

		engines := make([]features.Engine, 0, req.Count)
		for i := 0; i < req.Count; i++ {
			var e features.Engine
			if req.Deep {
				emb, err := backbone.Open(req.Backbone, cfg.Backbone.Runtime, cfg.BackboneModelPath(req.Backbone), cfg.Backbone.Threads)
				if err != nil {
					release()
					return nil, nil, err
				}
				closers = append(closers, func() { emb.Close() })
				e.Embedder = emb
			}
			if req.SIFT {
				ext := sift.New(detector, cfg.SIFT.KeypointSize, sift.Policy(cfg.SIFT.MissingFace))
				closers = append(closers, func() { ext.Close() })
				e.SIFT = ext
			}
			engines = append(engines, e)
		}
		return engines, release, nil
	}
}

// DefaultLayout derives the fused frame layout of a variant from its backbone.
func DefaultLayout(cfg *config.Config) func(v config.Variant) (fusion.Layout, error) {
	return func(v config.Variant) (fusion.Layout, error) {
		spec, err := backbone.Lookup(v.Backbone)
		if err != nil {
			return fusion.Layout{}, err
		}
		return fusion.Layout{
			DeepDim:       spec.Dim,
			Landmarks:     landmark.Count,
			DescriptorDim: cfg.SIFT.DescriptorDim,
			UseSIFT:       v.SIFT,
		}, nil
	}
}
