// Package features extracts, fuses and caches per-frame feature sequences.
package features

import (
	"fmt"

	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/fusion"
	"github.com/andresmejia3/mugfer/internal/nn"
	"github.com/andresmejia3/mugfer/internal/utils"
)

var log = event.Log

// Block holds one kind of feature (deep or SIFT) for a list of sequences.
type Block struct {
	IDs      []string
	Labels   []int
	Subjects []string
	X        [][][]float32
}

// Len returns the number of sequences.
func (b *Block) Len() int {
	return len(b.IDs)
}

func (b *Block) add(id, subject string, label int, x [][]float32) {
	b.IDs = append(b.IDs, id)
	b.Subjects = append(b.Subjects, subject)
	b.Labels = append(b.Labels, label)
	b.X = append(b.X, x)
}

// Set is the fused classifier input for a dataset.
type Set struct {
	Layout   fusion.Layout
	IDs      []string
	Labels   []int
	Subjects []string
	X        [][][]float32
}

// Len returns the number of sequences.
func (s *Set) Len() int {
	return len(s.IDs)
}

// Samples returns the set as classifier samples.
func (s *Set) Samples() []nn.Sample {
	samples := make([]nn.Sample, len(s.X))
	for i := range s.X {
		samples[i] = nn.Sample{X: s.X[i], Y: s.Labels[i]}
	}
	return samples
}

// Assemble fuses a deep block with an optional SIFT block. Sequences missing from the
// SIFT block (excluded by the missing face policy) are dropped.
func Assemble(deep, sift *Block, layout fusion.Layout) (*Set, error) {
	set := &Set{Layout: layout}

	var siftByID map[string][][]float32
	if layout.UseSIFT {
		if sift == nil {
			return nil, fmt.Errorf("%w: layout needs SIFT features", fusion.ErrDimensionMismatch)
		}
		siftByID = make(map[string][][]float32, sift.Len())
		for i, id := range sift.IDs {
			siftByID[id] = sift.X[i]
		}
	}

	for i, id := range deep.IDs {
		var s [][]float32
		if layout.UseSIFT {
			var ok bool
			if s, ok = siftByID[id]; !ok {
				log.Debugf("features: %s has no SIFT features, dropped", id)
				continue
			}
		}
		x, err := fusion.Sequence(deep.X[i], s, layout)
		if err != nil {
			return nil, fmt.Errorf("features: %s: %w", id, err)
		}
		set.IDs = append(set.IDs, id)
		set.Labels = append(set.Labels, deep.Labels[i])
		set.Subjects = append(set.Subjects, deep.Subjects[i])
		set.X = append(set.X, x)
	}
	return set, nil
}

func samplingParts(cfg *config.Config, datasetID string) []string {
	return []string{
		datasetID,
		fmt.Sprint(cfg.Sampler.Frames),
		fmt.Sprint(cfg.Sampler.FrameSize),
		cfg.Sampler.Short,
		fmt.Sprint(cfg.Crop.Enabled),
		fmt.Sprint(cfg.Crop.Padding),
	}
}

// DeepKey identifies deep features for a dataset, sampling configuration and backbone.
func DeepKey(cfg *config.Config, datasetID, backbone string) string {
	parts := append([]string{"deep", backbone, cfg.Backbone.Runtime}, samplingParts(cfg, datasetID)...)
	return "deep-" + backbone + "-" + utils.Fingerprint(parts...)
}

// SIFTKey identifies SIFT features for a dataset, sampling and descriptor configuration.
func SIFTKey(cfg *config.Config, datasetID string) string {
	parts := append([]string{
		"sift",
		fmt.Sprint(cfg.SIFT.KeypointSize),
		cfg.SIFT.MissingFace,
		cfg.Landmarks.Predictor,
	}, samplingParts(cfg, datasetID)...)
	return "sift-" + utils.Fingerprint(parts...)
}
