// Package fusion concatenates per-frame deep embeddings with landmark descriptors.
package fusion

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when inputs do not match the layout.
var ErrDimensionMismatch = errors.New("fusion: dimension mismatch")

// Layout fixes the shape of a fused frame vector.
type Layout struct {
	DeepDim       int
	Landmarks     int
	DescriptorDim int
	UseSIFT       bool
}

// SIFTDim is the length of the descriptor part, zero without SIFT.
func (l Layout) SIFTDim() int {
	if !l.UseSIFT {
		return 0
	}
	return l.Landmarks * l.DescriptorDim
}

// Dim is the length of a fused vector.
func (l Layout) Dim() int {
	return l.DeepDim + l.SIFTDim()
}

// Fuse returns deep followed by sift. sift must be nil when the layout has no SIFT part.
func Fuse(deep, sift []float32, layout Layout) ([]float32, error) {
	if len(deep) != layout.DeepDim {
		return nil, fmt.Errorf("%w: deep embedding has %d values, want %d", ErrDimensionMismatch, len(deep), layout.DeepDim)
	}
	if len(sift) != layout.SIFTDim() {
		return nil, fmt.Errorf("%w: descriptor has %d values, want %d", ErrDimensionMismatch, len(sift), layout.SIFTDim())
	}

	result := make([]float32, 0, layout.Dim())
	result = append(result, deep...)
	result = append(result, sift...)
	return result, nil
}

// Sequence fuses every frame of a sequence.
func Sequence(deep, sift [][]float32, layout Layout) ([][]float32, error) {
	if layout.UseSIFT && len(sift) != len(deep) {
		return nil, fmt.Errorf("%w: %d deep frames, %d descriptor frames", ErrDimensionMismatch, len(deep), len(sift))
	}

	result := make([][]float32, len(deep))
	for i := range deep {
		var s []float32
		if layout.UseSIFT {
			s = sift[i]
		}
		v, err := Fuse(deep[i], s, layout)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		result[i] = v
	}
	return result, nil
}

// Validate checks that a layout feeds a classifier expecting inputDim values per frame.
func Validate(layout Layout, inputDim int) error {
	if layout.DeepDim <= 0 {
		return fmt.Errorf("%w: deep dimension %d", ErrDimensionMismatch, layout.DeepDim)
	}
	if layout.UseSIFT && (layout.Landmarks <= 0 || layout.DescriptorDim <= 0) {
		return fmt.Errorf("%w: %d landmarks x %d descriptor values", ErrDimensionMismatch, layout.Landmarks, layout.DescriptorDim)
	}
	if layout.Dim() != inputDim {
		return fmt.Errorf("%w: fused vectors have %d values, classifier expects %d", ErrDimensionMismatch, layout.Dim(), inputDim)
	}
	return nil
}
