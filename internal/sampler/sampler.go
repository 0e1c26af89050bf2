// Package sampler selects a fixed number of frames from a raw sequence and resizes them.
package sampler

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// ErrTooFewFrames is returned when a sequence is shorter than the frame budget
// and the policy excludes it, or when it is empty.
var ErrTooFewFrames = errors.New("sampler: too few frames")

// Policy decides what to do with sequences shorter than the frame budget.
type Policy string

const (
	// Pad repeats the nearest frames until the budget is met.
	Pad Policy = "pad"
	// Exclude rejects the sequence.
	Exclude Policy = "exclude"
)

// Sampler picks N frames spanning a sequence from its first to its last frame.
type Sampler struct {
	N     int
	Size  int
	Short Policy
}

// New returns a sampler for n frames of size x size pixels.
func New(n, size int, short Policy) *Sampler {
	return &Sampler{N: n, Size: size, Short: short}
}

// Indices returns the frame indices to keep for a sequence of length l.
// Index i maps to round(i*(l-1)/(N-1)), so the first and last frames are always kept
// and the middle of the sequence, where the expression apex sits, is covered.
func (s *Sampler) Indices(l int) ([]int, error) {
	if l <= 0 {
		return nil, ErrTooFewFrames
	}
	if l < s.N && s.Short != Pad {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewFrames, l, s.N)
	}

	result := make([]int, s.N)
	if s.N == 1 {
		result[0] = (l - 1) / 2
		return result, nil
	}
	step := float64(l-1) / float64(s.N-1)
	for i := range result {
		result[i] = int(math.Round(float64(i) * step))
	}
	return result, nil
}

// Pick returns the indices to keep for sequence id of length l, warning when it pads.
func (s *Sampler) Pick(id string, l int) ([]int, error) {
	indices, err := s.Indices(l)
	if err == nil && l < s.N {
		log.Warnf("sampler: %s has %d frames, padding to %d", id, l, s.N)
	}
	return indices, err
}

// Sample selects and resizes exactly N frames of sequence id.
func (s *Sampler) Sample(id string, frames []image.Image) ([]image.Image, error) {
	indices, err := s.Pick(id, len(frames))
	if err != nil {
		return nil, err
	}

	result := make([]image.Image, len(indices))
	for i, idx := range indices {
		result[i] = s.Resize(frames[idx])
	}
	return result, nil
}

// Resize fills a square of Size pixels, cropping around the center.
func (s *Sampler) Resize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == s.Size && b.Dy() == s.Size {
		return img
	}
	return imaging.Fill(img, s.Size, s.Size, imaging.Center, imaging.Lanczos)
}
