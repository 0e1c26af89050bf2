// Package sift computes SIFT descriptors at the interior facial landmarks of a frame.
package sift

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/landmark"
)

var log = event.Log

// DescriptorDim is the length of one SIFT descriptor.
const DescriptorDim = 128

// Dim is the length of a frame descriptor: one SIFT descriptor per interior landmark.
const Dim = landmark.Count * DescriptorDim

// ErrExcluded is returned by Sequence when the missing face policy drops the sequence.
var ErrExcluded = errors.New("sift: sequence excluded")

// Policy decides what a frame without a face contributes.
type Policy string

const (
	// Zero substitutes a zero vector.
	Zero Policy = "zero"
	// Skip reuses the previous frame's descriptor, or zeros for the first frame.
	Skip Policy = "skip"
	// Exclude drops the whole sequence.
	Exclude Policy = "exclude"
)

// Extractor turns frames into landmark descriptor vectors.
type Extractor struct {
	Detector     landmark.Detector
	KeypointSize float64
	Missing      Policy

	mu       sync.Mutex
	sift     *gocv.SIFT
	describe func(img image.Image, points []image.Point) ([]float32, error)
}

// New returns an extractor backed by OpenCV SIFT.
func New(detector landmark.Detector, keypointSize float64, missing Policy) *Extractor {
	s := gocv.NewSIFT()
	e := &Extractor{
		Detector:     detector,
		KeypointSize: keypointSize,
		Missing:      missing,
		sift:         &s,
	}
	e.describe = e.Describe
	return e
}

// Describe computes one 128-d descriptor per point, concatenated in point order.
// Keypoints OpenCV drops (too close to the border) yield zeros.
func (e *Extractor) Describe(img image.Image, points []image.Point) ([]float32, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("sift: convert frame: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	kps := make([]gocv.KeyPoint, len(points))
	for i, p := range points {
		kps[i] = gocv.KeyPoint{
			X:       float64(p.X),
			Y:       float64(p.Y),
			Size:    e.KeypointSize,
			Angle:   -1,
			Octave:  0,
			ClassID: i,
		}
	}

	mask := gocv.NewMat()
	defer mask.Close()

	e.mu.Lock()
	kept, desc := e.sift.Compute(gray, mask, kps)
	e.mu.Unlock()
	defer desc.Close()

	result := make([]float32, len(points)*DescriptorDim)
	if desc.Empty() {
		log.Debugf("sift: no descriptors for %d keypoints", len(points))
		return result, nil
	}
	if desc.Cols() != DescriptorDim {
		return nil, fmt.Errorf("sift: descriptor width %d, want %d", desc.Cols(), DescriptorDim)
	}

	for row, kp := range kept {
		if row >= desc.Rows() || kp.ClassID < 0 || kp.ClassID >= len(points) {
			continue
		}
		offset := kp.ClassID * DescriptorDim
		for col := 0; col < DescriptorDim; col++ {
			result[offset+col] = desc.GetFloatAt(row, col)
		}
	}
	if len(kept) < len(points) {
		log.Debugf("sift: %d of %d keypoints dropped", len(points)-len(kept), len(points))
	}
	return result, nil
}

// Frame detects the landmarks of a frame and describes the interior points.
func (e *Extractor) Frame(ctx context.Context, img image.Image) ([]float32, error) {
	points, err := e.Detector.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	interior, err := landmark.Interior(points)
	if err != nil {
		return nil, err
	}
	return e.describe(img, interior)
}

// Sequence describes every frame of a sequence, applying the missing face policy.
func (e *Extractor) Sequence(ctx context.Context, id string, frames []image.Image) ([][]float32, error) {
	result := make([][]float32, len(frames))
	var previous []float32

	for i, img := range frames {
		vec, err := e.Frame(ctx, img)
		switch {
		case err == nil:
			previous = vec
		case errors.Is(err, landmark.ErrNoFace):
			switch e.Missing {
			case Exclude:
				log.Warnf("sift: no face in %s frame %d, excluding sequence", id, i)
				return nil, fmt.Errorf("%w: no face in %s frame %d", ErrExcluded, id, i)
			case Skip:
				log.Warnf("sift: no face in %s frame %d, reusing previous frame", id, i)
				if previous != nil {
					vec = previous
				} else {
					vec = make([]float32, Dim)
				}
			default:
				log.Warnf("sift: no face in %s frame %d, using zeros", id, i)
				vec = make([]float32, Dim)
			}
		default:
			return nil, fmt.Errorf("sift: %s frame %d: %w", id, i, err)
		}
		result[i] = vec
	}
	return result, nil
}

// Close releases the OpenCV SIFT instance.
func (e *Extractor) Close() error {
	if e.sift == nil {
		return nil
	}
	return e.sift.Close()
}
