// Package facecrop cuts the most prominent face out of a frame before it is resized.
package facecrop

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/disintegration/imaging"

	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// Cropper wraps a dlib face detector.
type Cropper struct {
	mu         sync.Mutex
	recognizer *face.Recognizer
	Padding    float64
}

// New loads the dlib models from modelsDir.
func New(modelsDir string, padding float64) (*Cropper, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("facecrop: load models from %s: %w", modelsDir, err)
	}
	return &Cropper{recognizer: rec, Padding: padding}, nil
}

// Crop returns the padded region of the largest face. Frames without a face are returned unchanged.
func (c *Cropper) Crop(img image.Image) (image.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("facecrop: encode frame: %w", err)
	}

	c.mu.Lock()
	faces, err := c.recognizer.Recognize(buf.Bytes())
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("facecrop: detect: %w", err)
	}
	if len(faces) == 0 {
		log.Debugf("facecrop: no face, keeping full frame")
		return img, nil
	}

	rects := make([]image.Rectangle, len(faces))
	for i, f := range faces {
		rects[i] = f.Rectangle
	}
	return imaging.Crop(img, Region(img.Bounds(), Largest(rects), c.Padding)), nil
}

// Largest returns the rectangle with the biggest area.
func Largest(rects []image.Rectangle) image.Rectangle {
	var best image.Rectangle
	for _, r := range rects {
		if r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
		}
	}
	return best
}

// Region grows a face rectangle by padding times its size on each side, squares it
// around its center and clips it to bounds.
func Region(bounds, rect image.Rectangle, padding float64) image.Rectangle {
	side := rect.Dx()
	if rect.Dy() > side {
		side = rect.Dy()
	}
	side += int(2 * padding * float64(side))

	center := image.Pt((rect.Min.X+rect.Max.X)/2, (rect.Min.Y+rect.Max.Y)/2)
	half := side / 2
	region := image.Rect(center.X-half, center.Y-half, center.X-half+side, center.Y-half+side)
	return region.Intersect(bounds)
}

// Close frees the detector.
func (c *Cropper) Close() {
	if c.recognizer != nil {
		c.recognizer.Close()
	}
}
