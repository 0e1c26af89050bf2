// Package backbone runs pretrained convolutional networks in inference mode and
// returns the activation of a designated layer as a per-frame embedding.
package backbone

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

var (
	// ErrWeightsNotFound is returned when a backbone's weight files are missing.
	ErrWeightsNotFound = errors.New("backbone: pretrained weights not found")
	// ErrUnknownBackbone is returned for an unregistered backbone name.
	ErrUnknownBackbone = errors.New("backbone: unknown backbone")
	// ErrUnknownRuntime is returned for an unsupported inference runtime.
	ErrUnknownRuntime = errors.New("backbone: unknown runtime")
)

// Embedder maps one frame to a fixed-dimension embedding.
// Implementations serialize calls and are deterministic for fixed weights.
type Embedder interface {
	Name() string
	Dim() int
	Embed(img image.Image) ([]float32, error)
	Close() error
}

// Spec describes a pretrained network and where its embedding is read.
type Spec struct {
	Name  string
	Dim   int
	Layer string
	Input int
	// Mean is subtracted per BGR channel after scaling.
	Mean  [3]float64
	Scale float64
}

// Specs lists the registered backbones.
var Specs = map[string]Spec{
	"vgg16": {
		Name:  "vgg16",
		Dim:   4096,
		Layer: "fc7",
		Input: 224,
		Mean:  [3]float64{103.939, 116.779, 123.68},
		Scale: 1,
	},
	"densenet121": {
		Name:  "densenet121",
		Dim:   1024,
		Layer: "pool5",
		Input: 224,
		Mean:  [3]float64{103.94, 116.78, 123.68},
		Scale: 0.017,
	},
}

// Lookup returns the spec of a backbone.
func Lookup(name string) (Spec, error) {
	spec, ok := Specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownBackbone, name)
	}
	return spec, nil
}

// Files returns the weight files a runtime needs for a backbone under dir.
func (s Spec) Files(runtime, dir string) ([]string, error) {
	switch runtime {
	case "opencv":
		return []string{
			filepath.Join(dir, s.Name+".caffemodel"),
			filepath.Join(dir, s.Name+".prototxt"),
		}, nil
	case "tflite":
		return []string{filepath.Join(dir, s.Name+".tflite")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, runtime)
	}
}

// Open loads a backbone for the given runtime from dir.
func Open(name, runtime, dir string, threads int) (Embedder, error) {
	spec, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	files, err := spec.Files(runtime, dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrWeightsNotFound, f)
		}
	}

	log.Infof("backbone: loading %s (%s, layer %s)", name, runtime, spec.Layer)

	if runtime == "opencv" {
		net, err := NewOpenCVNet(spec, files[0], files[1])
		if err != nil {
			return nil, err
		}
		return net, nil
	}
	net, err := NewTFLiteNet(spec, files[0], threads)
	if err != nil {
		return nil, err
	}
	return net, nil
}
