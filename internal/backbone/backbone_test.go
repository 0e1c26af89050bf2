package backbone

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	vgg, err := Lookup("vgg16")
	require.NoError(t, err)
	assert.Equal(t, 4096, vgg.Dim)
	assert.Equal(t, "fc7", vgg.Layer)

	dense, err := Lookup("densenet121")
	require.NoError(t, err)
	assert.Equal(t, 1024, dense.Dim)

	_, err = Lookup("resnet50")
	assert.ErrorIs(t, err, ErrUnknownBackbone)
}

func TestFiles(t *testing.T) {
	spec := Specs["vgg16"]

	files, err := spec.Files("opencv", "models/vgg16")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("models/vgg16", "vgg16.caffemodel"),
		filepath.Join("models/vgg16", "vgg16.prototxt"),
	}, files)

	files, err = spec.Files("tflite", "models/vgg16")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("models/vgg16", "vgg16.tflite")}, files)

	_, err = spec.Files("onnx", "models/vgg16")
	assert.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestOpenMissingWeights(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		runtime string
	}{
		{"OpenCV", "opencv"},
		{"TFLite", "tflite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open("densenet121", tt.runtime, dir, 1)
			assert.ErrorIs(t, err, ErrWeightsNotFound)
		})
	}

	_, err := Open("alexnet", "opencv", dir, 1)
	assert.ErrorIs(t, err, ErrUnknownBackbone)
}
