package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int, start float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = start + float32(i)
	}
	return v
}

func TestLayoutDim(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		want   int
	}{
		{"vgg-lstm", Layout{DeepDim: 4096, Landmarks: 51, DescriptorDim: 128}, 4096},
		{"vgg-sift-lstm", Layout{DeepDim: 4096, Landmarks: 51, DescriptorDim: 128, UseSIFT: true}, 10624},
		{"densenet-lstm", Layout{DeepDim: 1024, Landmarks: 51, DescriptorDim: 128}, 1024},
		{"densenet-sift-lstm", Layout{DeepDim: 1024, Landmarks: 51, DescriptorDim: 128, UseSIFT: true}, 7552},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.layout.Dim())
			assert.NoError(t, Validate(tt.layout, tt.want))
		})
	}
}

func TestFuse(t *testing.T) {
	layout := Layout{DeepDim: 4, Landmarks: 2, DescriptorDim: 3, UseSIFT: true}

	got, err := Fuse(ramp(4, 0), ramp(6, 100), layout)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3, 100, 101, 102, 103, 104, 105}, got)
	assert.Len(t, got, layout.Dim())

	layout.UseSIFT = false
	got, err = Fuse(ramp(4, 0), nil, layout)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3}, got)
}

func TestFuseMismatch(t *testing.T) {
	layout := Layout{DeepDim: 4, Landmarks: 2, DescriptorDim: 3, UseSIFT: true}

	tests := []struct {
		name string
		deep []float32
		sift []float32
	}{
		{"Short deep", ramp(3, 0), ramp(6, 0)},
		{"Short sift", ramp(4, 0), ramp(5, 0)},
		{"Missing sift", ramp(4, 0), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fuse(tt.deep, tt.sift, layout)
			assert.ErrorIs(t, err, ErrDimensionMismatch)
		})
	}
}

func TestSequence(t *testing.T) {
	layout := Layout{DeepDim: 2, Landmarks: 1, DescriptorDim: 2, UseSIFT: true}
	deep := [][]float32{ramp(2, 0), ramp(2, 10)}
	sift := [][]float32{ramp(2, 5), ramp(2, 15)}

	got, err := Sequence(deep, sift, layout)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 5, 6}, {10, 11, 15, 16}}, got)

	_, err = Sequence(deep, sift[:1], layout)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(Layout{DeepDim: 4096, Landmarks: 51, DescriptorDim: 128, UseSIFT: true}, 4096), ErrDimensionMismatch)
	assert.ErrorIs(t, Validate(Layout{DeepDim: 0}, 0), ErrDimensionMismatch)
	assert.ErrorIs(t, Validate(Layout{DeepDim: 8, UseSIFT: true}, 8), ErrDimensionMismatch)
}
