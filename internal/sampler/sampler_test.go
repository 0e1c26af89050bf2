package sampler

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(n int) []image.Image {
	result := make([]image.Image, n)
	for i := range result {
		result[i] = imaging.New(40, 30, color.Gray{Y: uint8(i)})
	}
	return result
}

func TestIndices(t *testing.T) {
	tests := []struct {
		name string
		n    int
		l    int
		want []int
	}{
		{"Exact length", 5, 5, []int{0, 1, 2, 3, 4}},
		{"Long sequence", 5, 9, []int{0, 2, 4, 6, 8}},
		{"Uneven stride", 5, 100, []int{0, 25, 50, 74, 99}},
		{"Single frame budget", 1, 7, []int{3}},
		{"Padded", 5, 2, []int{0, 0, 1, 1, 1}},
		{"Padded single frame", 5, 1, []int{0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.n, 8, Pad)
			got, err := s.Indices(tt.l)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndicesExclude(t *testing.T) {
	s := New(5, 8, Exclude)

	_, err := s.Indices(4)
	assert.ErrorIs(t, err, ErrTooFewFrames)

	_, err = New(5, 8, Pad).Indices(0)
	assert.ErrorIs(t, err, ErrTooFewFrames)
}

func TestSampleAlwaysReturnsN(t *testing.T) {
	s := New(5, 16, Pad)

	for l := 1; l <= 40; l++ {
		got, err := s.Sample("take", frames(l))
		require.NoError(t, err)
		require.Len(t, got, 5, "length %d", l)
		for _, f := range got {
			assert.Equal(t, image.Rect(0, 0, 16, 16), f.Bounds())
		}
	}
}

func TestSampleKeepsEndpoints(t *testing.T) {
	s := New(5, 16, Pad)
	got, err := s.Sample("take", frames(11))
	require.NoError(t, err)

	first, _, _, _ := got[0].At(8, 8).RGBA()
	last, _, _, _ := got[4].At(8, 8).RGBA()
	assert.Equal(t, uint32(0), first>>8)
	assert.Equal(t, uint32(10), last>>8)
}

func TestPick(t *testing.T) {
	got, err := New(5, 16, Pad).Pick("001/anger/take000", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1, 2, 2}, got)

	_, err = New(5, 16, Exclude).Pick("001/anger/take000", 3)
	assert.ErrorIs(t, err, ErrTooFewFrames)
}
