package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTake(t *testing.T, root, subject, emotion, take string, frames int) {
	t.Helper()
	dir := filepath.Join(root, subject, emotion, take)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i := 0; i < frames; i++ {
		img := imaging.New(8, 8, color.Gray{Y: uint8(i * 10)})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("img_%04d.png", i))))
	}
}

func TestDirSourceTakes(t *testing.T) {
	root := t.TempDir()
	writeTake(t, root, "002", "happiness", "take001", 3)
	writeTake(t, root, "001", "surprise", "take000", 4)
	writeTake(t, root, "001", "anger", "take000", 2)
	writeTake(t, root, "001", "neutral", "take000", 2)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "003", "fear", "empty"), 0755))

	takes, err := NewDirSource(root).Takes()
	require.NoError(t, err)

	var ids []string
	for _, tk := range takes {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"001/anger/take000", "001/surprise/take000", "002/happiness/take001"}, ids)
	assert.Equal(t, 0, takes[0].Label)
	assert.Equal(t, "001", takes[0].Subject)
	assert.Len(t, takes[1].Frames, 4)
}

func TestDirSourceEmpty(t *testing.T) {
	_, err := NewDirSource(t.TempDir()).Takes()
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestDirSourceLoad(t *testing.T) {
	root := t.TempDir()
	writeTake(t, root, "001", "happiness", "take000", 6)

	src := NewDirSource(root)
	takes, err := src.Takes()
	require.NoError(t, err)

	var seen int
	seq, err := src.Load(context.Background(), takes[0], func(n int) ([]int, error) {
		seen = n
		return []int{0, 5}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 6, seen)
	assert.Equal(t, "001/happiness/take000", seq.ID)
	assert.Equal(t, 3, seq.Label)
	require.Len(t, seq.Frames, 2)
	assert.Equal(t, image.Rect(0, 0, 8, 8), seq.Frames[0].Bounds())

	// Frame 5 was written with gray level 50.
	r, _, _, _ := seq.Frames[1].At(0, 0).RGBA()
	assert.Equal(t, uint32(50), r>>8)
}

func TestOpen(t *testing.T) {
	root := t.TempDir()
	writeTake(t, root, "x", "happiness", "take", 3)

	take, err := Open(filepath.Join(root, "x", "happiness", "take"))
	require.NoError(t, err)
	assert.Len(t, take.Frames, 3)
	assert.Equal(t, -1, take.Label)

	_, err = Open(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
