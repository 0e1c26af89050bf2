package types

import (
	"fmt"
	"image"
	"strings"
)

// Emotions lists the apex expressions of the MUG dataset in label order.
var Emotions = []string{"anger", "disgust", "fear", "happiness", "sadness", "surprise"}

// EmotionIndex returns the label index of an emotion name, or -1.
func EmotionIndex(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, e := range Emotions {
		if e == name {
			return i
		}
	}
	return -1
}

// Sequence is one take of a subject performing one expression.
type Sequence struct {
	ID      string
	Subject string
	Label   int
	Frames  []image.Image
}

// Emotion returns the name of the sequence label.
func (s Sequence) Emotion() string {
	if s.Label < 0 || s.Label >= len(Emotions) {
		return fmt.Sprintf("label-%d", s.Label)
	}
	return Emotions[s.Label]
}

// LandmarkResult matches what the landmark engine returns for one frame.
type LandmarkResult struct {
	Points []image.Point
	Found  bool
}
