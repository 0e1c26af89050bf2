//go:build !tflite
// +build !tflite

package backbone

import "errors"

// NewTFLiteNet is unavailable in builds without the tflite tag.
func NewTFLiteNet(spec Spec, modelFile string, threads int) (Embedder, error) {
	return nil, errors.New("backbone: built without tflite support (build with -tags tflite)")
}
