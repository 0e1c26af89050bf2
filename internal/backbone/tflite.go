//go:build tflite
// +build tflite

package backbone

import (
	"fmt"
	"image"
	"runtime/debug"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates/xnnpack"
)

// TFLiteNet runs a TensorFlow Lite model whose output tensor is the embedding layer.
type TFLiteNet struct {
	mu          sync.Mutex
	spec        Spec
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	inFloats    []float32
}

// NewTFLiteNet loads a model and allocates its tensors.
func NewTFLiteNet(spec Spec, modelFile string, threads int) (*TFLiteNet, error) {
	model := tflite.NewModelFromFile(modelFile)
	if model == nil {
		return nil, fmt.Errorf("backbone: load model %s failed, stack: %s", modelFile, debug.Stack())
	}

	options := tflite.NewInterpreterOptions()
	options.AddDelegate(xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(threads)}))
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, user_data interface{}) {
		log.Errorf("backbone: %s", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("backbone: create interpreter for %s failed", spec.Name)
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("backbone: allocate tensors for %s failed", spec.Name)
	}

	input := interpreter.GetInputTensor(0)
	if input.Type() != tflite.Float32 {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("backbone: %s input is %v, want float32", spec.Name, input.Type())
	}

	return &TFLiteNet{
		spec:        spec,
		model:       model,
		options:     options,
		interpreter: interpreter,
		inFloats:    make([]float32, input.Dim(1)*input.Dim(2)*input.Dim(3)),
	}, nil
}

func (n *TFLiteNet) Name() string { return n.spec.Name }

func (n *TFLiteNet) Dim() int { return n.spec.Dim }

// Embed fills the input tensor in BGR order with the spec's mean and scale, then invokes the model.
func (n *TFLiteNet) Embed(img image.Image) (result []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backbone: %s (inference panic)\nstack: %s", r, debug.Stack())
		}
	}()

	n.mu.Lock()
	defer n.mu.Unlock()

	input := n.interpreter.GetInputTensor(0)
	h, w := input.Dim(1), input.Dim(2)
	img = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)

	ff := n.inFloats
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			i := (y*w + x) * 3
			ff[i+0] = float32((float64(b>>8) - n.spec.Mean[0]) * n.spec.Scale)
			ff[i+1] = float32((float64(g>>8) - n.spec.Mean[1]) * n.spec.Scale)
			ff[i+2] = float32((float64(r>>8) - n.spec.Mean[2]) * n.spec.Scale)
		}
	}
	copy(input.Float32s(), ff)

	if status := n.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("backbone: %s inference failed", n.spec.Name)
	}

	output := n.interpreter.GetOutputTensor(0)
	data := output.Float32s()
	if len(data) != n.spec.Dim {
		return nil, fmt.Errorf("backbone: %s output has %d values, want %d", n.spec.Name, len(data), n.spec.Dim)
	}

	result = make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (n *TFLiteNet) Close() error {
	n.interpreter.Delete()
	n.options.Delete()
	n.model.Delete()
	return nil
}
