package backbone

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// OpenCVNet runs a Caffe model through the OpenCV DNN module.
type OpenCVNet struct {
	mu   sync.Mutex
	spec Spec
	net  gocv.Net
}

// NewOpenCVNet reads the weights and network definition.
func NewOpenCVNet(spec Spec, weights, config string) (*OpenCVNet, error) {
	net := gocv.ReadNet(weights, config)
	if net.Empty() {
		return nil, fmt.Errorf("backbone: failed to load %s from %s", spec.Name, weights)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &OpenCVNet{spec: spec, net: net}, nil
}

func (n *OpenCVNet) Name() string { return n.spec.Name }

func (n *OpenCVNet) Dim() int { return n.spec.Dim }

// Embed runs the forward pass up to the spec's layer and flattens it.
func (n *OpenCVNet) Embed(img image.Image) ([]float32, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("backbone: convert frame: %w", err)
	}
	defer src.Close()

	// ImageToMatRGB yields BGR order, which is what Caffe models expect.
	blob := gocv.BlobFromImage(
		src,
		n.spec.Scale,
		image.Pt(n.spec.Input, n.spec.Input),
		gocv.NewScalar(n.spec.Mean[0], n.spec.Mean[1], n.spec.Mean[2], 0),
		false,
		false,
	)
	defer blob.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.net.SetInput(blob, "")
	output := n.net.Forward(n.spec.Layer)
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("backbone: read %s: %w", n.spec.Layer, err)
	}
	if len(data) != n.spec.Dim {
		return nil, fmt.Errorf("backbone: %s layer %s has %d values, want %d", n.spec.Name, n.spec.Layer, len(data), n.spec.Dim)
	}

	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (n *OpenCVNet) Close() error {
	return n.net.Close()
}
