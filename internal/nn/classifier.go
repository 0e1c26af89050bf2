// Package nn implements the sequence classifier: one LSTM layer summarising the
// frame sequence, then Dropout, Dense ReLU, Dropout and a Dense softmax head.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDiverged is returned when the training loss stops being finite.
	ErrDiverged = errors.New("nn: training diverged")
	// ErrInputShape is returned when a sequence does not match the input dimension.
	ErrInputShape = errors.New("nn: input shape mismatch")
)

// epsilon clips probabilities before the log, as Keras does.
const epsilon = 1e-7

// Config fixes the architecture and the random source.
type Config struct {
	InputDim    int
	LSTMUnits   int
	HiddenUnits int
	Classes     int
	Dropout     float64
	Seed        int64
}

// Sample is one labelled feature sequence.
type Sample struct {
	X [][]float32
	Y int
}

// Classifier holds the weights. LSTM gates are stacked in the order input, forget, cell, output.
// Inference only reads the weights, so Predict is safe for concurrent use.
type Classifier struct {
	cfg Config

	w *mat.Dense    // 4H x D
	u *mat.Dense    // 4H x H
	b *mat.VecDense // 4H

	w1 *mat.Dense // K x H
	b1 *mat.VecDense
	w2 *mat.Dense // C x K
	b2 *mat.VecDense

	rng *rand.Rand
}

// New returns a classifier with Glorot uniform weights, zero biases and a unit forget gate bias.
func New(cfg Config) (*Classifier, error) {
	if cfg.InputDim <= 0 || cfg.LSTMUnits <= 0 || cfg.HiddenUnits <= 0 || cfg.Classes <= 1 {
		return nil, fmt.Errorf("nn: invalid architecture %+v", cfg)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("nn: dropout %v out of range [0, 1)", cfg.Dropout)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	h := cfg.LSTMUnits

	c := &Classifier{
		cfg: cfg,
		w:   glorot(rng, 4*h, cfg.InputDim),
		u:   glorot(rng, 4*h, h),
		b:   mat.NewVecDense(4*h, nil),
		w1:  glorot(rng, cfg.HiddenUnits, h),
		b1:  mat.NewVecDense(cfg.HiddenUnits, nil),
		w2:  glorot(rng, cfg.Classes, cfg.HiddenUnits),
		b2:  mat.NewVecDense(cfg.Classes, nil),
		rng: rng,
	}
	for i := h; i < 2*h; i++ {
		c.b.SetVec(i, 1)
	}
	return c, nil
}

func glorot(rng *rand.Rand, rows, cols int) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

// Config returns the architecture.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Clone returns a deep copy of the weights.
func (c *Classifier) Clone() *Classifier {
	return &Classifier{
		cfg: c.cfg,
		w:   mat.DenseCopyOf(c.w),
		u:   mat.DenseCopyOf(c.u),
		b:   mat.VecDenseCopyOf(c.b),
		w1:  mat.DenseCopyOf(c.w1),
		b1:  mat.VecDenseCopyOf(c.b1),
		w2:  mat.DenseCopyOf(c.w2),
		b2:  mat.VecDenseCopyOf(c.b2),
		rng: rand.New(rand.NewSource(c.cfg.Seed)),
	}
}

// trace keeps the activations of one forward pass for back-propagation.
type trace struct {
	xs    []*mat.VecDense
	hs    []*mat.VecDense // hs[0] is the zero initial state
	cs    []*mat.VecDense
	gates []*mat.VecDense // activated gates per step

	m1 []float64 // dropout masks, nil at inference
	m2 []float64
	hd *mat.VecDense
	a1 *mat.VecDense
	rd *mat.VecDense
	p  *mat.VecDense
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (c *Classifier) mask(n int) []float64 {
	m := make([]float64, n)
	keep := 1 / (1 - c.cfg.Dropout)
	for i := range m {
		if c.rng.Float64() >= c.cfg.Dropout {
			m[i] = keep
		}
	}
	return m
}

func applyMask(v *mat.VecDense, m []float64) *mat.VecDense {
	out := mat.VecDenseCopyOf(v)
	if m == nil {
		return out
	}
	data := out.RawVector().Data
	for i := range data {
		data[i] *= m[i]
	}
	return out
}

func (c *Classifier) forward(seq [][]float32, train bool) (*trace, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrInputShape)
	}

	h := c.cfg.LSTMUnits
	tr := &trace{
		hs: []*mat.VecDense{mat.NewVecDense(h, nil)},
		cs: []*mat.VecDense{mat.NewVecDense(h, nil)},
	}

	rec := mat.NewVecDense(4*h, nil)
	for t, frame := range seq {
		if len(frame) != c.cfg.InputDim {
			return nil, fmt.Errorf("%w: frame %d has %d values, want %d", ErrInputShape, t, len(frame), c.cfg.InputDim)
		}
		data := make([]float64, len(frame))
		for i, v := range frame {
			data[i] = float64(v)
		}
		x := mat.NewVecDense(len(data), data)

		z := mat.NewVecDense(4*h, nil)
		z.MulVec(c.w, x)
		rec.MulVec(c.u, tr.hs[t])
		z.AddVec(z, rec)
		z.AddVec(z, c.b)

		zd := z.RawVector().Data
		cPrev := tr.cs[t].RawVector().Data
		cell := make([]float64, h)
		hidden := make([]float64, h)
		for j := 0; j < h; j++ {
			zd[j] = sigmoid(zd[j])
			zd[h+j] = sigmoid(zd[h+j])
			zd[2*h+j] = math.Tanh(zd[2*h+j])
			zd[3*h+j] = sigmoid(zd[3*h+j])

			cell[j] = zd[h+j]*cPrev[j] + zd[j]*zd[2*h+j]
			hidden[j] = zd[3*h+j] * math.Tanh(cell[j])
		}

		tr.xs = append(tr.xs, x)
		tr.gates = append(tr.gates, z)
		tr.cs = append(tr.cs, mat.NewVecDense(h, cell))
		tr.hs = append(tr.hs, mat.NewVecDense(h, hidden))
	}

	if train && c.cfg.Dropout > 0 {
		tr.m1 = c.mask(h)
		tr.m2 = c.mask(c.cfg.HiddenUnits)
	}

	tr.hd = applyMask(tr.hs[len(seq)], tr.m1)

	tr.a1 = mat.NewVecDense(c.cfg.HiddenUnits, nil)
	tr.a1.MulVec(c.w1, tr.hd)
	tr.a1.AddVec(tr.a1, c.b1)

	r := mat.VecDenseCopyOf(tr.a1)
	rData := r.RawVector().Data
	for i, v := range rData {
		if v < 0 {
			rData[i] = 0
		}
	}
	tr.rd = applyMask(r, tr.m2)

	a2 := mat.NewVecDense(c.cfg.Classes, nil)
	a2.MulVec(c.w2, tr.rd)
	a2.AddVec(a2, c.b2)
	tr.p = softmax(a2)

	return tr, nil
}

func softmax(v *mat.VecDense) *mat.VecDense {
	data := v.RawVector().Data
	maxV := math.Inf(-1)
	for _, x := range data {
		if x > maxV {
			maxV = x
		}
	}
	out := make([]float64, len(data))
	var sum float64
	for i, x := range data {
		out[i] = math.Exp(x - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return mat.NewVecDense(len(out), out)
}

// Predict returns the class distribution for one sequence. Dropout is disabled.
func (c *Classifier) Predict(seq [][]float32) ([]float64, error) {
	tr, err := c.forward(seq, false)
	if err != nil {
		return nil, err
	}
	return tr.p.RawVector().Data, nil
}

// Classify returns the most probable class and the full distribution.
func (c *Classifier) Classify(seq [][]float32) (int, []float64, error) {
	p, err := c.Predict(seq)
	if err != nil {
		return -1, nil, err
	}
	return Argmax(p), p, nil
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

// Evaluate returns mean categorical cross-entropy and accuracy over samples.
func (c *Classifier) Evaluate(samples []Sample) (loss, accuracy float64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	correct := 0
	for _, s := range samples {
		p, err := c.Predict(s.X)
		if err != nil {
			return 0, 0, err
		}
		loss += crossEntropy(p, s.Y)
		if Argmax(p) == s.Y {
			correct++
		}
	}
	loss /= float64(len(samples))
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, 0, ErrDiverged
	}
	return loss, float64(correct) / float64(len(samples)), nil
}

func crossEntropy(p []float64, y int) float64 {
	return -math.Log(math.Max(p[y], epsilon))
}
