package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type gradients struct {
	w, u, w1, w2 *mat.Dense
	b, b1, b2    *mat.VecDense
}

func (c *Classifier) newGradients() *gradients {
	wr, wc := c.w.Dims()
	ur, uc := c.u.Dims()
	w1r, w1c := c.w1.Dims()
	w2r, w2c := c.w2.Dims()
	return &gradients{
		w:  mat.NewDense(wr, wc, nil),
		u:  mat.NewDense(ur, uc, nil),
		w1: mat.NewDense(w1r, w1c, nil),
		w2: mat.NewDense(w2r, w2c, nil),
		b:  mat.NewVecDense(c.b.Len(), nil),
		b1: mat.NewVecDense(c.b1.Len(), nil),
		b2: mat.NewVecDense(c.b2.Len(), nil),
	}
}

func (g *gradients) zero() {
	g.w.Zero()
	g.u.Zero()
	g.w1.Zero()
	g.w2.Zero()
	g.b.Zero()
	g.b1.Zero()
	g.b2.Zero()
}

// backward accumulates the cross-entropy gradients of one traced sample into g.
func (c *Classifier) backward(tr *trace, y int, g *gradients) {
	h := c.cfg.LSTMUnits

	// Softmax with cross-entropy: dL/da2 = p - onehot(y).
	da2 := mat.VecDenseCopyOf(tr.p)
	da2.SetVec(y, da2.AtVec(y)-1)

	g.w2.RankOne(g.w2, 1, da2, tr.rd)
	g.b2.AddVec(g.b2, da2)

	da1 := mat.NewVecDense(c.cfg.HiddenUnits, nil)
	da1.MulVec(c.w2.T(), da2)
	for i := 0; i < c.cfg.HiddenUnits; i++ {
		v := da1.AtVec(i)
		if tr.m2 != nil {
			v *= tr.m2[i]
		}
		if tr.a1.AtVec(i) <= 0 {
			v = 0
		}
		da1.SetVec(i, v)
	}

	g.w1.RankOne(g.w1, 1, da1, tr.hd)
	g.b1.AddVec(g.b1, da1)

	dh := mat.NewVecDense(h, nil)
	dh.MulVec(c.w1.T(), da1)
	if tr.m1 != nil {
		for i := 0; i < h; i++ {
			dh.SetVec(i, dh.AtVec(i)*tr.m1[i])
		}
	}

	dc := make([]float64, h)
	dz := mat.NewVecDense(4*h, nil)
	for t := len(tr.xs) - 1; t >= 0; t-- {
		gates := tr.gates[t].RawVector().Data
		cell := tr.cs[t+1].RawVector().Data
		cPrev := tr.cs[t].RawVector().Data
		dhData := dh.RawVector().Data
		dzData := dz.RawVector().Data

		for j := 0; j < h; j++ {
			i, f, gg, o := gates[j], gates[h+j], gates[2*h+j], gates[3*h+j]
			tc := math.Tanh(cell[j])

			do := dhData[j] * tc
			dcj := dc[j] + dhData[j]*o*(1-tc*tc)

			dzData[j] = dcj * gg * i * (1 - i)
			dzData[h+j] = dcj * cPrev[j] * f * (1 - f)
			dzData[2*h+j] = dcj * i * (1 - gg*gg)
			dzData[3*h+j] = do * o * (1 - o)

			dc[j] = dcj * f
		}

		g.w.RankOne(g.w, 1, dz, tr.xs[t])
		g.u.RankOne(g.u, 1, dz, tr.hs[t])
		g.b.AddVec(g.b, dz)

		dh.MulVec(c.u.T(), dz)
	}
}

// apply performs one SGD step: weights -= scale * gradients.
func (c *Classifier) apply(g *gradients, scale float64) {
	c.w.Add(c.w, scaled(g.w, -scale))
	c.u.Add(c.u, scaled(g.u, -scale))
	c.w1.Add(c.w1, scaled(g.w1, -scale))
	c.w2.Add(c.w2, scaled(g.w2, -scale))
	c.b.AddScaledVec(c.b, -scale, g.b)
	c.b1.AddScaledVec(c.b1, -scale, g.b1)
	c.b2.AddScaledVec(c.b2, -scale, g.b2)
}

func scaled(m *mat.Dense, f float64) *mat.Dense {
	m.Scale(f, m)
	return m
}

// TrainEpoch runs one pass of minibatch SGD over shuffled samples and returns the mean
// training loss. Dropout is active. A non-finite loss returns ErrDiverged.
func (c *Classifier) TrainEpoch(samples []Sample, batchSize int, learningRate float64) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = len(samples)
	}
	for i, s := range samples {
		if s.Y < 0 || s.Y >= c.cfg.Classes {
			return 0, fmt.Errorf("nn: sample %d has label %d, want [0, %d)", i, s.Y, c.cfg.Classes)
		}
	}

	g := c.newGradients()
	perm := c.rng.Perm(len(samples))
	var total float64

	for start := 0; start < len(perm); start += batchSize {
		end := start + batchSize
		if end > len(perm) {
			end = len(perm)
		}

		g.zero()
		for _, idx := range perm[start:end] {
			s := samples[idx]
			tr, err := c.forward(s.X, true)
			if err != nil {
				return 0, err
			}
			loss := crossEntropy(tr.p.RawVector().Data, s.Y)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return loss, ErrDiverged
			}
			total += loss
			c.backward(tr, s.Y, g)
		}
		c.apply(g, learningRate/float64(end-start))
	}

	return total / float64(len(samples)), nil
}
