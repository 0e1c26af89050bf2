package nn

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	magic   = "MUGFERNN"
	version = 1
)

// ErrBadArtifact is returned when serialized weights cannot be decoded.
var ErrBadArtifact = errors.New("nn: bad model artifact")

type header struct {
	Version     uint32
	InputDim    int64
	LSTMUnits   int64
	HiddenUnits int64
	Classes     int64
	Seed        int64
	Dropout     float64
}

func (c *Classifier) params() []encoding.BinaryMarshaler {
	return []encoding.BinaryMarshaler{c.w, c.u, c.b, c.w1, c.b1, c.w2, c.b2}
}

// MarshalBinary encodes the architecture followed by every weight matrix.
func (c *Classifier) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)

	h := header{
		Version:     version,
		InputDim:    int64(c.cfg.InputDim),
		LSTMUnits:   int64(c.cfg.LSTMUnits),
		HiddenUnits: int64(c.cfg.HiddenUnits),
		Classes:     int64(c.cfg.Classes),
		Seed:        c.cfg.Seed,
		Dropout:     c.cfg.Dropout,
	}
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, err
	}

	for _, p := range c.params() {
		blob, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		binary.Write(&buf, binary.BigEndian, uint64(len(blob)))
		buf.Write(blob)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the receiver with the decoded classifier.
func (c *Classifier) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	tag := make([]byte, len(magic))
	if _, err := io.ReadFull(r, tag); err != nil || string(tag) != magic {
		return fmt.Errorf("%w: missing header", ErrBadArtifact)
	}

	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	if h.Version != version {
		return fmt.Errorf("%w: version %d", ErrBadArtifact, h.Version)
	}

	cfg := Config{
		InputDim:    int(h.InputDim),
		LSTMUnits:   int(h.LSTMUnits),
		HiddenUnits: int(h.HiddenUnits),
		Classes:     int(h.Classes),
		Dropout:     h.Dropout,
		Seed:        h.Seed,
	}

	var w, u, w1, w2 mat.Dense
	var b, b1, b2 mat.VecDense
	targets := []encoding.BinaryUnmarshaler{&w, &u, &b, &w1, &b1, &w2, &b2}
	for i, t := range targets {
		var n uint64
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("%w: parameter %d: %v", ErrBadArtifact, i, err)
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("%w: parameter %d truncated", ErrBadArtifact, i)
		}
		blob := make([]byte, n)
		io.ReadFull(r, blob)
		if err := t.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("%w: parameter %d: %v", ErrBadArtifact, i, err)
		}
	}

	hu := cfg.LSTMUnits
	shapes := []struct {
		got        mat.Matrix
		rows, cols int
	}{
		{&w, 4 * hu, cfg.InputDim},
		{&u, 4 * hu, hu},
		{&b, 4 * hu, 1},
		{&w1, cfg.HiddenUnits, hu},
		{&b1, cfg.HiddenUnits, 1},
		{&w2, cfg.Classes, cfg.HiddenUnits},
		{&b2, cfg.Classes, 1},
	}
	for i, s := range shapes {
		if rows, cols := s.got.Dims(); rows != s.rows || cols != s.cols {
			return fmt.Errorf("%w: parameter %d is %dx%d, want %dx%d", ErrBadArtifact, i, rows, cols, s.rows, s.cols)
		}
	}

	*c = Classifier{
		cfg: cfg,
		w:   &w,
		u:   &u,
		b:   &b,
		w1:  &w1,
		b1:  &b1,
		w2:  &w2,
		b2:  &b2,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	return nil
}

// Load decodes a classifier from serialized weights.
func Load(data []byte) (*Classifier, error) {
	c := &Classifier{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return c, nil
}
