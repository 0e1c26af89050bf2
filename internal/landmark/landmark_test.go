package landmark

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/mugfer/internal/worker"
)

func layout(offset int) []image.Point {
	points := make([]image.Point, Total)
	for i := range points {
		points[i] = image.Pt(offset+i, offset+2*i)
	}
	return points
}

func TestInterior(t *testing.T) {
	// Face size and position must not change which points are kept.
	for _, offset := range []int{0, 17, 400} {
		got, err := Interior(layout(offset))
		require.NoError(t, err)
		require.Len(t, got, Count)
		assert.Equal(t, 51, len(got))
		assert.Equal(t, image.Pt(offset+17, offset+34), got[0])
		assert.Equal(t, image.Pt(offset+67, offset+134), got[50])
	}
}

func TestInteriorCount(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"Empty", 0},
		{"Five point model", 5},
		{"Interior only", 51},
		{"Too many", 81},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interior(make([]image.Point, tt.n))
			assert.ErrorIs(t, err, ErrLandmarkCount)
		})
	}
}

type mockPipe struct {
	*bytes.Buffer
}

func (m *mockPipe) Close() error { return nil }

func mockEngine(payloads ...[]byte) *worker.PythonWorker {
	data := &mockPipe{Buffer: new(bytes.Buffer)}
	for _, p := range payloads {
		binary.Write(data, binary.BigEndian, uint32(len(p)))
		data.Write(p)
	}
	return &worker.PythonWorker{Stdin: &mockPipe{Buffer: new(bytes.Buffer)}, DataPipe: data}
}

func facePayload(points []image.Point) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, uint32(len(points)))
	for _, p := range points {
		binary.Write(buf, binary.BigEndian, [2]int32{int32(p.X), int32(p.Y)})
	}
	return buf.Bytes()
}

func TestWorkerDetector(t *testing.T) {
	d := newWorkerDetector([]*worker.PythonWorker{mockEngine(facePayload(layout(3)), []byte{2})})
	ctx := context.Background()
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))

	points, err := d.Detect(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, layout(3), points)

	_, err = d.Detect(ctx, frame)
	assert.ErrorIs(t, err, ErrNoFace)
}

func TestWorkerDetectorCanceled(t *testing.T) {
	d := newWorkerDetector(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, context.Canceled)
}

func hungEngine(t *testing.T) *worker.PythonWorker {
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	return &worker.PythonWorker{
		ID:          7,
		Stdin:       &mockPipe{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 20 * time.Millisecond,
	}
}

func TestWorkerDetectorReplacesTimedOutEngine(t *testing.T) {
	ctx := context.Background()
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))

	hung := hungEngine(t)
	d := newWorkerDetector([]*worker.PythonWorker{hung})
	var restarts int
	d.start = func(id int) (*worker.PythonWorker, error) {
		restarts++
		fresh := mockEngine(facePayload(layout(5)))
		fresh.ID = id
		return fresh, nil
	}

	_, err := d.Detect(ctx, frame)
	require.ErrorIs(t, err, worker.ErrTimeout)
	assert.False(t, hung.Alive())

	// The next frame is answered by the replacement, not by a stale reply.
	points, err := d.Detect(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, layout(5), points)
	assert.Equal(t, 1, restarts)
	assert.NotContains(t, d.engines, hung)
}

func TestWorkerDetectorRestartFails(t *testing.T) {
	ctx := context.Background()
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))

	d := newWorkerDetector([]*worker.PythonWorker{hungEngine(t)})
	d.start = func(id int) (*worker.PythonWorker, error) {
		return nil, errors.New("python3: not found")
	}

	_, err := d.Detect(ctx, frame)
	require.ErrorIs(t, err, worker.ErrTimeout)

	// The dead engine stays in the pool and fails fast.
	_, err = d.Detect(ctx, frame)
	assert.ErrorIs(t, err, worker.ErrDead)
}
