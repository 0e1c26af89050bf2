// Package landmark detects facial landmarks and reduces them to the interior set.
package landmark

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/worker"
)

var log = event.Log

const (
	// Total is the size of the iBUG 68 point layout.
	Total = 68
	// JawPoints is the number of jaw-line contour points at the start of the layout.
	JawPoints = 17
	// Count is the number of interior points kept.
	Count = Total - JawPoints
)

var (
	// ErrNoFace is returned when a frame contains no detectable face.
	ErrNoFace = errors.New("landmark: no face detected")
	// ErrLandmarkCount is returned when a detector does not yield the 68 point layout.
	ErrLandmarkCount = errors.New("landmark: unexpected landmark count")
)

// Detector finds the 68 facial landmarks of the most prominent face in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Point, error)
}

// Interior drops the jaw-line contour (points 0-16) and returns the 51 interior
// points in detector order.
func Interior(points []image.Point) ([]image.Point, error) {
	if len(points) != Total {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrLandmarkCount, len(points), Total)
	}
	result := make([]image.Point, Count)
	copy(result, points[JawPoints:])
	return result, nil
}

// WorkerDetector runs a pool of dlib engine processes. Each Detect call borrows one engine.
// An engine that dies is replaced before it goes back to the pool.
type WorkerDetector struct {
	pool  chan *worker.PythonWorker
	start func(id int) (*worker.PythonWorker, error)

	mu      sync.Mutex
	engines []*worker.PythonWorker
	once    sync.Once
}

// NewWorkerDetector starts n engine processes.
func NewWorkerDetector(ctx context.Context, n int, cfg worker.Config) (*WorkerDetector, error) {
	if n < 1 {
		n = 1
	}
	engines := make([]*worker.PythonWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := worker.NewPythonWorker(ctx, i, cfg)
		if err != nil {
			for _, started := range engines {
				started.Close()
			}
			return nil, err
		}
		engines = append(engines, w)
	}
	log.Debugf("landmark: started %d engines (%s)", n, cfg.Script)

	d := newWorkerDetector(engines)
	d.start = func(id int) (*worker.PythonWorker, error) {
		return worker.NewPythonWorker(ctx, id, cfg)
	}
	return d, nil
}

func newWorkerDetector(engines []*worker.PythonWorker) *WorkerDetector {
	d := &WorkerDetector{pool: make(chan *worker.PythonWorker, len(engines)), engines: engines}
	for _, w := range engines {
		d.pool <- w
	}
	return d
}

// Detect returns the 68 landmarks of the frame or ErrNoFace.
func (d *WorkerDetector) Detect(ctx context.Context, img image.Image) ([]image.Point, error) {
	var w *worker.PythonWorker
	select {
	case w = <-d.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.pool <- w }()

	res, err := w.ProcessFrame(img)
	if err != nil {
		id := w.ID
		if !w.Alive() {
			w = d.restart(w)
		}
		return nil, fmt.Errorf("landmark engine %d: %w", id, err)
	}
	if !res.Found {
		return nil, ErrNoFace
	}
	return res.Points, nil
}

// restart replaces a dead engine. When no new engine can be started the dead one is
// kept, so later calls fail with worker.ErrDead instead of blocking on an empty pool.
func (d *WorkerDetector) restart(dead *worker.PythonWorker) *worker.PythonWorker {
	dead.Close()
	if d.start == nil {
		return dead
	}
	fresh, err := d.start(dead.ID)
	if err != nil {
		log.Warnf("landmark: engine %d not restarted: %s", dead.ID, err)
		return dead
	}
	log.Warnf("landmark: engine %d restarted", dead.ID)

	d.mu.Lock()
	for i, w := range d.engines {
		if w == dead {
			d.engines[i] = fresh
		}
	}
	d.mu.Unlock()
	return fresh
}

// Close stops every engine process.
func (d *WorkerDetector) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, w := range d.engines {
			w.Close()
		}
	})
}
