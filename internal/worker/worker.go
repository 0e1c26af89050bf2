package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/mugfer/internal/types"
	"github.com/andresmejia3/mugfer/internal/utils"
)

const (
	statusOK     = 0
	statusError  = 1
	statusNoFace = 2
)

var (
	// ErrTimeout is returned when the engine does not answer within ReadTimeout.
	// The engine is killed, a late reply would desynchronize the stream.
	ErrTimeout = errors.New("landmark engine timed out")
	// ErrDead is returned by a worker whose engine was killed or whose pipes broke.
	ErrDead = errors.New("landmark engine is dead")
)

// Config configures a landmark engine process.
type Config struct {
	Python      string
	Script      string
	Predictor   string
	ReadTimeout time.Duration
}

// PythonWorker is a dlib landmark engine running as a child process.
// Frames go in on stdin, results come back on a side-channel pipe (FD 3)
// so that library chatter on stdout cannot corrupt the protocol.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	dead atomic.Bool
}

// NewPythonWorker starts an engine process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script, "--predictor", cfg.Predictor)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
// Any transport failure kills the engine, after which every call returns ErrDead.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if !w.Alive() {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrDead)
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		w.kill()
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		w.kill()
		return nil, err
	}

	if w.ReadTimeout <= 0 {
		body, err := readFrame(w.DataPipe)
		if err != nil {
			w.kill()
		}
		return body, err
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := readFrame(w.DataPipe)
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.kill()
		}
		return r.body, r.err
	case <-time.After(w.ReadTimeout):
		// Closing the pipe releases the pending reader.
		w.kill()
		return nil, fmt.Errorf("worker %d: %w after %s", w.ID, ErrTimeout, w.ReadTimeout)
	}
}

// Alive reports whether the engine can still take frames.
func (w *PythonWorker) Alive() bool {
	return !w.dead.Load()
}

func (w *PythonWorker) kill() {
	if w.dead.Swap(true) {
		return
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // This is where a crashed engine shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(r, respBody)
	return respBody, err
}

// ProcessFrame encodes a frame as PNG, sends it to the engine and decodes the landmarks.
//
// Response payload:
//
//	[Status:0] [NumPoints uint32] [X int32, Y int32]...
//	[Status:1] [MsgLen uint32] [Msg]
//	[Status:2]                      (no face)
func (w *PythonWorker) ProcessFrame(frame image.Image) (types.LandmarkResult, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return types.LandmarkResult{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	resp, err := w.Communicate(buf.Bytes())
	if err != nil {
		return types.LandmarkResult{}, err
	}
	return parseResponse(resp)
}

func parseResponse(resp []byte) (types.LandmarkResult, error) {
	var result types.LandmarkResult
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return result, fmt.Errorf("empty engine response: %w", err)
	}

	switch status {
	case statusNoFace:
		return result, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return result, fmt.Errorf("malformed engine error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return result, fmt.Errorf("malformed engine error: %w", err)
		}
		return result, fmt.Errorf("python worker error: %s", msg)
	case statusOK:
	default:
		return result, fmt.Errorf("unknown engine status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return result, fmt.Errorf("malformed landmark count: %w", err)
	}
	if int(n)*8 > r.Len() {
		return result, fmt.Errorf("landmark payload truncated: %d points, %d bytes", n, r.Len())
	}

	coords := make([]int32, 2*n)
	if err := binary.Read(r, binary.BigEndian, coords); err != nil {
		return result, fmt.Errorf("malformed landmarks: %w", err)
	}

	result.Found = true
	result.Points = make([]image.Point, n)
	for i := range result.Points {
		result.Points[i] = image.Pt(int(coords[2*i]), int(coords[2*i+1]))
	}
	return result, nil
}

// Close shuts the engine down and waits for it to exit.
func (w *PythonWorker) Close() {
	if !w.dead.Swap(true) {
		w.Stdin.Close()
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
