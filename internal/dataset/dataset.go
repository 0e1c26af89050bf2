// Package dataset reads MUG-style image sequences from disk.
//
// The expected layout is <root>/<subject>/<emotion>/<take>/ with one image per frame, or
// <root>/<subject>/<emotion>/<take>.<video-ext> with the take encoded as a video clip.
// Emotion directories that are not apex expressions (for example "neutral") are skipped.
package dataset

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/types"
	"github.com/andresmejia3/mugfer/internal/utils"
)

var log = event.Log

const megabyte = 1024 * 1024

var (
	// ErrEmptyDataset is returned when no usable take was found.
	ErrEmptyDataset = errors.New("dataset: no sequences found")
	// ErrEmptyTake is returned when a take has no frames.
	ErrEmptyTake = errors.New("dataset: take has no frames")
)

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}
var videoExt = map[string]bool{".avi": true, ".mp4": true, ".mov": true, ".mkv": true}

// Take references one raw sequence on disk without decoding it.
type Take struct {
	ID      string
	Subject string
	Label   int
	Frames  []string // image files in temporal order
	Video   string   // set instead of Frames for video takes
}

// Picker chooses which of n frames to decode.
type Picker func(n int) ([]int, error)

// Source is the read-only dataset the pipeline consumes.
type Source interface {
	Takes() ([]Take, error)
	Load(ctx context.Context, take Take, pick Picker) (types.Sequence, error)
}

// DirSource reads takes from a directory tree.
type DirSource struct {
	Root string
}

// NewDirSource returns a source rooted at the given directory.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

// Takes lists every take in deterministic (subject, emotion, take) order.
func (s *DirSource) Takes() ([]Take, error) {
	subjects, err := readDirs(s.Root)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	var takes []Take
	for _, subject := range subjects {
		emotions, err := readDirs(filepath.Join(s.Root, subject))
		if err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
		for _, emotion := range emotions {
			label := types.EmotionIndex(emotion)
			if label < 0 {
				log.Debugf("dataset: skipping %s/%s (not an apex expression)", subject, emotion)
				continue
			}
			found, err := s.takesOf(subject, emotion, label)
			if err != nil {
				return nil, err
			}
			takes = append(takes, found...)
		}
	}

	if len(takes) == 0 {
		return nil, ErrEmptyDataset
	}
	return takes, nil
}

// Open lists and loads a single take directory or video outside the dataset tree.
func Open(path string) (Take, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Take{}, err
	}
	take := Take{ID: filepath.Base(path), Subject: "unknown", Label: -1}
	if !info.IsDir() {
		take.Video = path
		return take, nil
	}
	take.Frames, err = listImages(path)
	if err != nil {
		return Take{}, err
	}
	if len(take.Frames) == 0 {
		return Take{}, fmt.Errorf("%w: %s", ErrEmptyTake, path)
	}
	return take, nil
}

func (s *DirSource) takesOf(subject, emotion string, label int) ([]Take, error) {
	dir := filepath.Join(s.Root, subject, emotion)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	var takes []Take
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		id := subject + "/" + emotion + "/" + name
		take := Take{ID: id, Subject: subject, Label: label}

		if e.IsDir() {
			frames, err := listImages(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("dataset: %w", err)
			}
			if len(frames) == 0 {
				log.Warnf("dataset: %s has no frames, skipped", id)
				continue
			}
			take.Frames = frames
		} else if videoExt[strings.ToLower(filepath.Ext(name))] {
			take.ID = strings.TrimSuffix(id, filepath.Ext(name))
			take.Video = filepath.Join(dir, name)
		} else {
			continue
		}
		takes = append(takes, take)
	}
	return takes, nil
}

// Load decodes the frames chosen by pick.
func (s *DirSource) Load(ctx context.Context, take Take, pick Picker) (types.Sequence, error) {
	seq := types.Sequence{ID: take.ID, Subject: take.Subject, Label: take.Label}

	var all []image.Image
	var paths []string
	if take.Video != "" {
		frames, err := DecodeVideo(ctx, take.Video)
		if err != nil {
			return seq, fmt.Errorf("dataset: %s: %w", take.ID, err)
		}
		all = frames
	} else {
		paths = take.Frames
	}

	n := len(all) + len(paths)
	if n == 0 {
		return seq, fmt.Errorf("%w: %s", ErrEmptyTake, take.ID)
	}

	indices, err := pick(n)
	if err != nil {
		return seq, fmt.Errorf("dataset: %s: %w", take.ID, err)
	}

	for _, i := range indices {
		if all != nil {
			seq.Frames = append(seq.Frames, all[i])
			continue
		}
		img, err := imaging.Open(paths[i], imaging.AutoOrientation(true))
		if err != nil {
			return seq, fmt.Errorf("dataset: %s: %w", take.ID, err)
		}
		seq.Frames = append(seq.Frames, img)
	}
	return seq, nil
}

// DecodeVideo streams a clip through ffmpeg and decodes every frame.
func DecodeVideo(ctx context.Context, path string) ([]image.Image, error) {
	ffmpeg := utils.NewFFmpegCmd(ctx, path)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	var frames []image.Image
	for scanner.Scan() {
		img, err := imaging.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			log.Warnf("dataset: undecodable frame %d in %s: %s", len(frames), filepath.Base(path), err)
			continue
		}
		frames = append(frames, img)
	}

	if err := scanner.Err(); err != nil {
		ffmpeg.Wait()
		return nil, err
	}
	if err := ffmpeg.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderrBuf.String()))
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return frames, nil
}

func readDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExt[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
