// Package report measures latency and renders run results as tables, plots and JSON.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/mugfer/internal/crossval"
	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// FileName is the JSON report written into every run directory.
const FileName = "report.json"

// Variant holds everything reported for one model variant.
type Variant struct {
	Name           string             `json:"variant"`
	Folds          int                `json:"folds"`
	Succeeded      int                `json:"succeeded"`
	FoldAccuracy   []float64          `json:"fold_accuracy,omitempty"`
	FoldErrors     []string           `json:"fold_errors,omitempty"`
	MeanAccuracy   float64            `json:"mean_accuracy"`
	VarAccuracy    float64            `json:"var_accuracy"`
	EvalFold       int                `json:"eval_fold"`
	EvalAccuracy   float64            `json:"eval_accuracy"`
	EvalSamples    int                `json:"eval_samples"`
	Confusion      *Confusion         `json:"confusion,omitempty"`
	Latency        Latency            `json:"latency"`
	Histories      []crossval.History `json:"histories,omitempty"`
	TrainedAt      time.Time          `json:"trained_at,omitempty"`
	ArtifactSource string             `json:"artifact,omitempty"`
}

// StdAccuracy is the population standard deviation of fold accuracy.
func (v Variant) StdAccuracy() float64 {
	return math.Sqrt(v.VarAccuracy)
}

// Summary is the result of one pipeline run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode"`
	DatasetID string    `json:"dataset_id"`
	Sequences int       `json:"sequences"`
	Partition string    `json:"partition"`
	CreatedAt time.Time `json:"created_at"`
	Duration  Duration  `json:"duration"`
	Variants  []Variant `json:"variants"`
}

// NewSummary starts a summary with a fresh run ID.
func NewSummary(mode string) *Summary {
	return &Summary{RunID: uuid.NewString(), Mode: mode, CreatedAt: time.Now().UTC()}
}

// Variant returns the report of a variant by name.
func (s *Summary) Variant(name string) (*Variant, bool) {
	for i := range s.Variants {
		if s.Variants[i].Name == name {
			return &s.Variants[i], true
		}
	}
	return nil, false
}

// Dir returns the directory of this run under root.
func (s *Summary) Dir(root string) string {
	return filepath.Join(root, s.RunID)
}

// Save writes the summary as JSON into its run directory and returns the file path.
func (s *Summary) Save(root string) (string, error) {
	dir := s.Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: encode: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	log.Debugf("report: wrote %s", path)
	return path, nil
}

// Load reads a summary saved by Save.
func Load(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("report: decode %s: %w", path, err)
	}
	return &s, nil
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
