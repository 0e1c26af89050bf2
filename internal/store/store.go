// Package store persists runs, fold results and evaluations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("store: run not found")

// Store is the result database. PostgreSQL serves shared setups, SQLite local ones.
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	SaveFolds(ctx context.Context, folds []Fold) error
	SaveEvaluation(ctx context.Context, eval *Evaluation) error

	ListRuns(ctx context.Context) ([]Run, error)
	Folds(ctx context.Context, runID string) ([]Fold, error)
	// LatestEvaluations returns the most recent evaluation of every variant.
	LatestEvaluations(ctx context.Context) ([]Evaluation, error)

	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// Run is one invocation of the pipeline for one variant.
type Run struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	Variant     string    `gorm:"type:varchar(64);index;not null"`
	Mode        string    `gorm:"type:varchar(16);not null"`
	DatasetID   string    `gorm:"type:varchar(64)"`
	Partition   string    `gorm:"type:varchar(16)"`
	StartedAt   time.Time `gorm:"index"`
	DurationSec float64
	FoldCount   int
	Succeeded   int
	MeanAcc     float64
	VarAcc      float64
}

// Fold is the outcome of one cross-validation fold.
type Fold struct {
	RunID       string `gorm:"primaryKey;type:varchar(36)"`
	FoldIndex   int    `gorm:"primaryKey;autoIncrement:false"`
	Status      string `gorm:"type:varchar(16);not null"`
	Accuracy    float64
	Loss        float64
	Epochs      int
	Attempts    int
	DurationSec float64
	Error       string
}

// Evaluation is the held-out result and latency of a persisted model.
type Evaluation struct {
	ID             uint64 `gorm:"primaryKey"`
	RunID          string `gorm:"type:varchar(36);index;not null"`
	Variant        string `gorm:"type:varchar(64);index;not null"`
	Samples        int
	Accuracy       float64
	LatencyMS      float64
	EmbedLatencyMS float64

	// Confusion is the row-major count matrix encoded as JSON.
	Confusion string
	CreatedAt time.Time
}

// Open picks the backend from the connection string: postgres:// URLs use PostgreSQL,
// anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(dsn)
}
