package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exercise runs the same scenario against any backend.
func exercise(t *testing.T, s Store) {
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = s.Folds(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	first := &Run{ID: "run-1", Variant: "vgg-lstm", Mode: "train", Partition: "subject", StartedAt: started}
	second := &Run{ID: "run-2", Variant: "vgg-sift-lstm", Mode: "train", Partition: "subject", StartedAt: started.Add(time.Hour)}
	require.NoError(t, s.SaveRun(ctx, first))
	require.NoError(t, s.SaveRun(ctx, second))

	first.FoldCount, first.Succeeded, first.MeanAcc, first.VarAcc = 3, 2, 0.75, 0.01
	require.NoError(t, s.SaveRun(ctx, first))

	require.NoError(t, s.SaveFolds(ctx, []Fold{
		{RunID: "run-1", FoldIndex: 2, Status: "ok", Accuracy: 0.8, Epochs: 40, Attempts: 1},
		{RunID: "run-1", FoldIndex: 0, Status: "ok", Accuracy: 0.7, Epochs: 55, Attempts: 1},
		{RunID: "run-1", FoldIndex: 1, Status: "failed", Attempts: 3, Error: "classifier diverged"},
	}))
	// Re-saving a fold replaces it.
	require.NoError(t, s.SaveFolds(ctx, []Fold{
		{RunID: "run-1", FoldIndex: 2, Status: "ok", Accuracy: 0.85, Epochs: 41, Attempts: 2},
	}))

	runs, err = s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, 2, runs[1].Succeeded)
	assert.InDelta(t, 0.75, runs[1].MeanAcc, 1e-9)

	folds, err := s.Folds(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, folds, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{folds[0].FoldIndex, folds[1].FoldIndex, folds[2].FoldIndex})
	assert.Equal(t, "failed", folds[1].Status)
	assert.Equal(t, "classifier diverged", folds[1].Error)
	assert.InDelta(t, 0.85, folds[2].Accuracy, 1e-9)

	for i, acc := range []float64{0.5, 0.6} {
		e := &Evaluation{
			RunID:     "run-1",
			Variant:   "vgg-lstm",
			Samples:   10,
			Accuracy:  acc,
			LatencyMS: 12.5,
			Confusion: "[[1,0],[0,1]]",
			CreatedAt: started.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveEvaluation(ctx, e))
		assert.NotZero(t, e.ID)
	}
	require.NoError(t, s.SaveEvaluation(ctx, &Evaluation{RunID: "run-2", Variant: "vgg-sift-lstm", Accuracy: 0.9, CreatedAt: started}))

	evals, err := s.LatestEvaluations(ctx)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, "vgg-lstm", evals[0].Variant)
	assert.InDelta(t, 0.6, evals[0].Accuracy, 1e-9)
	assert.Equal(t, "[[1,0],[0,1]]", evals[0].Confusion)
	assert.Equal(t, "vgg-sift-lstm", evals[1].Variant)

	require.NoError(t, s.Reset(ctx))
}

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "db", "results.db"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	exercise(t, s)

	runs, err := s.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer s.Close(context.Background())
	assert.IsType(t, &SQLite{}, s)
}

// TestPostgresIntegration runs the scenario against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mugfer_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)
	assert.IsType(t, &Postgres{}, s)

	exercise(t, s)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
