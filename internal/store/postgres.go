package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Postgres manages the PostgreSQL connection.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initSchema creates the result tables if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			mode TEXT NOT NULL,
			dataset_id TEXT,
			partition TEXT,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			duration_sec DOUBLE PRECISION,
			fold_count INT,
			succeeded INT,
			mean_acc DOUBLE PRECISION,
			var_acc DOUBLE PRECISION
		);
		CREATE TABLE IF NOT EXISTS folds (
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			fold_index INT NOT NULL,
			status TEXT NOT NULL,
			accuracy DOUBLE PRECISION,
			loss DOUBLE PRECISION,
			epochs INT,
			attempts INT,
			duration_sec DOUBLE PRECISION,
			error TEXT,
			PRIMARY KEY (run_id, fold_index)
		);
		CREATE TABLE IF NOT EXISTS evaluations (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			variant TEXT NOT NULL,
			samples INT,
			accuracy DOUBLE PRECISION,
			latency_ms DOUBLE PRECISION,
			embed_latency_ms DOUBLE PRECISION,
			confusion TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS runs_variant_idx ON runs (variant);
		CREATE INDEX IF NOT EXISTS evaluations_variant_idx ON evaluations (variant, created_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// SaveRun inserts a run, or updates its summary when the run already exists.
func (s *Postgres) SaveRun(ctx context.Context, r *Run) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, variant, mode, dataset_id, partition, started_at, duration_sec, fold_count, succeeded, mean_acc, var_acc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			duration_sec = EXCLUDED.duration_sec,
			fold_count = EXCLUDED.fold_count,
			succeeded = EXCLUDED.succeeded,
			mean_acc = EXCLUDED.mean_acc,
			var_acc = EXCLUDED.var_acc
	`, r.ID, r.Variant, r.Mode, r.DatasetID, r.Partition, r.StartedAt, r.DurationSec, r.FoldCount, r.Succeeded, r.MeanAcc, r.VarAcc)
	return err
}

// SaveFolds writes every fold of a run in one transaction.
func (s *Postgres) SaveFolds(ctx context.Context, folds []Fold) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, f := range folds {
		_, err := tx.Exec(ctx, `
			INSERT INTO folds (run_id, fold_index, status, accuracy, loss, epochs, attempts, duration_sec, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, fold_index) DO UPDATE SET
				status = EXCLUDED.status, accuracy = EXCLUDED.accuracy, loss = EXCLUDED.loss,
				epochs = EXCLUDED.epochs, attempts = EXCLUDED.attempts,
				duration_sec = EXCLUDED.duration_sec, error = EXCLUDED.error
		`, f.RunID, f.FoldIndex, f.Status, f.Accuracy, f.Loss, f.Epochs, f.Attempts, f.DurationSec, f.Error)
		if err != nil {
			return fmt.Errorf("fold %d: %w", f.FoldIndex, err)
		}
	}
	return tx.Commit(ctx)
}

// SaveEvaluation inserts an evaluation and sets its ID.
func (s *Postgres) SaveEvaluation(ctx context.Context, e *Evaluation) error {
	return s.conn.QueryRow(ctx, `
		INSERT INTO evaluations (run_id, variant, samples, accuracy, latency_ms, embed_latency_ms, confusion, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.RunID, e.Variant, e.Samples, e.Accuracy, e.LatencyMS, e.EmbedLatencyMS, e.Confusion, e.CreatedAt).Scan(&e.ID)
}

// ListRuns returns every run, newest first.
func (s *Postgres) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, variant, mode, COALESCE(dataset_id, ''), COALESCE(partition, ''), started_at,
			COALESCE(duration_sec, 0), COALESCE(fold_count, 0), COALESCE(succeeded, 0),
			COALESCE(mean_acc, 0), COALESCE(var_acc, 0)
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Variant, &r.Mode, &r.DatasetID, &r.Partition, &r.StartedAt,
			&r.DurationSec, &r.FoldCount, &r.Succeeded, &r.MeanAcc, &r.VarAcc); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Folds returns the folds of a run ordered by index.
func (s *Postgres) Folds(ctx context.Context, runID string) ([]Fold, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)", runID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT run_id, fold_index, status, COALESCE(accuracy, 0), COALESCE(loss, 0), COALESCE(epochs, 0),
			COALESCE(attempts, 0), COALESCE(duration_sec, 0), COALESCE(error, '')
		FROM folds WHERE run_id = $1 ORDER BY fold_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folds []Fold
	for rows.Next() {
		var f Fold
		if err := rows.Scan(&f.RunID, &f.FoldIndex, &f.Status, &f.Accuracy, &f.Loss, &f.Epochs,
			&f.Attempts, &f.DurationSec, &f.Error); err != nil {
			return nil, err
		}
		folds = append(folds, f)
	}
	return folds, rows.Err()
}

// LatestEvaluations returns the newest evaluation per variant, ordered by variant.
func (s *Postgres) LatestEvaluations(ctx context.Context) ([]Evaluation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT ON (variant) id, run_id, variant, COALESCE(samples, 0), COALESCE(accuracy, 0),
			COALESCE(latency_ms, 0), COALESCE(embed_latency_ms, 0), COALESCE(confusion, ''), created_at
		FROM evaluations ORDER BY variant, created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.ID, &e.RunID, &e.Variant, &e.Samples, &e.Accuracy,
			&e.LatencyMS, &e.EmbedLatencyMS, &e.Confusion, &e.CreatedAt); err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// Reset drops all application tables and recreates an empty schema.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS evaluations CASCADE;
		DROP TABLE IF EXISTS folds CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}
