package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLite keeps results in a local database file through gorm.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (and migrates) the database file at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	return s.db.AutoMigrate(&Run{}, &Fold{}, &Evaluation{})
}

func (s *SQLite) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) SaveRun(ctx context.Context, r *Run) error {
	return s.db.WithContext(ctx).Save(r).Error
}

func (s *SQLite) SaveFolds(ctx context.Context, folds []Fold) error {
	if len(folds) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&folds).Error
}

func (s *SQLite) SaveEvaluation(ctx context.Context, e *Evaluation) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *SQLite) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).Order("started_at DESC").Find(&runs).Error
	return runs, err
}

func (s *SQLite) Folds(ctx context.Context, runID string) ([]Fold, error) {
	var run Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	var folds []Fold
	err = s.db.WithContext(ctx).Where("run_id = ?", runID).Order("fold_index").Find(&folds).Error
	return folds, err
}

func (s *SQLite) LatestEvaluations(ctx context.Context) ([]Evaluation, error) {
	latest := s.db.Model(&Evaluation{}).Select("MAX(id)").Group("variant")

	var evals []Evaluation
	err := s.db.WithContext(ctx).Where("id IN (?)", latest).Order("variant").Find(&evals).Error
	return evals, err
}

// Reset drops and recreates the result tables.
func (s *SQLite) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(&Evaluation{}, &Fold{}, &Run{}); err != nil {
		return err
	}
	return s.migrate()
}
