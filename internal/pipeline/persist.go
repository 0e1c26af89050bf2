package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/mugfer/internal/crossval"
	"github.com/andresmejia3/mugfer/internal/report"
	"github.com/andresmejia3/mugfer/internal/store"
)

// finish writes the report files and the result rows of a run.
func (p *Pipeline) finish(ctx context.Context, s *report.Summary, folds []crossval.FoldResult) error {
	cfg := p.Config

	path, err := s.Save(cfg.ReportPath)
	if err != nil {
		return err
	}
	p.status("📝 Report written to %s\n", path)

	if cfg.Report.Plots {
		files, err := report.WritePlots(cfg.ReportPath, s)
		if err != nil {
			log.Warnf("pipeline: plots incomplete: %s", err)
		}
		log.Debugf("pipeline: %d plots written", len(files))
	}

	if p.Results == nil {
		return nil
	}
	if err := Persist(ctx, p.Results, s, folds); err != nil {
		return fmt.Errorf("failed to persist results: %w", err)
	}
	return nil
}

// Persist stores a run summary, its folds and its evaluations.
func Persist(ctx context.Context, db store.Store, s *report.Summary, folds []crossval.FoldResult) error {
	for _, v := range s.Variants {
		run := &store.Run{
			ID:          s.RunID,
			Variant:     v.Name,
			Mode:        s.Mode,
			DatasetID:   s.DatasetID,
			Partition:   s.Partition,
			StartedAt:   s.CreatedAt,
			DurationSec: time.Duration(s.Duration).Seconds(),
			FoldCount:   v.Folds,
			Succeeded:   v.Succeeded,
			MeanAcc:     v.MeanAccuracy,
			VarAcc:      v.VarAccuracy,
		}
		if len(s.Variants) > 1 {
			run.ID = fmt.Sprintf("%s-%s", s.RunID, v.Name)
		}
		if err := db.SaveRun(ctx, run); err != nil {
			return err
		}

		records := make([]store.Fold, 0, len(folds))
		for _, f := range folds {
			rec := store.Fold{
				RunID:       run.ID,
				FoldIndex:   f.Fold.Index,
				Status:      f.Status,
				Accuracy:    f.Accuracy,
				Loss:        f.Loss,
				Epochs:      f.Epochs,
				Attempts:    f.Attempts,
				DurationSec: f.Duration.Seconds(),
			}
			if f.Err != nil {
				rec.Error = f.Err.Error()
			}
			records = append(records, rec)
		}
		if err := db.SaveFolds(ctx, records); err != nil {
			return err
		}

		if v.Confusion == nil {
			continue
		}
		eval := &store.Evaluation{
			RunID:          run.ID,
			Variant:        v.Name,
			Samples:        v.EvalSamples,
			Accuracy:       v.EvalAccuracy,
			LatencyMS:      ms(time.Duration(v.Latency.EndToEnd)),
			EmbedLatencyMS: ms(time.Duration(v.Latency.Embedding)),
			Confusion:      v.Confusion.JSON(),
			CreatedAt:      s.CreatedAt,
		}
		if err := db.SaveEvaluation(ctx, eval); err != nil {
			return err
		}
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
