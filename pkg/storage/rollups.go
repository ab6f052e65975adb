package storage

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// StageRollup is the per-stage slice of a run summary, kept in its own table
// so a stage can be compared across runs without decoding whole summaries.
type StageRollup struct {
	RunID          string            `gorm:"primaryKey;column:run_id"`
	Stage          string            `gorm:"primaryKey;column:stage;index"`
	Kind           string            `gorm:"column:kind"`
	Successes      int               `gorm:"column:successes"`
	Failures       int               `gorm:"column:failures"`
	Skipped        int               `gorm:"column:skipped"`
	SuccessRate    *float64          `gorm:"column:success_rate"`
	MeanConfidence *float64          `gorm:"column:mean_confidence"`
	Finding        datatypes.JSONMap `gorm:"column:finding"`
	RunCreatedAt   time.Time         `gorm:"column:run_created_at"`
}

func (StageRollup) TableName() string {
	return "trial_stage_rollups"
}

// StageHistory returns the most recent rollups of one stage across runs.
func (r *RunRepository) StageHistory(ctx context.Context, stage string, limit int) ([]StageRollup, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var rollups []StageRollup
	err := r.db.WithContext(ctx).
		Where("stage = ?", stage).
		Order("run_created_at desc").
		Limit(limit).
		Find(&rollups).Error
	return rollups, err
}

func newStageRollups(runID string, createdAt time.Time, summary models.TrialSummary) []StageRollup {
	rollups := make([]StageRollup, 0, len(summary.Stages))
	for _, st := range summary.Stages {
		rollup := StageRollup{
			RunID:          runID,
			Stage:          st.Stage,
			Kind:           string(st.Kind),
			Successes:      st.Successes,
			Failures:       st.Failures,
			Skipped:        st.Skipped,
			SuccessRate:    ratePtr(st.SuccessRate),
			MeanConfidence: ratePtr(st.MeanConfidence),
			RunCreatedAt:   createdAt,
		}
		if finding := findingMap(st); len(finding) > 0 {
			rollup.Finding = finding
		}
		rollups = append(rollups, rollup)
	}
	return rollups
}

// ratePtr maps an undefined rate to SQL NULL.
func ratePtr(r models.Rate) *float64 {
	if !r.Defined {
		return nil
	}
	v := r.Value
	return &v
}

func findingMap(st models.StageSummary) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if f := st.Finding; f != nil {
		out["positives"] = f.Positives
		if f.Incidence.Defined {
			out["incidence"] = f.Incidence.Value
		}
		if len(f.Severity) > 0 {
			out["severity"] = f.Severity
		}
		if f.Serious > 0 {
			out["serious"] = f.Serious
		}
		if f.TotalEvents > 0 {
			out["total_events"] = f.TotalEvents
			out["serious_events"] = f.SeriousEvents
			out["events_by_category"] = f.EventsByCategory
		}
		if f.Assessment != "" {
			out["safety_assessment"] = string(f.Assessment)
		}
	}
	if d := st.Dosing; d != nil {
		out["dose_mean"] = d.Mean
		out["dose_median"] = d.Median
		out["dose_p10"] = d.P10
		out["dose_p90"] = d.P90
		out["dose_unit"] = d.Unit
	}
	return out
}
