// Package storage persists finished trial runs to PostgreSQL and caches
// their summaries in Redis.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
)

var ErrRunNotFound = errors.New("trial run not found")

const cellBatchSize = 500

type RunModel struct {
	ID          string         `gorm:"primaryKey;column:id"`
	Name        string         `gorm:"column:name"`
	State       string         `gorm:"column:state;index"`
	Failures    int            `gorm:"column:failures"`
	Reason      string         `gorm:"column:reason"`
	Detail      string         `gorm:"column:detail"`
	CohortSize  int            `gorm:"column:cohort_size"`
	Concurrency int            `gorm:"column:concurrency"`
	Stages      datatypes.JSON `gorm:"column:stages"`
	Summary     datatypes.JSON `gorm:"column:summary"`
	CreatedAt   time.Time      `gorm:"column:created_at;index"`
	FinishedAt  *time.Time     `gorm:"column:finished_at"`
}

func (RunModel) TableName() string {
	return "trial_runs"
}

type CellModel struct {
	RunID       string         `gorm:"primaryKey;column:run_id"`
	PatientID   string         `gorm:"primaryKey;column:patient_id"`
	Stage       string         `gorm:"primaryKey;column:stage"`
	PatientSeq  int            `gorm:"column:patient_seq"`
	Position    int            `gorm:"column:position"`
	Status      string         `gorm:"column:status"`
	FailureKind string         `gorm:"column:failure_kind"`
	Message     string         `gorm:"column:message"`
	Attempts    int            `gorm:"column:attempts"`
	DurationMs  int64          `gorm:"column:duration_ms"`
	Confidence  float64        `gorm:"column:confidence"`
	Payload     datatypes.JSON `gorm:"column:payload"`
}

func (CellModel) TableName() string {
	return "trial_cells"
}

// RunRecord is the listing view of a persisted run.
type RunRecord struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Status     models.RunStatus `json:"status"`
	CohortSize int              `json:"cohort_size"`
	Stages     []string         `json:"stages"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{}, &CellModel{}, &StageRollup{})
}

// SaveRun writes the run, every cell of its result table and one rollup per
// stage in a single transaction.
func (r *RunRepository) SaveRun(ctx context.Context, run *pipeline.Run, summary models.TrialSummary) error {
	model, err := newRunModel(run, summary)
	if err != nil {
		return err
	}
	cells, err := newCellModels(run.ID, run.Cells(), run.Cohort(), run.Graph())
	if err != nil {
		return err
	}
	rollups := newStageRollups(run.ID, model.CreatedAt, summary)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&model).Error; err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		if err := tx.Where("run_id = ?", run.ID).Delete(&CellModel{}).Error; err != nil {
			return fmt.Errorf("clear cells: %w", err)
		}
		if len(cells) > 0 {
			if err := tx.CreateInBatches(cells, cellBatchSize).Error; err != nil {
				return fmt.Errorf("save cells: %w", err)
			}
		}
		if err := tx.Where("run_id = ?", run.ID).Delete(&StageRollup{}).Error; err != nil {
			return fmt.Errorf("clear rollups: %w", err)
		}
		if len(rollups) > 0 {
			if err := tx.Create(&rollups).Error; err != nil {
				return fmt.Errorf("save rollups: %w", err)
			}
		}
		return nil
	})
}

func (r *RunRepository) LoadSummary(ctx context.Context, runID string) (models.TrialSummary, error) {
	var model RunModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.TrialSummary{}, ErrRunNotFound
	}
	if result.Error != nil {
		return models.TrialSummary{}, result.Error
	}
	var summary models.TrialSummary
	if err := json.Unmarshal(model.Summary, &summary); err != nil {
		return models.TrialSummary{}, fmt.Errorf("decode summary of run %s: %w", runID, err)
	}
	return summary, nil
}

// LoadCells returns the persisted result table in patient then stage order.
func (r *RunRepository) LoadCells(ctx context.Context, runID string) ([]models.Cell, error) {
	var rows []CellModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("patient_seq asc, position asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	cells := make([]models.Cell, 0, len(rows))
	for _, row := range rows {
		cell, err := row.cell()
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RunModel
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func newRunModel(run *pipeline.Run, summary models.TrialSummary) (RunModel, error) {
	status := run.Status()
	var stages []string
	if g := run.Graph(); g != nil {
		stages = g.Order()
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return RunModel{}, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return RunModel{}, fmt.Errorf("encode summary: %w", err)
	}
	model := RunModel{
		ID:          run.ID,
		Name:        run.Name,
		State:       string(status.State),
		Failures:    status.Failures,
		Reason:      string(status.Reason),
		Detail:      status.Detail,
		CohortSize:  len(run.Cohort()),
		Concurrency: run.Concurrency,
		Stages:      stagesJSON,
		Summary:     summaryJSON,
		CreatedAt:   run.CreatedAt,
	}
	if finished := run.FinishedAt(); !finished.IsZero() {
		model.FinishedAt = &finished
	}
	return model, nil
}

func newCellModels(runID string, cells []models.Cell, cohort []*models.PatientProfile, graph *pipeline.Graph) ([]CellModel, error) {
	seq := make(map[string]int, len(cohort))
	for i, p := range cohort {
		seq[p.ID] = i
	}
	rows := make([]CellModel, 0, len(cells))
	for _, cell := range cells {
		row := CellModel{
			RunID:      runID,
			PatientID:  cell.PatientID,
			Stage:      cell.Stage,
			PatientSeq: seq[cell.PatientID],
			Status:     string(cell.Result.Status),
			Attempts:   cell.Result.Attempts,
			DurationMs: cell.Result.Duration.Milliseconds(),
			Confidence: cell.Result.Confidence,
		}
		if graph != nil {
			row.Position = graph.Position(cell.Stage)
		}
		if cell.Result.Failure != nil {
			row.FailureKind = string(cell.Result.Failure.Kind)
			row.Message = cell.Result.Failure.Message
		}
		if cell.Result.Payload != nil {
			payload, err := json.Marshal(cell.Result.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload of %s/%s: %w", cell.PatientID, cell.Stage, err)
			}
			row.Payload = payload
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m CellModel) cell() (models.Cell, error) {
	result := models.StageResult{
		Status:     models.ResultStatus(m.Status),
		Confidence: m.Confidence,
		Attempts:   m.Attempts,
		Duration:   time.Duration(m.DurationMs) * time.Millisecond,
	}
	if m.FailureKind != "" {
		result.Failure = &models.StageFailure{Kind: models.FailureKind(m.FailureKind), Message: m.Message}
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &result.Payload); err != nil {
			return models.Cell{}, fmt.Errorf("decode payload of %s/%s: %w", m.PatientID, m.Stage, err)
		}
	}
	return models.Cell{CellKey: models.CellKey{PatientID: m.PatientID, Stage: m.Stage}, Result: result}, nil
}

func (m RunModel) record() RunRecord {
	rec := RunRecord{
		ID:   m.ID,
		Name: m.Name,
		Status: models.RunStatus{
			State:    models.RunState(m.State),
			Failures: m.Failures,
			Reason:   models.AbortReason(m.Reason),
			Detail:   m.Detail,
		},
		CohortSize: m.CohortSize,
		CreatedAt:  m.CreatedAt,
		FinishedAt: m.FinishedAt,
	}
	_ = json.Unmarshal(m.Stages, &rec.Stages)
	return rec
}
