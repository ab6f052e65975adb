package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/trialsim/pkg/analytics/trial"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/simulation"
	"github.com/synaptica-ai/trialsim/pkg/storage"
)

// StageHistory is implemented by storage.RunRepository.
type StageHistory interface {
	StageHistory(ctx context.Context, stage string, limit int) ([]storage.StageRollup, error)
}

type TrialHandler struct {
	manager *simulation.Manager
	history StageHistory
}

// NewTrialHandler serves trials from manager. history may be nil when runs
// are not persisted.
func NewTrialHandler(manager *simulation.Manager, history StageHistory) *TrialHandler {
	return &TrialHandler{manager: manager, history: history}
}

func (h *TrialHandler) Register(r *mux.Router) {
	r.HandleFunc("/trials", h.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/trials", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}", h.handleCancel).Methods(http.MethodDelete)
	r.HandleFunc("/trials/{id}/summary", h.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}/cells.csv", h.handleCells).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}/stages/{stage}/risk-factors", h.handleRiskFactors).Methods(http.MethodGet)
	if h.history != nil {
		r.HandleFunc("/stages/{name}/history", h.handleStageHistory).Methods(http.MethodGet)
	}
}

type trialView struct {
	storage.RunRecord
	Population *models.PopulationSummary `json:"population,omitempty"`
}

// handleStart accepts a trial document in YAML or JSON.
func (h *TrialHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	cfg, err := simulation.ParseTrialConfig(body)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	t, err := h.manager.Start(cfg)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Log.WithError(err).Error("failed to start trial")
		}
		writeError(w, status, err.Error())
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"run_id":   t.Run.ID,
		"trial":    cfg.Name,
		"patients": cfg.Cohort.Size,
	}).Info("Trial accepted")
	w.Header().Set("Location", "/api/v1/trials/"+t.Run.ID)
	writeJSON(w, http.StatusAccepted, trialView{RunRecord: t.Record(), Population: &t.Population})
}

func (h *TrialHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := h.manager.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list trials")
		writeError(w, http.StatusInternalServerError, "failed to list trials")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *TrialHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if t, ok := h.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, trialView{RunRecord: t.Record(), Population: &t.Population})
		return
	}
	summary, err := h.manager.Summary(r.Context(), id)
	if err != nil {
		h.fail(w, err, "failed to load trial")
		return
	}
	writeJSON(w, http.StatusOK, trialView{RunRecord: storage.RunRecord{
		ID:         summary.RunID,
		Status:     summary.Status,
		CohortSize: summary.CohortSize,
	}})
}

func (h *TrialHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.manager.Cancel(id); err != nil {
		h.fail(w, err, "failed to cancel trial")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (h *TrialHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.manager.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err, "failed to load summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *TrialHandler) handleCells(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cells, err := h.manager.Cells(r.Context(), id)
	if err != nil {
		h.fail(w, err, "failed to load result table")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.csv"`)
	if err := trial.WriteCells(w, cells); err != nil {
		logger.Log.WithError(err).WithField("run_id", id).Error("failed to write result table")
	}
}

func (h *TrialHandler) handleRiskFactors(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := h.manager.RiskFactors(vars["id"], vars["stage"])
	if err != nil {
		h.fail(w, err, "failed to fit risk factors")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *TrialHandler) handleStageHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rollups, err := h.history.StageHistory(r.Context(), mux.Vars(r)["name"], limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load stage history")
		writeError(w, http.StatusInternalServerError, "failed to load stage history")
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (h *TrialHandler) fail(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.WithError(err).Error(msg)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case models.IsConfigurationError(err), models.IsCyclicGraphError(err):
		return http.StatusBadRequest
	case errors.Is(err, simulation.ErrTrialNotFound):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrAtCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrEmptyCohort), errors.Is(err, trial.ErrInsufficientOutcomes):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
