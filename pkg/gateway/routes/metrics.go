package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/trialsim/pkg/observability/metrics"
)

type MetricsHandler struct {
	recorder *metrics.Recorder
}

func NewMetricsHandler(recorder *metrics.Recorder) *MetricsHandler {
	if recorder == nil {
		recorder = metrics.Default
	}
	return &MetricsHandler{recorder: recorder}
}

func (h *MetricsHandler) Register(r *mux.Router) {
	r.HandleFunc("/metrics", h.handlePrometheus).Methods(http.MethodGet)
	r.HandleFunc("/metrics/overview", h.handleOverview).Methods(http.MethodGet)
}

func (h *MetricsHandler) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.recorder.Render(w)
}

type OverviewMetrics struct {
	ActiveRuns     int64            `json:"active_runs"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
}

func (h *MetricsHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OverviewMetrics{
		ActiveRuns:     h.recorder.ActiveRuns(),
		FailuresByKind: h.recorder.FailureCounts(),
	})
}
