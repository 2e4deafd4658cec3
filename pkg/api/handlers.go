package api

import (
	"net/http"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
)

// StatusHandler answers the observability endpoints from the catalog.
type StatusHandler struct {
	catalog *catalog.Catalog
}

// NewStatusHandler creates a handler bound to a catalog.
func NewStatusHandler(cat *catalog.Catalog) *StatusHandler {
	return &StatusHandler{catalog: cat}
}

// Health is the liveness probe: the process is up and the catalog
// answers queries.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		JSON(w, http.StatusOK, HealthyResponse(nil))
		return
	}
	if _, err := h.catalog.Summarize(r.Context()); err != nil {
		logger.Error("Health check catalog query failed", logger.Err(err))
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse("catalog unavailable"))
		return
	}
	JSON(w, http.StatusOK, HealthyResponse(nil))
}

// statusData is the payload of the /status endpoint.
type statusData struct {
	Waiting      int64         `json:"waiting"`
	Running      int64         `json:"running"`
	Done         int64         `json:"done"`
	Error        int64         `json:"error"`
	Total        int64         `json:"total"`
	RecentErrors []recentError `json:"recent_errors,omitempty"`
}

type recentError struct {
	TransferID int64  `json:"transfer_id"`
	LocalImage string `json:"local_image"`
	ErrorMsg   string `json:"error_msg"`
}

// Status reports the catalog counts per lifecycle state plus the most
// recent failures.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	summary, err := h.catalog.Summarize(r.Context())
	if err != nil {
		logger.Error("Status summary failed", logger.Err(err))
		JSON(w, http.StatusInternalServerError, ErrorResponse("failed to summarize catalog"))
		return
	}

	data := statusData{
		Waiting: summary.Waiting,
		Running: summary.Running,
		Done:    summary.Done,
		Error:   summary.Error,
		Total:   summary.Total(),
	}

	failures, err := h.catalog.RecentErrors(r.Context(), 10)
	if err != nil {
		logger.Warn("Recent errors query failed", logger.Err(err))
	} else {
		for _, tr := range failures {
			data.RecentErrors = append(data.RecentErrors, recentError{
				TransferID: tr.TransferID,
				LocalImage: tr.LocalImage,
				ErrorMsg:   tr.ErrorMsg,
			})
		}
	}

	JSON(w, http.StatusOK, OKResponse(data))
}
