package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
)

// StudyHandler exposes the bridge's view of a study
type StudyHandler struct {
	studies radiology.PerformedStatusStore
}

// NewStudyHandler creates the handler
func NewStudyHandler(studies radiology.PerformedStatusStore) *StudyHandler {
	return &StudyHandler{studies: studies}
}

// Routes returns the handler routes
func (h *StudyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{uid}", h.Get)
	return r
}

// StudyResponse is the stored state of a study
type StudyResponse struct {
	ID               string `json:"id"`
	StudyInstanceUID string `json:"study_instance_uid"`
	Modality         string `json:"modality"`
	ScheduledStatus  string `json:"scheduled_status"`
	PerformedStatus  string `json:"performed_status,omitempty"`
	SyncOutcome      string `json:"sync_outcome"`
}

// Get handles GET /studies/{uid}
func (h *StudyHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	study, err := h.studies.FindByInstanceUID(r.Context(), uid)
	if errors.Is(err, radiology.ErrStudyNotFound) {
		jsonError(w, "study not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load study", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StudyResponse{
		ID:               study.ID,
		StudyInstanceUID: study.InstanceUID(),
		Modality:         string(study.Modality),
		ScheduledStatus:  string(study.ScheduledStatus),
		PerformedStatus:  string(study.PerformedStatus()),
		SyncOutcome:      string(study.SyncOutcome()),
	})
}
