// Package handlers provides HTTP handlers for the bridge API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/accession"
	"github.com/radbridge/go-mwl/internal/api/middleware"
	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/orchestrator"
)

// AccessionAssigner gives an order its accession number if it has none
type AccessionAssigner interface {
	AssignTo(ctx context.Context, order *radiology.Order) error
}

// WorklistSync announces a lifecycle event to the worklist
type WorklistSync interface {
	Handle(ctx context.Context, order *radiology.Order, op radiology.LifecycleOp) orchestrator.Result
}

// OrderHandler receives order lifecycle callbacks from the host platform
type OrderHandler struct {
	accessions AccessionAssigner
	sync       WorklistSync
	uidRoot    string
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewOrderHandler creates the handler. uidRoot prefixes generated study instance uids.
func NewOrderHandler(accessions AccessionAssigner, sync WorklistSync, uidRoot string, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		accessions: accessions,
		sync:       sync,
		uidRoot:    uidRoot,
		logger:     logger,
		tracer:     otel.Tracer("order-handler"),
	}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/events", h.Event)
	return r
}

// PatientPayload carries patient demographics
type PatientPayload struct {
	ID         string `json:"id"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
	BirthDate  string `json:"birth_date,omitempty"` // YYYY-MM-DD
	Sex        string `json:"sex,omitempty"`
}

// StudyPayload carries the study of an order
type StudyPayload struct {
	ID              string `json:"id"`
	Modality        string `json:"modality"`
	InstanceUID     string `json:"instance_uid,omitempty"`
	ScheduledStatus string `json:"scheduled_status,omitempty"`
}

// OrderPayload is the order as the host platform sends it
type OrderPayload struct {
	ID                   string              `json:"id"`
	AccessionNumber      string              `json:"accession_number,omitempty"`
	Urgency              string              `json:"urgency,omitempty"`
	Priority             string              `json:"priority,omitempty"`
	Action               string              `json:"action,omitempty"`
	Voided               bool                `json:"voided,omitempty"`
	ScheduledDate        *time.Time          `json:"scheduled_date,omitempty"`
	DateActivated        *time.Time          `json:"date_activated,omitempty"`
	ProcedureCode        string              `json:"procedure_code,omitempty"`
	ProcedureDescription string              `json:"procedure_description,omitempty"`
	VisitNumber          string              `json:"visit_number,omitempty"`
	Patient              *PatientPayload     `json:"patient,omitempty"`
	OrderingProvider     *radiology.Provider `json:"ordering_provider,omitempty"`
	Study                *StudyPayload       `json:"study"`
}

// EventRequest is one lifecycle callback
type EventRequest struct {
	Op    string        `json:"op"`
	Order *OrderPayload `json:"order"`
}

// EventResponse reports the accession number and the worklist result. A worklist
// failure is reported here but never changes the status code.
type EventResponse struct {
	OrderID          string `json:"order_id"`
	AccessionNumber  string `json:"accession_number"`
	StudyInstanceUID string `json:"study_instance_uid"`
	OrderControl     string `json:"order_control,omitempty"`
	SyncOutcome      string `json:"sync_outcome,omitempty"`
	Sent             bool   `json:"sent"`
	WorklistError    string `json:"worklist_error,omitempty"`
	SyncError        string `json:"sync_error,omitempty"`
}

// Event handles POST /orders/events
func (h *OrderHandler) Event(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "order_lifecycle_event")
	defer span.End()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	op, err := radiology.ParseLifecycleOp(req.Op)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	order, err := ToOrder(req.Order)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("order_id", order.ID), attribute.String("lifecycle_op", string(op)))

	if op == radiology.OpSave {
		if err := h.accessions.AssignTo(ctx, order); err != nil {
			h.logger.Error("accession number not assigned",
				zap.String("order_id", order.ID),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			span.RecordError(err)
			if errors.Is(err, accession.ErrConfigurationMissing) || errors.Is(err, accession.ErrConfigurationInvalid) {
				jsonError(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			jsonError(w, "failed to assign accession number", http.StatusInternalServerError)
			return
		}
	}
	if h.uidRoot != "" {
		order.Study().AssignInstanceUID(h.uidRoot)
	}

	res := h.sync.Handle(ctx, order, op)

	resp := EventResponse{
		OrderID:          order.ID,
		AccessionNumber:  order.AccessionNumber(),
		StudyInstanceUID: order.Study().InstanceUID(),
		OrderControl:     string(res.OrderControl),
		SyncOutcome:      string(res.Outcome),
		Sent:             res.Sent,
	}
	if res.Err != nil {
		resp.WorklistError = res.Err.Error()
	}
	if res.RecordErr != nil {
		resp.SyncError = res.RecordErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ToOrder validates p and builds the order aggregate with its study
func ToOrder(p *OrderPayload) (*radiology.Order, error) {
	if p == nil {
		return nil, errors.New("order is required")
	}
	if p.ID == "" {
		return nil, errors.New("order.id is required")
	}
	if p.Study == nil || p.Study.ID == "" {
		return nil, errors.New("order.study.id is required")
	}

	order := radiology.NewOrder(p.ID)
	if p.AccessionNumber != "" {
		if err := order.AssignAccessionNumber(p.AccessionNumber); err != nil {
			return nil, err
		}
	}
	urgency, err := radiology.ParseUrgency(p.Urgency)
	if err != nil {
		return nil, err
	}
	order.Urgency = urgency
	priority, err := radiology.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	order.Priority = priority
	if p.Action != "" {
		order.Action = radiology.Action(p.Action)
	}
	order.Voided = p.Voided
	if p.ScheduledDate != nil {
		scheduled := p.ScheduledDate.UTC()
		order.ScheduledDate = &scheduled
	}
	if p.DateActivated != nil {
		order.DateActivated = p.DateActivated.UTC()
	}
	order.ProcedureCode = p.ProcedureCode
	order.ProcedureDescription = p.ProcedureDescription
	order.VisitNumber = p.VisitNumber
	order.OrderingProvider = p.OrderingProvider

	if p.Patient != nil {
		patient := &radiology.Patient{
			ID:         p.Patient.ID,
			FamilyName: p.Patient.FamilyName,
			GivenName:  p.Patient.GivenName,
			Sex:        p.Patient.Sex,
		}
		if p.Patient.BirthDate != "" {
			born, err := time.Parse(time.DateOnly, p.Patient.BirthDate)
			if err != nil {
				return nil, fmt.Errorf("patient.birth_date: %w", err)
			}
			patient.BirthDate = born
		}
		order.Patient = patient
	}

	// modality is checked by the composer so an incomplete order can still be saved
	var modality radiology.Modality
	if p.Study.Modality != "" {
		if modality, err = radiology.ParseModality(p.Study.Modality); err != nil {
			return nil, err
		}
	}
	study := radiology.NewStudy(p.Study.ID, modality)
	if p.Study.ScheduledStatus != "" {
		study.ScheduledStatus = radiology.ScheduledStatus(p.Study.ScheduledStatus)
	}
	if p.Study.InstanceUID != "" {
		if err := study.SetInstanceUID(p.Study.InstanceUID); err != nil {
			return nil, err
		}
	}
	order.SetStudy(study)

	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
