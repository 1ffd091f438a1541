package worklist

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
)

// ErrIncompleteOrder means a field the worklist requires is missing from the order graph
var ErrIncompleteOrder = errors.New("order is incomplete")

// CompositionError identifies the missing or invalid field
type CompositionError struct {
	Field   string
	Code    string
	Message string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers test with errors.Is(err, ErrIncompleteOrder)
func (e *CompositionError) Unwrap() error {
	return ErrIncompleteOrder
}

func missing(field string) *CompositionError {
	return &CompositionError{Field: field, Code: "REQUIRED", Message: "required by the worklist but absent"}
}

// ComposerConfig holds the MSH routing identity
type ComposerConfig struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Version           string
}

// DefaultComposerConfig returns the identity used when none is configured
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		SendingApp:        "RADBRIDGE",
		SendingFacility:   "RADIOLOGY",
		ReceivingApp:      "MWL",
		ReceivingFacility: "RADIOLOGY",
		Version:           hl7v2.DefaultVersion,
	}
}

// OutboundMessage is a composed worklist order ready for transmission
type OutboundMessage struct {
	OrderControl OrderControlCode
	PriorityCode byte
	Order        *hl7v2.OrderMessage
}

// Composer builds ORM^O01 messages. It holds no mutable state.
type Composer struct {
	config    ComposerConfig
	now       func() time.Time
	controlID func() string
}

// NewComposer creates a composer using the wall clock and random control ids
func NewComposer(cfg ComposerConfig) *Composer {
	if cfg.Version == "" {
		cfg.Version = hl7v2.DefaultVersion
	}
	return &Composer{
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
		controlID: func() string { return uuid.New().String() },
	}
}

// WithClock replaces the clock and control id source, for reproducible output
func (c *Composer) WithClock(now func() time.Time, controlID func() string) *Composer {
	cp := *c
	if now != nil {
		cp.now = now
	}
	if controlID != nil {
		cp.controlID = controlID
	}
	return &cp
}

// Compose builds the message announcing op for order, given the study's last sync outcome.
// Mandatory fields are checked before anything is built.
func (c *Composer) Compose(order *radiology.Order, op radiology.LifecycleOp, outcome radiology.SyncOutcome) (*OutboundMessage, error) {
	if err := checkMandatory(order); err != nil {
		return nil, err
	}

	control, err := Resolve(op, outcome)
	if err != nil {
		return nil, err
	}
	priority := MapPriority(order.EffectivePriority())
	study := order.Study()

	timing := hl7v2.QuantityTiming{Priority: priority}
	if when := requestedAt(order); !when.IsZero() {
		timing.StartDate = when.Format(hl7v2.DateLayout)
		timing.StartTime = when.Format(hl7v2.TimeLayout)
	}

	var provider hl7v2.Provider
	if p := order.OrderingProvider; p != nil {
		provider = hl7v2.Provider{ID: p.ID, FamilyName: p.FamilyName, GivenName: p.GivenName}
	}

	accession := order.AccessionNumber()
	msg := &hl7v2.OrderMessage{
		Header: hl7v2.Header{
			SendingApp:        c.config.SendingApp,
			SendingFacility:   c.config.SendingFacility,
			ReceivingApp:      c.config.ReceivingApp,
			ReceivingFacility: c.config.ReceivingFacility,
			Timestamp:         c.now(),
			ControlID:         c.controlID(),
			Version:           c.config.Version,
		},
		Patient: hl7v2.PatientIdentification{
			ID:         order.Patient.ID,
			FamilyName: order.Patient.FamilyName,
			GivenName:  order.Patient.GivenName,
			BirthDate:  order.Patient.BirthDate,
			Sex:        order.Patient.Sex,
		},
		Visit: hl7v2.PatientVisit{VisitNumber: order.VisitNumber},
		Order: hl7v2.CommonOrder{
			Control:           control.HL7Code(),
			PlacerOrderNumber: accession,
			Status:            control.OrderStatus(),
			Timing:            timing,
			OrderingProvider:  provider,
		},
		Request: hl7v2.ObservationRequest{
			PlacerOrderNumber:    accession,
			ProcedureCode:        order.ProcedureCode,
			ProcedureDescription: order.ProcedureDescription,
			AccessionNumber:      accession,
			RequestedProcedureID: study.ID,
			Modality:             string(study.Modality),
			Timing:               timing,
			OrderingProvider:     provider,
		},
		StudyInstanceUID: study.InstanceUID(),
	}

	return &OutboundMessage{OrderControl: control, PriorityCode: priority, Order: msg}, nil
}

func checkMandatory(order *radiology.Order) error {
	if order == nil {
		return missing("order")
	}
	if order.Patient == nil || order.Patient.ID == "" {
		return missing("patient.id")
	}
	study := order.Study()
	if study == nil {
		return missing("study")
	}
	if study.InstanceUID() == "" {
		return missing("study.instance_uid")
	}
	if study.Modality == "" {
		return missing("study.modality")
	}
	return nil
}

// requestedAt is the scheduled date for scheduled orders, otherwise the activation date
func requestedAt(order *radiology.Order) time.Time {
	if order.ScheduledDate != nil {
		return order.ScheduledDate.UTC()
	}
	return order.DateActivated.UTC()
}
