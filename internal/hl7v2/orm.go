package hl7v2

import "time"

// Message types and defaults
const (
	MessageTypeORM = "ORM^O01"
	MessageTypeACK = "ACK"
	DefaultVersion = "2.3.1"
	ProcessingProd = "P"
)

// ORC-1 order control codes
const (
	OrderControlNew    = "NW"
	OrderControlChange = "XO"
	OrderControlCancel = "CA"
)

// ORC-5 order status codes
const (
	OrderStatusScheduled = "SC"
	OrderStatusCancelled = "CA"
)

// PatientClassOutpatient is the PV1-2 value used for imaging orders
const PatientClassOutpatient = "O"

// Header carries the MSH routing fields
type Header struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Timestamp         time.Time
	ControlID         string
	ProcessingID      string
	Version           string
}

// PatientIdentification is the PID segment
type PatientIdentification struct {
	ID         string
	FamilyName string
	GivenName  string
	BirthDate  time.Time
	Sex        string
}

// PatientVisit is the PV1 segment
type PatientVisit struct {
	PatientClass string
	VisitNumber  string
}

// QuantityTiming is the TQ data type used by ORC-7 and OBR-27.
// The start is kept as separate date and time parts.
type QuantityTiming struct {
	StartDate string // yyyyMMdd
	StartTime string // HHmmss
	Priority  byte
}

func (q QuantityTiming) encode() string {
	priority := ""
	if q.Priority != 0 {
		priority = string(q.Priority)
	}
	return Composite("", "", "", q.StartDate+q.StartTime, "", priority)
}

// Provider is an XCN reference to a practitioner
type Provider struct {
	ID         string
	FamilyName string
	GivenName  string
}

func (p Provider) encode() string {
	return Composite(p.ID, p.FamilyName, p.GivenName)
}

// CommonOrder is the ORC segment
type CommonOrder struct {
	Control           string
	PlacerOrderNumber string
	Status            string
	Timing            QuantityTiming
	OrderingProvider  Provider
}

// ObservationRequest is the OBR segment
type ObservationRequest struct {
	PlacerOrderNumber    string
	ProcedureCode        string
	ProcedureDescription string
	AccessionNumber      string
	RequestedProcedureID string
	Modality             string
	Timing               QuantityTiming
	OrderingProvider     Provider
}

// OrderMessage is a typed ORM^O01 worklist order
type OrderMessage struct {
	Header           Header
	Patient          PatientIdentification
	Visit            PatientVisit
	Order            CommonOrder
	Request          ObservationRequest
	StudyInstanceUID string
}

// Message builds the segment form. Free text is escaped; codes are written as given.
func (o *OrderMessage) Message() *Message {
	h := o.Header
	if h.Version == "" {
		h.Version = DefaultVersion
	}
	if h.ProcessingID == "" {
		h.ProcessingID = ProcessingProd
	}

	msh := NewSegment("MSH").
		SetField(3, Escape(h.SendingApp)).
		SetField(4, Escape(h.SendingFacility)).
		SetField(5, Escape(h.ReceivingApp)).
		SetField(6, Escape(h.ReceivingFacility)).
		SetField(7, FormatTimestamp(h.Timestamp)).
		SetField(9, MessageTypeORM).
		SetField(10, Escape(h.ControlID)).
		SetField(11, h.ProcessingID).
		SetField(12, h.Version)

	pid := NewSegment("PID").
		SetField(1, "1").
		SetField(3, Escape(o.Patient.ID)).
		SetField(5, Composite(o.Patient.FamilyName, o.Patient.GivenName)).
		SetField(7, FormatDate(o.Patient.BirthDate)).
		SetField(8, Escape(o.Patient.Sex))

	class := o.Visit.PatientClass
	if class == "" {
		class = PatientClassOutpatient
	}
	pv1 := NewSegment("PV1").
		SetField(1, "1").
		SetField(2, class).
		SetField(19, Escape(o.Visit.VisitNumber))

	orc := NewSegment("ORC").
		SetField(1, o.Order.Control).
		SetField(2, Escape(o.Order.PlacerOrderNumber)).
		SetField(5, o.Order.Status).
		SetField(7, o.Order.Timing.encode()).
		SetField(12, o.Order.OrderingProvider.encode())

	obr := NewSegment("OBR").
		SetField(1, "1").
		SetField(2, Escape(o.Request.PlacerOrderNumber)).
		SetField(4, Composite(o.Request.ProcedureCode, o.Request.ProcedureDescription)).
		SetField(16, o.Request.OrderingProvider.encode()).
		SetField(18, Escape(o.Request.AccessionNumber)).
		SetField(19, Escape(o.Request.RequestedProcedureID)).
		SetField(24, Escape(o.Request.Modality)).
		SetField(27, o.Request.Timing.encode())

	// dcm4chee reads the study instance uid from ZDS-1
	zds := NewSegment("ZDS").
		SetField(1, Composite(o.StudyInstanceUID, "", "Application", "DICOM"))

	return &Message{
		Type:         MessageTypeORM,
		ControlID:    h.ControlID,
		Version:      h.Version,
		Timestamp:    h.Timestamp,
		SendingApp:   h.SendingApp,
		SendingFac:   h.SendingFacility,
		ReceivingApp: h.ReceivingApp,
		ReceivingFac: h.ReceivingFacility,
		Segments:     []*Segment{msh, pid, pv1, orc, obr, zds},
	}
}

// Encode serializes the order
func (o *OrderMessage) Encode() []byte {
	return o.Message().Bytes()
}
