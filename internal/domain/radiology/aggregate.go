package radiology

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAccessionAssigned      = errors.New("accession number already assigned")
	ErrInstanceUIDAssigned    = errors.New("study instance uid already assigned")
	ErrTerminalPerformedState = errors.New("performed status is terminal")
	ErrInvalidTransition      = errors.New("invalid performed status transition")
)

// Patient holds the demographics carried in the outbound order message
type Patient struct {
	ID         string    `json:"id"`
	FamilyName string    `json:"family_name"`
	GivenName  string    `json:"given_name"`
	BirthDate  time.Time `json:"birth_date"`
	Sex        string    `json:"sex"`
}

// Provider identifies the ordering provider
type Provider struct {
	ID         string `json:"id"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
}

// Order is the radiology order aggregate root. It owns exactly one Study.
type Order struct {
	ID                   string
	Urgency              Urgency
	Priority             Priority
	Action               Action
	Voided               bool
	ScheduledDate        *time.Time
	DateActivated        time.Time
	ProcedureCode        string
	ProcedureDescription string
	VisitNumber          string
	Patient              *Patient
	OrderingProvider     *Provider

	accessionNumber string
	study           *Study
}

// NewOrder creates an order with a new action and routine urgency
func NewOrder(id string) *Order {
	return &Order{
		ID:            id,
		Urgency:       UrgencyRoutine,
		Action:        ActionNew,
		DateActivated: time.Now().UTC(),
	}
}

// AccessionNumber returns the accession number, empty if none was assigned yet
func (o *Order) AccessionNumber() string { return o.accessionNumber }

// AssignAccessionNumber sets the accession number once
func (o *Order) AssignAccessionNumber(n string) error {
	if o.accessionNumber != "" && o.accessionNumber != n {
		return fmt.Errorf("%w: order %s has %s", ErrAccessionAssigned, o.ID, o.accessionNumber)
	}
	o.accessionNumber = n
	return nil
}

// Study returns the owned study
func (o *Order) Study() *Study { return o.study }

// SetStudy links the order and the study in both directions.
// A previously linked study (or order) is detached.
func (o *Order) SetStudy(s *Study) {
	if o.study != nil && o.study != s {
		o.study.order = nil
	}
	o.study = s
	if s == nil {
		return
	}
	if s.order != nil && s.order != o {
		s.order.study = nil
	}
	s.order = o
}

// EffectivePriority is the explicit priority when one was requested, otherwise the one implied by the urgency
func (o *Order) EffectivePriority() Priority {
	if o.Priority != PriorityUnset {
		return o.Priority
	}
	switch o.Urgency {
	case UrgencyStat:
		return PriorityStat
	case UrgencyHigh:
		return PriorityHigh
	default:
		return PriorityRoutine
	}
}

// Validate checks the order invariants that do not depend on the worklist transport
func (o *Order) Validate() error {
	switch o.Urgency {
	case UrgencyOnScheduledDate:
		if o.ScheduledDate == nil {
			return errors.New("scheduled date is required for urgency ON_SCHEDULED_DATE")
		}
	case UrgencyRoutine, UrgencyStat, UrgencyHigh:
		if o.ScheduledDate != nil {
			return fmt.Errorf("scheduled date is only allowed for urgency ON_SCHEDULED_DATE, got %s", o.Urgency)
		}
	default:
		return fmt.Errorf("invalid urgency: %q", o.Urgency)
	}
	if o.study == nil {
		return errors.New("order has no study")
	}
	return nil
}

// Study is the DICOM facing projection of an order
type Study struct {
	ID              string
	Modality        Modality
	ScheduledStatus ScheduledStatus

	instanceUID     string
	performedStatus PerformedStatus
	syncOutcome     SyncOutcome
	order           *Order
}

// NewStudy creates a study that has never been announced to the worklist
func NewStudy(id string, modality Modality) *Study {
	return &Study{
		ID:              id,
		Modality:        modality,
		ScheduledStatus: ScheduledStatusScheduled,
		syncOutcome:     SyncNeverAttempted,
	}
}

// RestoreStudy rebuilds a study from persisted state
func RestoreStudy(id, instanceUID string, modality Modality, scheduled ScheduledStatus, performed PerformedStatus, sync SyncOutcome) *Study {
	if sync == "" {
		sync = SyncNeverAttempted
	}
	return &Study{
		ID:              id,
		Modality:        modality,
		ScheduledStatus: scheduled,
		instanceUID:     instanceUID,
		performedStatus: performed,
		syncOutcome:     sync,
	}
}

// Order returns the owning order
func (s *Study) Order() *Order { return s.order }

// InstanceUID returns the study instance uid
func (s *Study) InstanceUID() string { return s.instanceUID }

// SetInstanceUID sets the study instance uid once
func (s *Study) SetInstanceUID(uid string) error {
	uid = strings.TrimSpace(uid)
	if s.instanceUID != "" && s.instanceUID != uid {
		return fmt.Errorf("%w: study %s has %s", ErrInstanceUIDAssigned, s.ID, s.instanceUID)
	}
	s.instanceUID = uid
	return nil
}

// AssignInstanceUID derives <root>.<study id> when no uid is set yet
func (s *Study) AssignInstanceUID(root string) {
	if s.instanceUID != "" || root == "" || s.ID == "" {
		return
	}
	s.instanceUID = strings.TrimSuffix(root, ".") + "." + s.ID
}

// PerformedStatus returns the last applied performed status
func (s *Study) PerformedStatus() PerformedStatus { return s.performedStatus }

// ApplyPerformedStatus moves the performed status forward.
// It reports false without error when next equals the current status.
func (s *Study) ApplyPerformedStatus(next PerformedStatus) (bool, error) {
	if next == s.performedStatus {
		return false, nil
	}
	if err := CheckTransition(s.performedStatus, next); err != nil {
		return false, err
	}
	s.performedStatus = next
	return true, nil
}

// CheckTransition validates unset -> IN_PROGRESS -> {DISCONTINUED | COMPLETED}.
// A step may also jump from unset straight to a terminal state.
func CheckTransition(from, to PerformedStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalPerformedState, from, to)
	}
	switch to {
	case PerformedStatusInProgress, PerformedStatusDiscontinued, PerformedStatusCompleted:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, from, to)
	}
}

// SyncOutcome returns the remembered result of the last worklist transmission
func (s *Study) SyncOutcome() SyncOutcome { return s.syncOutcome }

// RecordSendResult remembers the result of a worklist transmission attempt
func (s *Study) RecordSendResult(succeeded bool) {
	s.syncOutcome = OutcomeOf(succeeded)
}
