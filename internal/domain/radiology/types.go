// Package radiology implements the radiology order and study aggregate.
package radiology

import (
	"fmt"
	"strings"
)

// Urgency is the clinical urgency requested on the order
type Urgency string

const (
	UrgencyRoutine         Urgency = "ROUTINE"
	UrgencyStat            Urgency = "STAT"
	UrgencyHigh            Urgency = "HIGH"
	UrgencyOnScheduledDate Urgency = "ON_SCHEDULED_DATE"
)

// ParseUrgency parses an urgency name, case-insensitively. Empty input yields UrgencyRoutine.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToUpper(strings.TrimSpace(s))); u {
	case "":
		return UrgencyRoutine, nil
	case UrgencyRoutine, UrgencyStat, UrgencyHigh, UrgencyOnScheduledDate:
		return u, nil
	default:
		return "", fmt.Errorf("invalid urgency: %q", s)
	}
}

// Priority is the requested procedure priority. The zero value means unset.
type Priority string

const (
	PriorityUnset   Priority = ""
	PriorityStat    Priority = "STAT"
	PriorityHigh    Priority = "HIGH"
	PriorityRoutine Priority = "ROUTINE"
	PriorityMedium  Priority = "MEDIUM"
	PriorityLow     Priority = "LOW"
)

// ParsePriority parses a priority name, case-insensitively. Empty input yields PriorityUnset.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case PriorityUnset, PriorityStat, PriorityHigh, PriorityRoutine, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return PriorityUnset, fmt.Errorf("invalid priority: %s (valid: STAT, HIGH, ROUTINE, MEDIUM, LOW)", s)
	}
}

// Action is the order action
type Action string

const (
	ActionNew         Action = "NEW"
	ActionDiscontinue Action = "DISCONTINUE"
)

// Modality is the DICOM modality code of a study
type Modality string

const (
	ModalityCR Modality = "CR"
	ModalityMR Modality = "MR"
	ModalityCT Modality = "CT"
	ModalityNM Modality = "NM"
	ModalityUS Modality = "US"
	ModalityXA Modality = "XA"
)

// ParseModality parses a modality code
func ParseModality(s string) (Modality, error) {
	switch m := Modality(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModalityCR, ModalityMR, ModalityCT, ModalityNM, ModalityUS, ModalityXA:
		return m, nil
	default:
		return "", fmt.Errorf("invalid modality: %q", s)
	}
}

// ScheduledStatus is the scheduled procedure step status
type ScheduledStatus string

const (
	ScheduledStatusScheduled ScheduledStatus = "SCHEDULED"
	ScheduledStatusArrived   ScheduledStatus = "ARRIVED"
	ScheduledStatusReady     ScheduledStatus = "READY"
	ScheduledStatusStarted   ScheduledStatus = "STARTED"
	ScheduledStatusDeparted  ScheduledStatus = "DEPARTED"
)

// PerformedStatus is the performed procedure step status reported by the modality.
// The zero value means no status has been reported yet.
type PerformedStatus string

const (
	PerformedStatusUnset        PerformedStatus = ""
	PerformedStatusInProgress   PerformedStatus = "IN_PROGRESS"
	PerformedStatusDiscontinued PerformedStatus = "DISCONTINUED"
	PerformedStatusCompleted    PerformedStatus = "COMPLETED"
)

// IsTerminal reports whether no further transition is allowed
func (s PerformedStatus) IsTerminal() bool {
	return s == PerformedStatusCompleted || s == PerformedStatusDiscontinued
}

// IsCompleted reports whether the step completed. Unset and in-progress both count as not completed.
func (s PerformedStatus) IsCompleted() bool {
	return s == PerformedStatusCompleted
}

// SyncOutcome is the remembered result of the last worklist transmission for a study
type SyncOutcome string

const (
	SyncNeverAttempted    SyncOutcome = "NEVER_ATTEMPTED"
	SyncLastSendSucceeded SyncOutcome = "LAST_SEND_SUCCEEDED"
	SyncLastSendFailed    SyncOutcome = "LAST_SEND_FAILED"
)

// OutcomeOf converts a transmission result to a SyncOutcome
func OutcomeOf(succeeded bool) SyncOutcome {
	if succeeded {
		return SyncLastSendSucceeded
	}
	return SyncLastSendFailed
}

// LifecycleOp is an order lifecycle transition reported by the host platform
type LifecycleOp string

const (
	OpSave          LifecycleOp = "SAVE"
	OpVoid          LifecycleOp = "VOID"
	OpUnvoid        LifecycleOp = "UNVOID"
	OpDiscontinue   LifecycleOp = "DISCONTINUE"
	OpUndiscontinue LifecycleOp = "UNDISCONTINUE"
)

// LifecycleOps lists every lifecycle operation
var LifecycleOps = []LifecycleOp{OpSave, OpVoid, OpUnvoid, OpDiscontinue, OpUndiscontinue}

// SyncOutcomes lists every sync outcome
var SyncOutcomes = []SyncOutcome{SyncNeverAttempted, SyncLastSendSucceeded, SyncLastSendFailed}

// ParseLifecycleOp parses a lifecycle operation name, case-insensitively
func ParseLifecycleOp(s string) (LifecycleOp, error) {
	op := LifecycleOp(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range LifecycleOps {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("invalid lifecycle op: %q", s)
}
