package radiology

import (
	"errors"
	"testing"
	"time"
)

func TestSetStudyLinksBothSides(t *testing.T) {
	order := NewOrder("o-1")
	study := NewStudy("s-1", ModalityCT)

	order.SetStudy(study)

	if order.Study() != study {
		t.Fatal("order does not reference study")
	}
	if study.Order() != order {
		t.Fatal("study does not reference order")
	}

	replacement := NewStudy("s-2", ModalityMR)
	order.SetStudy(replacement)

	if study.Order() != nil {
		t.Error("detached study still references order")
	}
	if replacement.Order() != order {
		t.Error("replacement study does not reference order")
	}

	other := NewOrder("o-2")
	other.SetStudy(replacement)
	if order.Study() != nil {
		t.Error("previous owner still references moved study")
	}
	if replacement.Order() != other {
		t.Error("moved study does not reference new owner")
	}
}

func TestAccessionNumberAssignedOnce(t *testing.T) {
	order := NewOrder("o-1")
	if err := order.AssignAccessionNumber("1001"); err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}
	if err := order.AssignAccessionNumber("1001"); err != nil {
		t.Errorf("re-assigning the same value should be a no-op: %v", err)
	}
	err := order.AssignAccessionNumber("1002")
	if !errors.Is(err, ErrAccessionAssigned) {
		t.Fatalf("expected ErrAccessionAssigned, got %v", err)
	}
	if order.AccessionNumber() != "1001" {
		t.Errorf("accession number changed to %s", order.AccessionNumber())
	}
}

func TestStudyInstanceUIDImmutable(t *testing.T) {
	study := NewStudy("42", ModalityCT)
	study.AssignInstanceUID("1.2.826.0.1.3680043.8.2186.")
	if got, want := study.InstanceUID(), "1.2.826.0.1.3680043.8.2186.42"; got != want {
		t.Fatalf("uid = %s, want %s", got, want)
	}

	study.AssignInstanceUID("9.9")
	if study.InstanceUID() != "1.2.826.0.1.3680043.8.2186.42" {
		t.Error("AssignInstanceUID replaced an existing uid")
	}
	if err := study.SetInstanceUID("9.9.9"); !errors.Is(err, ErrInstanceUIDAssigned) {
		t.Errorf("expected ErrInstanceUIDAssigned, got %v", err)
	}
}

func TestApplyPerformedStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    PerformedStatus
		to      PerformedStatus
		changed bool
		wantErr error
	}{
		{"unset to in progress", PerformedStatusUnset, PerformedStatusInProgress, true, nil},
		{"unset to completed", PerformedStatusUnset, PerformedStatusCompleted, true, nil},
		{"in progress to completed", PerformedStatusInProgress, PerformedStatusCompleted, true, nil},
		{"in progress to discontinued", PerformedStatusInProgress, PerformedStatusDiscontinued, true, nil},
		{"same status", PerformedStatusInProgress, PerformedStatusInProgress, false, nil},
		{"completed to in progress", PerformedStatusCompleted, PerformedStatusInProgress, false, ErrTerminalPerformedState},
		{"discontinued to completed", PerformedStatusDiscontinued, PerformedStatusCompleted, false, ErrTerminalPerformedState},
		{"in progress to unset", PerformedStatusInProgress, PerformedStatusUnset, false, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			study := RestoreStudy("s", "1.2", ModalityCT, ScheduledStatusScheduled, tt.from, SyncNeverAttempted)
			changed, err := study.ApplyPerformedStatus(tt.to)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if changed != tt.changed {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
			if err != nil && study.PerformedStatus() != tt.from {
				t.Errorf("status moved to %s on error", study.PerformedStatus())
			}
		})
	}
}

func TestEffectivePriority(t *testing.T) {
	order := NewOrder("o")
	if got := order.EffectivePriority(); got != PriorityRoutine {
		t.Errorf("routine = %s", got)
	}
	order.Urgency = UrgencyStat
	if got := order.EffectivePriority(); got != PriorityStat {
		t.Errorf("stat = %s", got)
	}
	order.Urgency = UrgencyHigh
	if got := order.EffectivePriority(); got != PriorityHigh {
		t.Errorf("high = %s", got)
	}
	order.Priority = PriorityLow
	if got := order.EffectivePriority(); got != PriorityLow {
		t.Errorf("explicit priority ignored: %s", got)
	}
}

func TestParseUrgency(t *testing.T) {
	if u, err := ParseUrgency("high"); err != nil || u != UrgencyHigh {
		t.Errorf("ParseUrgency(high) = %s, %v", u, err)
	}
	if u, err := ParseUrgency(""); err != nil || u != UrgencyRoutine {
		t.Errorf("ParseUrgency(\"\") = %s, %v", u, err)
	}
	if _, err := ParseUrgency("someday"); err == nil {
		t.Error("ParseUrgency(someday) should fail")
	}
}

func TestOrderValidateScheduledDate(t *testing.T) {
	when := time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		urgency   Urgency
		scheduled *time.Time
		wantErr   bool
	}{
		{"routine without date", UrgencyRoutine, nil, false},
		{"stat without date", UrgencyStat, nil, false},
		{"high without date", UrgencyHigh, nil, false},
		{"scheduled with date", UrgencyOnScheduledDate, &when, false},
		{"scheduled without date", UrgencyOnScheduledDate, nil, true},
		{"routine with date", UrgencyRoutine, &when, true},
		{"unknown urgency", Urgency("SOMEDAY"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := NewOrder("o")
			order.Urgency = tt.urgency
			order.ScheduledDate = tt.scheduled
			order.SetStudy(NewStudy("s", ModalityCT))
			if err := order.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewStudyNeverAttempted(t *testing.T) {
	study := NewStudy("s", ModalityUS)
	if study.SyncOutcome() != SyncNeverAttempted {
		t.Fatalf("new study outcome = %s", study.SyncOutcome())
	}
	study.RecordSendResult(false)
	if study.SyncOutcome() != SyncLastSendFailed {
		t.Errorf("outcome = %s, want %s", study.SyncOutcome(), SyncLastSendFailed)
	}
	study.RecordSendResult(true)
	if study.SyncOutcome() != SyncLastSendSucceeded {
		t.Errorf("outcome = %s, want %s", study.SyncOutcome(), SyncLastSendSucceeded)
	}
}

func TestParseHelpers(t *testing.T) {
	if p, err := ParsePriority("stat"); err != nil || p != PriorityStat {
		t.Errorf("ParsePriority(stat) = %s, %v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityUnset {
		t.Errorf("ParsePriority(\"\") = %s, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority(urgent) should fail")
	}
	if m, err := ParseModality("ct"); err != nil || m != ModalityCT {
		t.Errorf("ParseModality(ct) = %s, %v", m, err)
	}
	if _, err := ParseModality("PX"); err == nil {
		t.Error("ParseModality(PX) should fail")
	}
	if op, err := ParseLifecycleOp("undiscontinue"); err != nil || op != OpUndiscontinue {
		t.Errorf("ParseLifecycleOp(undiscontinue) = %s, %v", op, err)
	}
}
