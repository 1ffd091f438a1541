package worklist

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
)

func TestMapPriority(t *testing.T) {
	tests := []struct {
		priority radiology.Priority
		want     byte
	}{
		{radiology.PriorityStat, 'S'},
		{radiology.PriorityHigh, 'A'},
		{radiology.PriorityRoutine, 'R'},
		{radiology.PriorityMedium, 'T'},
		{radiology.PriorityLow, 'R'},
		{radiology.PriorityUnset, 'R'},
	}
	for _, tt := range tests {
		if got := MapPriority(tt.priority); got != tt.want {
			t.Errorf("MapPriority(%q) = %c, want %c", tt.priority, got, tt.want)
		}
	}
}

func TestResolveTable(t *testing.T) {
	want := map[radiology.LifecycleOp]map[radiology.SyncOutcome]OrderControlCode{
		radiology.OpSave: {
			radiology.SyncNeverAttempted:    OrderControlNew,
			radiology.SyncLastSendFailed:    OrderControlNew,
			radiology.SyncLastSendSucceeded: OrderControlChange,
		},
		radiology.OpVoid: {
			radiology.SyncNeverAttempted:    OrderControlCancel,
			radiology.SyncLastSendFailed:    OrderControlCancel,
			radiology.SyncLastSendSucceeded: OrderControlCancel,
		},
		radiology.OpDiscontinue: {
			radiology.SyncNeverAttempted:    OrderControlCancel,
			radiology.SyncLastSendFailed:    OrderControlCancel,
			radiology.SyncLastSendSucceeded: OrderControlCancel,
		},
		radiology.OpUnvoid: {
			radiology.SyncNeverAttempted:    OrderControlNew,
			radiology.SyncLastSendFailed:    OrderControlNew,
			radiology.SyncLastSendSucceeded: OrderControlNew,
		},
		radiology.OpUndiscontinue: {
			radiology.SyncNeverAttempted:    OrderControlNew,
			radiology.SyncLastSendFailed:    OrderControlNew,
			radiology.SyncLastSendSucceeded: OrderControlNew,
		},
	}

	checked := 0
	for _, op := range radiology.LifecycleOps {
		for _, outcome := range radiology.SyncOutcomes {
			t.Run(fmt.Sprintf("%s/%s", op, outcome), func(t *testing.T) {
				got, err := Resolve(op, outcome)
				if err != nil {
					t.Fatalf("Resolve() error: %v", err)
				}
				if got != want[op][outcome] {
					t.Errorf("Resolve(%s, %s) = %s, want %s", op, outcome, got, want[op][outcome])
				}
			})
			checked++
		}
	}
	if checked != 15 {
		t.Fatalf("checked %d pairs, want 15", checked)
	}
}

func TestResolveRejectsUnknownValues(t *testing.T) {
	if _, err := Resolve("REOPEN", radiology.SyncNeverAttempted); err == nil {
		t.Error("unknown op accepted")
	}
	if _, err := Resolve(radiology.OpSave, "MAYBE"); err == nil {
		t.Error("unknown outcome accepted")
	}
}

func TestHL7Codes(t *testing.T) {
	if OrderControlNew.HL7Code() != "NW" || OrderControlChange.HL7Code() != "XO" || OrderControlCancel.HL7Code() != "CA" {
		t.Error("unexpected ORC-1 mapping")
	}
	if OrderControlCancel.OrderStatus() != hl7v2.OrderStatusCancelled || OrderControlNew.OrderStatus() != hl7v2.OrderStatusScheduled {
		t.Error("unexpected ORC-5 mapping")
	}
}

var fixedNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func testComposer() *Composer {
	return NewComposer(DefaultComposerConfig()).WithClock(
		func() time.Time { return fixedNow },
		func() string { return "ctl-1" },
	)
}

func completeOrder(t *testing.T) *radiology.Order {
	t.Helper()
	order := radiology.NewOrder("o-1")
	if err := order.AssignAccessionNumber("1001"); err != nil {
		t.Fatal(err)
	}
	order.Urgency = radiology.UrgencyStat
	order.DateActivated = time.Date(2026, 10, 19, 7, 45, 12, 0, time.UTC)
	order.ProcedureCode = "CTHEAD"
	order.ProcedureDescription = "CT head"
	order.Patient = &radiology.Patient{ID: "MRN-1", FamilyName: "Doe", GivenName: "Jane"}
	order.OrderingProvider = &radiology.Provider{ID: "P-1", FamilyName: "Grey"}

	study := radiology.NewStudy("s-1", radiology.ModalityCT)
	if err := study.SetInstanceUID("1.2.826.x"); err != nil {
		t.Fatal(err)
	}
	order.SetStudy(study)
	return order
}

func TestComposeStatSaveNeverAttempted(t *testing.T) {
	order := completeOrder(t)

	out, err := testComposer().Compose(order, radiology.OpSave, radiology.SyncNeverAttempted)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if out.OrderControl != OrderControlNew {
		t.Errorf("order control = %s, want NEW", out.OrderControl)
	}
	if out.PriorityCode != 'S' {
		t.Errorf("priority = %c, want S", out.PriorityCode)
	}

	msg, err := hl7v2.Parse(out.Order.Encode())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	orc := msg.Segment("ORC")
	if orc.GetField(1) != "NW" || orc.GetField(2) != "1001" {
		t.Errorf("ORC = %s|%s", orc.GetField(1), orc.GetField(2))
	}
	if got := orc.GetComponent(7, 6); got != "S" {
		t.Errorf("ORC-7.6 = %q", got)
	}
	if got := orc.GetComponent(7, 4); got != "20261019074512" {
		t.Errorf("ORC-7.4 = %q", got)
	}
	obr := msg.Segment("OBR")
	if obr.GetField(18) != "1001" || obr.GetField(24) != "CT" {
		t.Errorf("OBR-18/24 = %s/%s", obr.GetField(18), obr.GetField(24))
	}
	if got := msg.Segment("ZDS").GetComponent(1, 1); got != "1.2.826.x" {
		t.Errorf("ZDS-1 = %q", got)
	}
	if msg.ControlID != "ctl-1" || !msg.Timestamp.Equal(fixedNow) {
		t.Errorf("MSH = %s @ %v", msg.ControlID, msg.Timestamp)
	}
}

func TestComposePriorityFollowsUrgency(t *testing.T) {
	tests := []struct {
		urgency  radiology.Urgency
		priority radiology.Priority
		want     byte
	}{
		{radiology.UrgencyStat, radiology.PriorityUnset, 'S'},
		{radiology.UrgencyHigh, radiology.PriorityUnset, 'A'},
		{radiology.UrgencyRoutine, radiology.PriorityUnset, 'R'},
		{radiology.UrgencyStat, radiology.PriorityMedium, 'T'},
		{radiology.UrgencyRoutine, radiology.PriorityStat, 'S'},
	}
	for _, tt := range tests {
		order := completeOrder(t)
		order.Urgency = tt.urgency
		order.Priority = tt.priority
		out, err := testComposer().Compose(order, radiology.OpSave, radiology.SyncNeverAttempted)
		if err != nil {
			t.Fatalf("Compose() error: %v", err)
		}
		if out.PriorityCode != tt.want {
			t.Errorf("urgency %s priority %q: code = %c, want %c", tt.urgency, tt.priority, out.PriorityCode, tt.want)
		}
	}
}

func TestComposeUsesScheduledDate(t *testing.T) {
	order := completeOrder(t)
	when := time.Date(2026, 11, 2, 15, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	order.Urgency = radiology.UrgencyOnScheduledDate
	order.ScheduledDate = &when

	out, err := testComposer().Compose(order, radiology.OpSave, radiology.SyncLastSendSucceeded)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if out.OrderControl != OrderControlChange {
		t.Errorf("order control = %s, want CHANGE", out.OrderControl)
	}
	timing := out.Order.Order.Timing
	if timing.StartDate != "20261102" || timing.StartTime != "133000" {
		t.Errorf("timing = %s %s", timing.StartDate, timing.StartTime)
	}
}

func TestComposeIncompleteOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*radiology.Order) *radiology.Order
		field  string
	}{
		{"nil order", func(*radiology.Order) *radiology.Order { return nil }, "order"},
		{"no patient", func(o *radiology.Order) *radiology.Order { o.Patient = nil; return o }, "patient.id"},
		{"blank patient id", func(o *radiology.Order) *radiology.Order { o.Patient.ID = ""; return o }, "patient.id"},
		{"no study", func(o *radiology.Order) *radiology.Order { o.SetStudy(nil); return o }, "study"},
		{"no uid", func(o *radiology.Order) *radiology.Order {
			o.SetStudy(radiology.NewStudy("s-2", radiology.ModalityMR))
			return o
		}, "study.instance_uid"},
		{"no modality", func(o *radiology.Order) *radiology.Order { o.Study().Modality = ""; return o }, "study.modality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := tt.mutate(completeOrder(t))
			out, err := testComposer().Compose(order, radiology.OpSave, radiology.SyncNeverAttempted)
			if out != nil {
				t.Error("message built for incomplete order")
			}
			if !errors.Is(err, ErrIncompleteOrder) {
				t.Fatalf("expected ErrIncompleteOrder, got %v", err)
			}
			var ce *CompositionError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("field = %v, want %s", ce, tt.field)
			}
		})
	}
}
