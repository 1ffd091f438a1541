package worklist

import (
	"fmt"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
)

// OrderControlCode tells the worklist whether an entry is new, changed, or cancelled
type OrderControlCode string

const (
	OrderControlNew    OrderControlCode = "NEW"
	OrderControlChange OrderControlCode = "CHANGE"
	OrderControlCancel OrderControlCode = "CANCEL"
)

// HL7Code returns the ORC-1 value for the code
func (c OrderControlCode) HL7Code() string {
	switch c {
	case OrderControlNew:
		return hl7v2.OrderControlNew
	case OrderControlChange:
		return hl7v2.OrderControlChange
	case OrderControlCancel:
		return hl7v2.OrderControlCancel
	default:
		return ""
	}
}

// OrderStatus returns the ORC-5 value that accompanies the code
func (c OrderControlCode) OrderStatus() string {
	if c == OrderControlCancel {
		return hl7v2.OrderStatusCancelled
	}
	return hl7v2.OrderStatusScheduled
}

// Resolve maps a lifecycle operation and the study's last sync outcome to an order control code.
// An entry is only changed when the previous send is known to have reached the worklist.
func Resolve(op radiology.LifecycleOp, outcome radiology.SyncOutcome) (OrderControlCode, error) {
	switch op {
	case radiology.OpSave:
		switch outcome {
		case radiology.SyncNeverAttempted, radiology.SyncLastSendFailed:
			return OrderControlNew, nil
		case radiology.SyncLastSendSucceeded:
			return OrderControlChange, nil
		}
	case radiology.OpVoid, radiology.OpDiscontinue:
		switch outcome {
		case radiology.SyncNeverAttempted, radiology.SyncLastSendFailed, radiology.SyncLastSendSucceeded:
			return OrderControlCancel, nil
		}
	case radiology.OpUnvoid, radiology.OpUndiscontinue:
		switch outcome {
		case radiology.SyncNeverAttempted, radiology.SyncLastSendFailed, radiology.SyncLastSendSucceeded:
			return OrderControlNew, nil
		}
	default:
		return "", fmt.Errorf("unknown lifecycle op %q", op)
	}
	return "", fmt.Errorf("unknown sync outcome %q", outcome)
}
