// Package worklist turns radiology orders into outbound modality worklist messages.
package worklist

import "github.com/radbridge/go-mwl/internal/domain/radiology"

// Priority codes carried in ORC-7.6 / OBR-27.6
const (
	PriorityCodeStat    byte = 'S'
	PriorityCodeASAP    byte = 'A'
	PriorityCodeRoutine byte = 'R'
	PriorityCodeTiming  byte = 'T'
)

// MapPriority maps a requested procedure priority to its one-character wire code.
// LOW and unset both collapse onto the routine code.
func MapPriority(p radiology.Priority) byte {
	switch p {
	case radiology.PriorityStat:
		return PriorityCodeStat
	case radiology.PriorityHigh:
		return PriorityCodeASAP
	case radiology.PriorityRoutine:
		return PriorityCodeRoutine
	case radiology.PriorityMedium:
		return PriorityCodeTiming
	case radiology.PriorityLow:
		return PriorityCodeRoutine
	case radiology.PriorityUnset:
		return PriorityCodeRoutine
	default:
		return PriorityCodeRoutine
	}
}
