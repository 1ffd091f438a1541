package radiology

import (
	"context"
	"errors"
)

// ErrStudyNotFound is returned when no study matches the lookup key
var ErrStudyNotFound = errors.New("study not found")

// SyncOutcomeStore persists the per-study worklist sync outcome
type SyncOutcomeStore interface {
	// Register stores the study if it is unknown. Stored performed status and sync
	// outcome of a known study are left untouched.
	Register(ctx context.Context, study *Study) error
	SyncOutcome(ctx context.Context, studyID string) (SyncOutcome, error)
	RecordSyncOutcome(ctx context.Context, study *Study, outcome SyncOutcome) error
}

// PerformedStatusStore looks up studies by instance uid and updates their performed status
type PerformedStatusStore interface {
	FindByInstanceUID(ctx context.Context, uid string) (*Study, error)
	// UpdatePerformedStatus sets the status only if the stored value still equals from
	// and is not terminal. It reports whether a row changed.
	UpdatePerformedStatus(ctx context.Context, study *Study, from, to PerformedStatus) (bool, error)
}

// StudyRepository is the full study persistence port
type StudyRepository interface {
	SyncOutcomeStore
	PerformedStatusStore
}
