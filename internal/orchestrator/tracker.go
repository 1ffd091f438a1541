package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
)

// Tracker remembers, per study, whether the last worklist transmission succeeded
type Tracker struct {
	store  radiology.SyncOutcomeStore
	logger *zap.Logger
}

// NewTracker creates a tracker over store
func NewTracker(store radiology.SyncOutcomeStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// Ensure makes sure the study has a tracked outcome, NEVER_ATTEMPTED for a new study
func (t *Tracker) Ensure(ctx context.Context, study *radiology.Study) error {
	return t.store.Register(ctx, study)
}

// Read returns the study's last outcome. A study the store cannot answer for is
// treated as never attempted, so the next message announces it as new.
func (t *Tracker) Read(ctx context.Context, study *radiology.Study) radiology.SyncOutcome {
	outcome, err := t.store.SyncOutcome(ctx, study.ID)
	if err != nil {
		level := t.logger.Error
		if errors.Is(err, radiology.ErrStudyNotFound) {
			level = t.logger.Warn
		}
		level("sync outcome unavailable, assuming never attempted",
			zap.String("study_id", study.ID),
			zap.Error(err))
		return radiology.SyncNeverAttempted
	}
	return outcome
}

// Record stores the result of a transmission attempt on the study and in the store
func (t *Tracker) Record(ctx context.Context, study *radiology.Study, succeeded bool) error {
	study.RecordSendResult(succeeded)
	return t.store.RecordSyncOutcome(ctx, study, study.SyncOutcome())
}
