package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
)

// StudyStore implements radiology.StudyRepository on PostgreSQL
type StudyStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStudyStore creates a study store
func NewStudyStore(pool *pgxpool.Pool, logger *zap.Logger) *StudyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudyStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("study-store"),
	}
}

// Register inserts an unknown study. For a known study only the modality and
// scheduled status are refreshed, and an instance uid is filled in if still missing.
func (s *StudyStore) Register(ctx context.Context, study *radiology.Study) error {
	query := `
		INSERT INTO studies (id, instance_uid, modality, scheduled_status, performed_status, sync_outcome)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET modality = EXCLUDED.modality,
		    scheduled_status = EXCLUDED.scheduled_status,
		    instance_uid = COALESCE(studies.instance_uid, EXCLUDED.instance_uid),
		    updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		study.ID,
		study.InstanceUID(),
		string(study.Modality),
		string(study.ScheduledStatus),
		string(study.PerformedStatus()),
		string(study.SyncOutcome()),
	)
	if err != nil {
		return fmt.Errorf("register study %s: %w", study.ID, err)
	}
	return nil
}

// SyncOutcome returns the stored outcome of the study's last transmission
func (s *StudyStore) SyncOutcome(ctx context.Context, studyID string) (radiology.SyncOutcome, error) {
	var outcome string
	err := s.pool.QueryRow(ctx, "SELECT sync_outcome FROM studies WHERE id = $1", studyID).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", radiology.ErrStudyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read sync outcome: %w", err)
	}
	return radiology.SyncOutcome(outcome), nil
}

// RecordSyncOutcome stores the outcome and its WorklistSyncRecorded event atomically
func (s *StudyStore) RecordSyncOutcome(ctx context.Context, study *radiology.Study, outcome radiology.SyncOutcome) error {
	ctx, span := s.tracer.Start(ctx, "record_sync_outcome",
		trace.WithAttributes(
			attribute.String("study_id", study.ID),
			attribute.String("outcome", string(outcome)),
		))
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var uid *string
		err := tx.QueryRow(ctx, `
			UPDATE studies SET sync_outcome = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING instance_uid
		`, study.ID, string(outcome)).Scan(&uid)
		if errors.Is(err, pgx.ErrNoRows) {
			return radiology.ErrStudyNotFound
		}
		if err != nil {
			return err
		}

		data := &radiology.WorklistSyncRecordedData{
			StudyID:    study.ID,
			Outcome:    outcome,
			RecordedAt: time.Now().UTC(),
		}
		if uid != nil {
			data.StudyInstanceUID = *uid
		}
		return writeEvent(ctx, tx, study.ID, radiology.EventWorklistSyncRecorded, data)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, radiology.ErrStudyNotFound) {
			return err
		}
		return fmt.Errorf("record sync outcome for %s: %w", study.ID, err)
	}
	return nil
}

// FindByInstanceUID loads the study with the given instance uid
func (s *StudyStore) FindByInstanceUID(ctx context.Context, uid string) (*radiology.Study, error) {
	var (
		id, modality, scheduled, performed, outcome string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, modality, scheduled_status, performed_status, sync_outcome
		FROM studies WHERE instance_uid = $1
	`, uid).Scan(&id, &modality, &scheduled, &performed, &outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, radiology.ErrStudyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find study by uid: %w", err)
	}
	return radiology.RestoreStudy(id, uid,
		radiology.Modality(modality),
		radiology.ScheduledStatus(scheduled),
		radiology.PerformedStatus(performed),
		radiology.SyncOutcome(outcome)), nil
}

// UpdatePerformedStatus moves the stored status from -> to unless another writer
// got there first or the stored status is already terminal.
func (s *StudyStore) UpdatePerformedStatus(ctx context.Context, study *radiology.Study, from, to radiology.PerformedStatus) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "update_performed_status",
		trace.WithAttributes(
			attribute.String("study_id", study.ID),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	defer span.End()

	var changed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE studies SET performed_status = $3, updated_at = NOW()
			WHERE id = $1
			  AND performed_status = $2
			  AND performed_status NOT IN ('COMPLETED', 'DISCONTINUED')
		`, study.ID, string(from), string(to))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		changed = true
		return writeEvent(ctx, tx, study.ID, radiology.EventPerformedStatusChanged, &radiology.PerformedStatusChangedData{
			StudyID:          study.ID,
			StudyInstanceUID: study.InstanceUID(),
			From:             from,
			To:               to,
			ChangedAt:        time.Now().UTC(),
		})
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("update performed status for %s: %w", study.ID, err)
	}
	span.SetAttributes(attribute.Bool("changed", changed))
	return changed, nil
}

func writeEvent(ctx context.Context, tx pgx.Tx, studyID string, eventType radiology.EventType, data interface{}) error {
	event, err := radiology.NewEvent(studyID, eventType, data)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	entry, err := EntryFromEvent(event)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}
