// Package memory provides an in-process implementation of the study and seed
// stores. It backs the bridge in STORE=memory mode and serves as the test double
// for the orchestrator and ingester. State is lost on restart, so accession numbers
// issued from it are only unique for the life of the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
)

type studyRecord struct {
	id              string
	instanceUID     string
	modality        radiology.Modality
	scheduledStatus radiology.ScheduledStatus
	performedStatus radiology.PerformedStatus
	syncOutcome     radiology.SyncOutcome
}

func (r *studyRecord) study() *radiology.Study {
	return radiology.RestoreStudy(r.id, r.instanceUID, r.modality, r.scheduledStatus, r.performedStatus, r.syncOutcome)
}

type seedRecord struct {
	value   string
	version int64
}

// Store is a mutex-guarded in-memory store
type Store struct {
	mu      sync.RWMutex
	studies map[string]*studyRecord
	byUID   map[string]string
	seeds   map[string]*seedRecord
	events  []*radiology.Event
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		studies: make(map[string]*studyRecord),
		byUID:   make(map[string]string),
		seeds:   make(map[string]*seedRecord),
	}
}

// Register implements radiology.SyncOutcomeStore
func (s *Store) Register(_ context.Context, study *radiology.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.studies[study.ID]
	if !ok {
		rec = &studyRecord{
			id:              study.ID,
			performedStatus: study.PerformedStatus(),
			syncOutcome:     study.SyncOutcome(),
		}
		s.studies[study.ID] = rec
	}
	rec.modality = study.Modality
	rec.scheduledStatus = study.ScheduledStatus
	if rec.instanceUID == "" && study.InstanceUID() != "" {
		rec.instanceUID = study.InstanceUID()
		s.byUID[rec.instanceUID] = rec.id
	}
	return nil
}

// SyncOutcome implements radiology.SyncOutcomeStore
func (s *Store) SyncOutcome(_ context.Context, studyID string) (radiology.SyncOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.studies[studyID]
	if !ok {
		return "", radiology.ErrStudyNotFound
	}
	return rec.syncOutcome, nil
}

// RecordSyncOutcome implements radiology.SyncOutcomeStore
func (s *Store) RecordSyncOutcome(_ context.Context, study *radiology.Study, outcome radiology.SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.studies[study.ID]
	if !ok {
		return radiology.ErrStudyNotFound
	}
	rec.syncOutcome = outcome

	event, err := radiology.NewEvent(study.ID, radiology.EventWorklistSyncRecorded, &radiology.WorklistSyncRecordedData{
		StudyID:          study.ID,
		StudyInstanceUID: rec.instanceUID,
		Outcome:          outcome,
		RecordedAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.events = append(s.events, event)
	return nil
}

// FindByInstanceUID implements radiology.PerformedStatusStore
func (s *Store) FindByInstanceUID(_ context.Context, uid string) (*radiology.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUID[uid]
	if !ok {
		return nil, radiology.ErrStudyNotFound
	}
	return s.studies[id].study(), nil
}

// UpdatePerformedStatus implements radiology.PerformedStatusStore
func (s *Store) UpdatePerformedStatus(_ context.Context, study *radiology.Study, from, to radiology.PerformedStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.studies[study.ID]
	if !ok {
		return false, radiology.ErrStudyNotFound
	}
	if rec.performedStatus != from || rec.performedStatus.IsTerminal() {
		return false, nil
	}
	rec.performedStatus = to

	event, err := radiology.NewEvent(study.ID, radiology.EventPerformedStatusChanged, &radiology.PerformedStatusChangedData{
		StudyID:          study.ID,
		StudyInstanceUID: rec.instanceUID,
		From:             from,
		To:               to,
		ChangedAt:        time.Now().UTC(),
	})
	if err != nil {
		return true, err
	}
	s.events = append(s.events, event)
	return true, nil
}

// Events returns a copy of the recorded domain events
func (s *Store) Events() []*radiology.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*radiology.Event, len(s.events))
	copy(out, s.events)
	return out
}

// SetSeed provisions or overwrites a seed entry
func (s *Store) SetSeed(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.seeds[key]; ok {
		rec.value = value
		rec.version++
		return
	}
	s.seeds[key] = &seedRecord{value: value}
}

// LoadSeed implements accession.SeedStore
func (s *Store) LoadSeed(_ context.Context, key string) (string, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.seeds[key]
	if !ok {
		return "", 0, false, nil
	}
	return rec.value, rec.version, true, nil
}

// SwapSeed implements accession.SeedStore
func (s *Store) SwapSeed(_ context.Context, key string, version int64, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.seeds[key]
	if !ok || rec.version != version {
		return false, nil
	}
	rec.value = value
	rec.version++
	return true, nil
}

// ProvisionSeed creates the seed entry unless one exists
func (s *Store) ProvisionSeed(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seeds[key]; ok {
		return false, nil
	}
	s.seeds[key] = &seedRecord{value: value}
	return true, nil
}
