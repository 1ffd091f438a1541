package radiology

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventWorklistSyncRecorded   EventType = "WorklistSyncRecorded"
	EventPerformedStatusChanged EventType = "PerformedStatusChanged"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new study event
func NewEvent(studyID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   studyID,
		AggregateType: "Study",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WorklistSyncRecordedData contains the result of one transmission attempt
type WorklistSyncRecordedData struct {
	StudyID          string      `json:"study_id"`
	StudyInstanceUID string      `json:"study_instance_uid,omitempty"`
	Outcome          SyncOutcome `json:"outcome"`
	RecordedAt       time.Time   `json:"recorded_at"`
}

// PerformedStatusChangedData contains a performed status transition applied from MPPS
type PerformedStatusChangedData struct {
	StudyID          string          `json:"study_id"`
	StudyInstanceUID string          `json:"study_instance_uid"`
	From             PerformedStatus `json:"from"`
	To               PerformedStatus `json:"to"`
	ChangedAt        time.Time       `json:"changed_at"`
}
