package postgres

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/infrastructure/redpanda"
)

func TestEntryFromEvent(t *testing.T) {
	event, err := radiology.NewEvent("study-1", radiology.EventPerformedStatusChanged, &radiology.PerformedStatusChangedData{
		StudyID:          "study-1",
		StudyInstanceUID: "1.2.826.0.1",
		From:             radiology.PerformedStatusInProgress,
		To:               radiology.PerformedStatusCompleted,
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := EntryFromEvent(event)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Topic != redpanda.TopicMPPSStatusEvents {
		t.Errorf("topic = %s", entry.Topic)
	}
	if entry.Key != "study-1" || entry.AggregateType != "Study" {
		t.Errorf("entry = %+v", entry)
	}

	var decoded radiology.Event
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	var data radiology.PerformedStatusChangedData
	if err := json.Unmarshal(decoded.EventData, &data); err != nil {
		t.Fatal(err)
	}
	if data.To != radiology.PerformedStatusCompleted {
		t.Errorf("payload to = %s", data.To)
	}
}

func TestEntryFromUnknownEvent(t *testing.T) {
	event, _ := radiology.NewEvent("study-1", "StudyArchived", struct{}{})
	if _, err := EntryFromEvent(event); err == nil {
		t.Error("expected error for unrouted event")
	}
}

func TestDeadLetterPayload(t *testing.T) {
	lastErr := "broker unavailable"
	entry := &Entry{
		ID:          7,
		AggregateID: "study-9",
		EventType:   string(radiology.EventWorklistSyncRecorded),
		Payload:     json.RawMessage(`{"id":"e1"}`),
		Topic:       redpanda.TopicWorklistSyncEvents,
		CreatedAt:   time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC),
		RetryCount:  5,
		LastError:   &lastErr,
	}
	raw, err := deadLetterPayload(entry)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["original_topic"] != redpanda.TopicWorklistSyncEvents || got["last_error"] != lastErr {
		t.Errorf("dead letter = %s", raw)
	}
	if payload, ok := got["payload"].(map[string]interface{}); !ok || payload["id"] != "e1" {
		t.Errorf("payload not embedded as json: %s", raw)
	}
}

func TestSchemaCreatesTables(t *testing.T) {
	for _, table := range []string{"studies", "accession_seeds", "outbox"} {
		if !strings.Contains(Schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing %s", table)
		}
	}
}

func TestDefaultRelayConfig(t *testing.T) {
	relay := NewRelay(nil, nil, RelayConfig{}, nil, nil)
	if relay.config.BatchSize != 100 || relay.config.PollInterval != 100*time.Millisecond {
		t.Errorf("config = %+v", relay.config)
	}
	relay.Stop()
}
