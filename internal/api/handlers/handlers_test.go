package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/radbridge/go-mwl/internal/accession"
	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
	"github.com/radbridge/go-mwl/internal/infrastructure/memory"
	"github.com/radbridge/go-mwl/internal/mpps"
	"github.com/radbridge/go-mwl/internal/orchestrator"
	"github.com/radbridge/go-mwl/internal/worklist"
	"github.com/radbridge/go-mwl/pkg/circuitbreaker"
)

const uidRoot = "1.2.826.0.1.3680043.8.498"

type fakeTransport struct {
	mu   sync.Mutex
	sent []*hl7v2.Message
	err  error
}

func (f *fakeTransport) Send(_ context.Context, msg *hl7v2.Message, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

type bridge struct {
	store     *memory.Store
	transport *fakeTransport
	router    chi.Router
}

func newBridge(t *testing.T, seed string) *bridge {
	t.Helper()
	store := memory.NewStore()
	if seed != "" {
		store.SetSeed(accession.DefaultConfig().Key, seed)
	}
	transport := &fakeTransport{}
	orch := orchestrator.New(orchestrator.DefaultConfig(), worklist.NewComposer(worklist.DefaultComposerConfig()),
		orchestrator.NewTracker(store, nil), transport, nil, nil, nil)
	gen := accession.New(store, accession.DefaultConfig(), nil, nil)

	r := chi.NewRouter()
	r.Mount("/orders", NewOrderHandler(gen, orch, uidRoot, nil).Routes())
	r.Mount("/mpps", NewMPPSHandler(mpps.NewIngester(store, nil, nil), nil).Routes())
	r.Mount("/studies", NewStudyHandler(store).Routes())
	return &bridge{store: store, transport: transport, router: r}
}

func (b *bridge) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	b.router.ServeHTTP(rec, req)
	return rec
}

func eventBody(t *testing.T, op string, order *OrderPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(EventRequest{Op: op, Order: order})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func orderPayload() *OrderPayload {
	return &OrderPayload{
		ID:       "ord-1",
		Priority: "ROUTINE",
		Patient:  &PatientPayload{ID: "MRN-1", FamilyName: "Doe", GivenName: "Jane", BirthDate: "1980-02-29", Sex: "F"},
		Study:    &StudyPayload{ID: "study-1", Modality: "CT"},
	}
}

func decodeEvent(t *testing.T, rec *httptest.ResponseRecorder) EventResponse {
	t.Helper()
	var resp EventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestSaveAssignsAccessionAndSendsNew(t *testing.T) {
	b := newBridge(t, "1000")

	rec := b.do(t, http.MethodPost, "/orders/events", "application/json", eventBody(t, "SAVE", orderPayload()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeEvent(t, rec)
	if resp.AccessionNumber != "1000" {
		t.Errorf("accession = %q", resp.AccessionNumber)
	}
	if !strings.HasPrefix(resp.StudyInstanceUID, uidRoot+".") {
		t.Errorf("study uid = %q", resp.StudyInstanceUID)
	}
	if !resp.Sent || resp.OrderControl != string(worklist.OrderControlNew) {
		t.Errorf("resp = %+v", resp)
	}
	if len(b.transport.sent) != 1 {
		t.Fatalf("sent %d messages", len(b.transport.sent))
	}
}

func TestWorklistFailureStillReturnsOK(t *testing.T) {
	b := newBridge(t, "1000")
	b.transport.err = errors.New("connection refused")

	rec := b.do(t, http.MethodPost, "/orders/events", "application/json", eventBody(t, "SAVE", orderPayload()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEvent(t, rec)
	if resp.Sent || resp.WorklistError == "" || resp.SyncOutcome != string(radiology.SyncLastSendFailed) {
		t.Errorf("resp = %+v", resp)
	}
	if resp.AccessionNumber == "" {
		t.Error("accession number not assigned")
	}
}

func TestSaveWithoutSeedIsUnavailable(t *testing.T) {
	b := newBridge(t, "")

	rec := b.do(t, http.MethodPost, "/orders/events", "application/json", eventBody(t, "SAVE", orderPayload()))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(b.transport.sent) != 0 {
		t.Error("message sent without accession number")
	}
}

func TestEventValidation(t *testing.T) {
	b := newBridge(t, "1000")

	noStudy := orderPayload()
	noStudy.Study = nil
	badModality := orderPayload()
	badModality.Study.Modality = "XX"
	badBirth := orderPayload()
	badBirth.Patient.BirthDate = "29/02/1980"
	badUrgency := orderPayload()
	badUrgency.Urgency = "SOMEDAY"

	tests := []struct {
		name string
		body []byte
	}{
		{"malformed json", []byte("{")},
		{"unknown op", eventBody(t, "PURGE", orderPayload())},
		{"missing order", eventBody(t, "SAVE", nil)},
		{"missing study", eventBody(t, "SAVE", noStudy)},
		{"bad modality", eventBody(t, "SAVE", badModality)},
		{"bad birth date", eventBody(t, "SAVE", badBirth)},
		{"bad urgency", eventBody(t, "SAVE", badUrgency)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := b.do(t, http.MethodPost, "/orders/events", "application/json", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToOrderKeepsSuppliedIdentifiers(t *testing.T) {
	p := orderPayload()
	p.AccessionNumber = "A-77"
	p.Study.InstanceUID = "1.2.3.4"
	activated := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	p.DateActivated = &activated

	order, err := ToOrder(p)
	if err != nil {
		t.Fatal(err)
	}
	if order.AccessionNumber() != "A-77" || order.Study().InstanceUID() != "1.2.3.4" {
		t.Errorf("order = %+v", order)
	}
	if order.DateActivated.Location() != time.UTC {
		t.Error("date activated not normalised to UTC")
	}
	if order.Patient.BirthDate.Year() != 1980 {
		t.Errorf("birth date = %v", order.Patient.BirthDate)
	}
}

func TestToOrderUrgencyAndScheduledDate(t *testing.T) {
	p := orderPayload()
	p.Urgency = "high"
	p.Priority = ""
	order, err := ToOrder(p)
	if err != nil {
		t.Fatalf("urgency HIGH rejected: %v", err)
	}
	if order.EffectivePriority() != radiology.PriorityHigh {
		t.Errorf("priority = %s", order.EffectivePriority())
	}

	p = orderPayload()
	p.Urgency = "ON_SCHEDULED_DATE"
	when := time.Date(2026, 11, 2, 15, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	p.ScheduledDate = &when
	order, err = ToOrder(p)
	if err != nil {
		t.Fatal(err)
	}
	if order.ScheduledDate.Location() != time.UTC || order.ScheduledDate.Hour() != 13 {
		t.Errorf("scheduled date = %v", order.ScheduledDate)
	}
}

func TestMPPSUpdatesStudyVisibleThroughStudies(t *testing.T) {
	b := newBridge(t, "1000")
	rec := b.do(t, http.MethodPost, "/orders/events", "application/json", eventBody(t, "SAVE", orderPayload()))
	uid := decodeEvent(t, rec).StudyInstanceUID

	body, err := mpps.EncodeJSON(mpps.Report{StudyInstanceUID: uid, Status: "IN PROGRESS", SOPInstanceUID: "1.9"})
	if err != nil {
		t.Fatal(err)
	}
	rec = b.do(t, http.MethodPost, "/mpps", mpps.ContentTypeJSON, body)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), string(mpps.OutcomeUpdated)) {
		t.Fatalf("mpps = %d %s", rec.Code, rec.Body.String())
	}

	rec = b.do(t, http.MethodGet, "/studies/"+uid, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("study = %d", rec.Code)
	}
	var study StudyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &study); err != nil {
		t.Fatal(err)
	}
	if study.PerformedStatus != string(radiology.PerformedStatusInProgress) || study.ID != "study-1" {
		t.Errorf("study = %+v", study)
	}
	if study.SyncOutcome != string(radiology.SyncLastSendSucceeded) {
		t.Errorf("sync outcome = %s", study.SyncOutcome)
	}
}

func TestMPPSRejectsOnlyUnreadableRequests(t *testing.T) {
	b := newBridge(t, "1000")

	if rec := b.do(t, http.MethodPost, "/mpps", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty body = %d", rec.Code)
	}
	huge := bytes.Repeat([]byte{'a'}, MaxMPPSBody+1)
	if rec := b.do(t, http.MethodPost, "/mpps", mpps.ContentTypePart10, huge); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("huge body = %d", rec.Code)
	}

	rec := b.do(t, http.MethodPost, "/mpps", mpps.ContentTypePart10, []byte("not dicom"))
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), string(mpps.OutcomeUndecodable)) {
		t.Errorf("garbage = %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownStudyIsNotFound(t *testing.T) {
	b := newBridge(t, "1000")
	if rec := b.do(t, http.MethodGet, "/studies/1.2.3", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig, nil)
	if _, err := breakers.For("worklist"); err != nil {
		t.Fatal(err)
	}

	healthy := NewHealthHandler("bridge-api", breakers, Probe{Name: "store", Check: func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	healthy.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "circuit_breakers") {
		t.Errorf("ready = %d %s", rec.Code, rec.Body.String())
	}

	failing := NewHealthHandler("bridge-api", nil, Probe{Name: "postgres", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rec = httptest.NewRecorder()
	failing.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("ready = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	failing.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}
