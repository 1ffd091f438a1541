// Package integration drives the bridge end to end: HTTP order callbacks, a real MLLP
// exchange with a stand-in worklist, and MPPS updates, all over the in-memory store.
package integration

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/radbridge/go-mwl/internal/accession"
	"github.com/radbridge/go-mwl/internal/api/handlers"
	"github.com/radbridge/go-mwl/internal/api/middleware"
	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
	"github.com/radbridge/go-mwl/internal/infrastructure/memory"
	"github.com/radbridge/go-mwl/internal/mpps"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/internal/orchestrator"
	"github.com/radbridge/go-mwl/internal/worklist"
	"github.com/radbridge/go-mwl/pkg/circuitbreaker"
)

// worklistServer acknowledges every ORM with the current code
type worklistServer struct {
	mu       sync.Mutex
	code     string
	received []*hl7v2.Message
	port     int
}

func startWorklist(t *testing.T) *worklistServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &worklistServer{code: hl7v2.AckAccept, port: ln.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *worklistServer) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if payload, _, ok := hl7v2.Unframe(buf); ok {
			msg, perr := hl7v2.Parse(payload)
			if perr != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			code := s.code
			s.mu.Unlock()
			conn.Write(hl7v2.Frame(hl7v2.NewAck(msg, code, "", time.Now()).Bytes()))
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *worklistServer) setCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

func (s *worklistServer) last(t *testing.T) *hl7v2.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		t.Fatal("worklist received nothing")
	}
	return s.received[len(s.received)-1]
}

func newBridge(t *testing.T, mwl *worklistServer) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.SetSeed(accession.DefaultConfig().Key, "5000")
	m := metrics.New(prometheus.NewRegistry())

	orch := orchestrator.New(
		orchestrator.Config{Host: "127.0.0.1", Port: mwl.port, SendTimeout: 2 * time.Second},
		worklist.NewComposer(worklist.DefaultComposerConfig()),
		orchestrator.NewTracker(store, nil),
		hl7v2.NewClient(hl7v2.DefaultClientConfig(), nil),
		circuitbreaker.NewManager(circuitbreaker.DefaultConfig, nil),
		m, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{"ris-key": "ris"}))
		r.Mount("/orders", handlers.NewOrderHandler(accession.New(store, accession.DefaultConfig(), m, nil), orch,
			"1.2.826.0.1.3680043.8.498", nil).Routes())
		r.Mount("/mpps", handlers.NewMPPSHandler(mpps.NewIngester(store, m, nil), nil).Routes())
		r.Mount("/studies", handlers.NewStudyHandler(store).Routes())
	})
	return r, store
}

func post(t *testing.T, h http.Handler, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", "ris-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func lifecycle(t *testing.T, h http.Handler, op string, order *handlers.OrderPayload) handlers.EventResponse {
	t.Helper()
	body, err := json.Marshal(handlers.EventRequest{Op: op, Order: order})
	if err != nil {
		t.Fatal(err)
	}
	rec := post(t, h, "/api/v1/orders/events", "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s = %d %s", op, rec.Code, rec.Body.String())
	}
	var resp handlers.EventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestOrderLifecycleReachesWorklist(t *testing.T) {
	mwl := startWorklist(t)
	h, store := newBridge(t, mwl)

	order := &handlers.OrderPayload{
		ID:                   "ord-42",
		Priority:             "STAT",
		ProcedureCode:        "CTHEAD",
		ProcedureDescription: "CT head without contrast",
		Patient:              &handlers.PatientPayload{ID: "MRN-42", FamilyName: "O'Brien", GivenName: "Ann", BirthDate: "1975-06-01", Sex: "F"},
		Study:                &handlers.StudyPayload{ID: "study-42", Modality: "CT"},
	}

	saved := lifecycle(t, h, "SAVE", order)
	if saved.AccessionNumber != "5000" || !saved.Sent {
		t.Fatalf("save = %+v", saved)
	}
	msg := mwl.last(t)
	if got := msg.Segment("ORC").GetField(1); got != hl7v2.OrderControlNew {
		t.Errorf("ORC-1 = %s", got)
	}
	if got := msg.Segment("OBR").GetField(18); got != "5000" {
		t.Errorf("OBR-18 = %s", got)
	}
	if got := msg.Segment("ZDS").GetComponent(1, 1); got != saved.StudyInstanceUID {
		t.Errorf("ZDS-1 = %s, want %s", got, saved.StudyInstanceUID)
	}

	// the platform echoes the identifiers it was given back on later callbacks
	order.AccessionNumber = saved.AccessionNumber
	order.Study.InstanceUID = saved.StudyInstanceUID

	if resp := lifecycle(t, h, "SAVE", order); resp.OrderControl != string(worklist.OrderControlChange) {
		t.Errorf("second save = %+v", resp)
	}
	if got := mwl.last(t).Segment("ORC").GetField(1); got != hl7v2.OrderControlChange {
		t.Errorf("ORC-1 = %s", got)
	}

	report := mpps.Report{StudyInstanceUID: saved.StudyInstanceUID, Status: "COMPLETED", SOPInstanceUID: "1.2.3.42"}
	payload, err := mpps.EncodeJSON(report)
	if err != nil {
		t.Fatal(err)
	}
	if rec := post(t, h, "/api/v1/mpps", mpps.ContentTypeJSON, payload); rec.Code != http.StatusAccepted {
		t.Fatalf("mpps = %d", rec.Code)
	}
	study, err := store.FindByInstanceUID(t.Context(), saved.StudyInstanceUID)
	if err != nil {
		t.Fatal(err)
	}
	if study.PerformedStatus() != radiology.PerformedStatusCompleted {
		t.Errorf("performed = %s", study.PerformedStatus())
	}

	if resp := lifecycle(t, h, "DISCONTINUE", order); resp.OrderControl != string(worklist.OrderControlCancel) || !resp.Sent {
		t.Errorf("discontinue = %+v", resp)
	}
	if got := mwl.last(t).Segment("ORC").GetField(1); got != hl7v2.OrderControlCancel {
		t.Errorf("ORC-1 = %s", got)
	}
}

func TestRejectedOrderIsResentAsNew(t *testing.T) {
	mwl := startWorklist(t)
	h, _ := newBridge(t, mwl)
	order := &handlers.OrderPayload{
		ID:      "ord-7",
		Patient: &handlers.PatientPayload{ID: "MRN-7", FamilyName: "Roe"},
		Study:   &handlers.StudyPayload{ID: "study-7", Modality: "MR"},
	}

	mwl.setCode(hl7v2.AckReject)
	first := lifecycle(t, h, "SAVE", order)
	if first.Sent || first.SyncOutcome != string(radiology.SyncLastSendFailed) || first.WorklistError == "" {
		t.Fatalf("rejected save = %+v", first)
	}

	mwl.setCode(hl7v2.AckAccept)
	order.AccessionNumber = first.AccessionNumber
	order.Study.InstanceUID = first.StudyInstanceUID
	second := lifecycle(t, h, "SAVE", order)
	if !second.Sent || second.OrderControl != string(worklist.OrderControlNew) {
		t.Errorf("retry = %+v", second)
	}
	if second.AccessionNumber != first.AccessionNumber {
		t.Errorf("accession changed from %s to %s", first.AccessionNumber, second.AccessionNumber)
	}
}

func TestUnauthenticatedCallbackRejected(t *testing.T) {
	mwl := startWorklist(t)
	h, _ := newBridge(t, mwl)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/events", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}
