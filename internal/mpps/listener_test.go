package mpps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/infrastructure/memory"
	"github.com/radbridge/go-mwl/internal/infrastructure/redpanda"
	"github.com/radbridge/go-mwl/pkg/idempotency"
	"github.com/radbridge/go-mwl/pkg/workerpool"
)

// flakyStore fails lookups until healthy is set
type flakyStore struct {
	*memory.Store
	mu      sync.Mutex
	healthy bool
}

func (f *flakyStore) FindByInstanceUID(ctx context.Context, uid string) (*radiology.Study, error) {
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()
	if !healthy {
		return nil, errors.New("connection reset")
	}
	return f.Store.FindByInstanceUID(ctx, uid)
}

func registeredStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	study := radiology.NewStudy("study-1", radiology.ModalityCT)
	if err := study.SetInstanceUID(studyUID); err != nil {
		t.Fatal(err)
	}
	if err := store.Register(context.Background(), study); err != nil {
		t.Fatal(err)
	}
	return store
}

func record(t *testing.T, r Report, offset int64) *redpanda.ConsumedMessage {
	t.Helper()
	body, err := EncodeJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicMPPSInbound,
		Offset:    offset,
		Key:       []byte(r.StudyInstanceUID),
		Value:     body,
		Headers:   map[string]string{HeaderContentType: ContentTypeJSON},
		Timestamp: time.Now(),
	}
}

func performed(t *testing.T, store radiology.PerformedStatusStore) radiology.PerformedStatus {
	t.Helper()
	study, err := store.FindByInstanceUID(context.Background(), studyUID)
	if err != nil {
		t.Fatal(err)
	}
	return study.PerformedStatus()
}

func TestListenerSkipsRedelivery(t *testing.T) {
	store := registeredStore(t)
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewListener(NewIngester(store, nil, nil), inbox, nil, zap.New(core))

	inProgress := record(t, Report{StudyInstanceUID: studyUID, Status: "IN PROGRESS", SOPInstanceUID: "1.9"}, 1)
	if err := l.Handle(context.Background(), inProgress); err != nil {
		t.Fatal(err)
	}
	completed := record(t, Report{StudyInstanceUID: studyUID, Status: "COMPLETED", SOPInstanceUID: "1.9"}, 2)
	if err := l.Handle(context.Background(), completed); err != nil {
		t.Fatal(err)
	}
	if got := performed(t, store); got != radiology.PerformedStatusCompleted {
		t.Fatalf("performed = %s", got)
	}

	// the stale IN PROGRESS is redelivered after the rebalance; the inbox drops it
	if err := l.Handle(context.Background(), inProgress); err != nil {
		t.Fatal(err)
	}
	if n := len(store.Events()); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
	if logs.FilterMessage("mpps redelivery skipped").Len() != 1 {
		t.Errorf("redelivery not skipped: %v", logs.All())
	}
}

func TestListenerDiscardsUndecodableRecords(t *testing.T) {
	store := registeredStore(t)
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)
	l := NewListener(NewIngester(store, nil, nil), inbox, nil, nil)

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicMPPSInbound, Value: []byte("garbage")}
	if err := l.Handle(context.Background(), msg); err != nil {
		t.Errorf("Handle() = %v, want nil", err)
	}
}

func TestListenerRetriesStoreFailures(t *testing.T) {
	store := &flakyStore{Store: registeredStore(t)}
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)
	l := NewListener(NewIngester(store, nil, nil), inbox, nil, nil)
	msg := record(t, Report{StudyInstanceUID: studyUID, Status: "IN PROGRESS", SOPInstanceUID: "1.9"}, 1)

	if err := l.Handle(context.Background(), msg); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Handle() = %v", err)
	}
	store.mu.Lock()
	store.healthy = true
	store.mu.Unlock()
	if err := l.Handle(context.Background(), msg); err != nil {
		t.Fatalf("retry = %v", err)
	}
	if got := performed(t, store); got != radiology.PerformedStatusInProgress {
		t.Errorf("performed = %s", got)
	}
}

func TestRecordKey(t *testing.T) {
	msg := &redpanda.ConsumedMessage{Topic: "t", Partition: 1, Offset: 9}
	a := RecordKey(Report{SOPInstanceUID: "1.9", Status: "COMPLETED", StudyInstanceUID: studyUID}, msg)
	b := RecordKey(Report{SOPInstanceUID: "1.9", Status: "IN PROGRESS", StudyInstanceUID: studyUID}, msg)
	if a == b {
		t.Error("status not part of the key")
	}
	other := &redpanda.ConsumedMessage{Topic: "t", Partition: 1, Offset: 10}
	if RecordKey(Report{}, msg) == RecordKey(Report{}, other) {
		t.Error("records without sop uid share a key")
	}
}

func TestPoolDispatcherKeepsStudyOrder(t *testing.T) {
	pool, err := workerpool.New(workerpool.Config{Workers: 4, QueueSize: 8}, Work, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	defer pool.Stop()

	var mu sync.Mutex
	seen := map[string][]int64{}
	handle := func(_ context.Context, msg *redpanda.ConsumedMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen[string(msg.Key)] = append(seen[string(msg.Key)], msg.Offset)
		return nil
	}

	var msgs []*redpanda.ConsumedMessage
	for i := int64(0); i < 30; i++ {
		key := []string{"1.1", "1.2", "1.3"}[i%3]
		msgs = append(msgs, &redpanda.ConsumedMessage{Topic: "t", Offset: i, Key: []byte(key)})
	}
	PoolDispatcher(pool, nil)(context.Background(), msgs, handle)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for key, offsets := range seen {
		total += len(offsets)
		for i := 1; i < len(offsets); i++ {
			if offsets[i] < offsets[i-1] {
				t.Errorf("key %s out of order: %v", key, offsets)
			}
		}
	}
	if total != 30 {
		t.Errorf("handled %d records before dispatcher returned", total)
	}
}
