package mpps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/infrastructure/redpanda"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/pkg/idempotency"
	"github.com/radbridge/go-mwl/pkg/workerpool"
)

// ListenerHandler names the listener in inbox entries
const ListenerHandler = "mpps-listener"

// HeaderContentType carries the payload encoding on inbound records
const HeaderContentType = "content-type"

// ErrStoreUnavailable marks an ingestion that should be retried
var ErrStoreUnavailable = errors.New("mpps: study store unavailable")

// Listener ingests MPPS records from the inbound topic. The inbox absorbs
// redeliveries; a store failure is returned so the record is retried.
type Listener struct {
	ingester *Ingester
	inbox    *idempotency.Inbox
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewListener creates a listener. m may be nil.
func NewListener(ingester *Ingester, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ingester: ingester, inbox: inbox, metrics: m, logger: logger}
}

// RecordKey identifies an MPPS notification across redeliveries. Records without a
// SOP instance uid fall back to their log position.
func RecordKey(r Report, msg *redpanda.ConsumedMessage) string {
	if r.SOPInstanceUID != "" {
		return idempotency.Key(r.SOPInstanceUID, r.Status, r.StudyInstanceUID)
	}
	return idempotency.Key(msg.Topic, strconv.Itoa(int(msg.Partition)), strconv.FormatInt(msg.Offset, 10))
}

// Handle implements redpanda.MessageHandler
func (l *Listener) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	log := l.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))

	ds, err := Decode(msg.Headers[HeaderContentType], msg.Value)
	if err != nil {
		log.Warn("mpps record discarded", zap.Int("bytes", len(msg.Value)), zap.Error(err))
		l.metrics.ObserveMPPS(string(OutcomeUndecodable))
		return nil
	}
	report := Parse(ds)
	key := RecordKey(report, msg)

	res, err := l.inbox.Process(ctx, key, ListenerHandler, func(ctx context.Context) (json.RawMessage, error) {
		outcome := l.ingester.Apply(ctx, report)
		if outcome == OutcomeStoreError {
			return nil, ErrStoreUnavailable
		}
		return json.Marshal(map[string]Outcome{"outcome": outcome})
	})
	if errors.Is(err, idempotency.ErrPreviouslyFailed) {
		log.Debug("mpps record failed before, skipped", zap.String("key", key))
		return nil
	}
	if err != nil {
		return err
	}
	if res.Duplicate {
		log.Debug("mpps redelivery skipped", zap.String("key", key))
	}
	return nil
}

type job struct {
	msg    *redpanda.ConsumedMessage
	handle func(context.Context, *redpanda.ConsumedMessage) error
}

// Work is the worker pool function for records submitted by PoolDispatcher
func Work(ctx context.Context, task *workerpool.Task) error {
	j, ok := task.Payload.(*job)
	if !ok {
		return fmt.Errorf("unexpected task payload %T", task.Payload)
	}
	return j.handle(ctx, j.msg)
}

// PoolDispatcher spreads the records of one poll over pool, which must run Work.
// Records with the same key (the study instance uid, as published) stay in order.
// It returns once every record has finished or failed.
func PoolDispatcher(pool *workerpool.Pool, logger *zap.Logger) redpanda.Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msgs []*redpanda.ConsumedMessage, handle func(context.Context, *redpanda.ConsumedMessage) error) {
		var wg sync.WaitGroup
		for _, msg := range msgs {
			wg.Add(1)
			task := &workerpool.Task{
				ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
				Key:     dispatchKey(msg),
				Payload: &job{msg: msg, handle: handle},
				Done:    func(error) { wg.Done() },
			}
			if err := pool.Submit(ctx, task); err != nil {
				logger.Error("mpps record not dispatched", zap.String("task_id", task.ID), zap.Error(err))
				wg.Done()
			}
		}
		wg.Wait()
	}
}

func dispatchKey(msg *redpanda.ConsumedMessage) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return msg.Topic + "/" + strconv.Itoa(int(msg.Partition))
}
