// Package orchestrator keeps the modality worklist in step with order lifecycle events.
// A worklist failure is recorded against the study and never returned to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/internal/worklist"
	"github.com/radbridge/go-mwl/pkg/circuitbreaker"
)

var (
	// ErrNoOrder means the lifecycle event carried no order
	ErrNoOrder = errors.New("lifecycle event has no order")
	// ErrNoStudy means the lifecycle event carried an order without a study
	ErrNoStudy = errors.New("order has no study")
)

// Transport delivers a message to the worklist
type Transport interface {
	Send(ctx context.Context, msg *hl7v2.Message, host string, port int) error
}

// Config holds the worklist destination
type Config struct {
	Host        string
	Port        int
	SendTimeout time.Duration
}

// DefaultConfig returns the MLLP default port and a 10s send bound
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        2575,
		SendTimeout: 10 * time.Second,
	}
}

// Result reports what happened for one lifecycle event.
// Err is informational; the event itself always succeeds.
type Result struct {
	OrderControl worklist.OrderControlCode
	Outcome      radiology.SyncOutcome
	Sent         bool
	Err          error
	// RecordErr is set when the outcome could not be persisted; Outcome is then the stored one
	RecordErr error
}

// Orchestrator drives one worklist exchange per lifecycle event
type Orchestrator struct {
	config    Config
	composer  *worklist.Composer
	tracker   *Tracker
	transport Transport
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates an orchestrator. breakers and m may be nil.
func New(cfg Config, composer *worklist.Composer, tracker *Tracker, transport Transport,
	breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	return &Orchestrator{
		config:    cfg,
		composer:  composer,
		tracker:   tracker,
		transport: transport,
		breakers:  breakers,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("worklist-orchestrator"),
	}
}

// Destination returns host:port of the worklist
func (o *Orchestrator) Destination() string {
	return net.JoinHostPort(o.config.Host, strconv.Itoa(o.config.Port))
}

// Handle reads the study's sync outcome, composes and sends the message for op,
// and records whether the send succeeded. It never fails the caller.
func (o *Orchestrator) Handle(ctx context.Context, order *radiology.Order, op radiology.LifecycleOp) Result {
	if order == nil {
		o.logger.Error("worklist not updated", zap.String("op", string(op)), zap.Error(ErrNoOrder))
		return Result{Err: ErrNoOrder}
	}
	ctx, span := o.tracer.Start(ctx, "worklist_sync",
		trace.WithAttributes(
			attribute.String("lifecycle_op", string(op)),
			attribute.String("accession_number", order.AccessionNumber()),
		))
	defer span.End()

	log := o.logger.With(
		zap.String("order_id", order.ID),
		zap.String("accession_number", order.AccessionNumber()),
		zap.String("op", string(op)))

	study := order.Study()
	if study == nil {
		log.Error("worklist not updated", zap.Error(ErrNoStudy))
		span.RecordError(ErrNoStudy)
		return Result{Err: ErrNoStudy}
	}
	log = log.With(zap.String("study_id", study.ID), zap.String("study_instance_uid", study.InstanceUID()))
	span.SetAttributes(attribute.String("study_id", study.ID))

	// recording must survive a cancelled request
	recordCtx := context.WithoutCancel(ctx)

	if err := o.tracker.Ensure(recordCtx, study); err != nil {
		log.Error("study registration failed", zap.Error(err))
	}
	prior := o.tracker.Read(recordCtx, study)

	msg, err := o.composer.Compose(order, op, prior)
	if err != nil {
		// incomplete orders are saved without an announcement and retried as new on the next edit
		log.Warn("worklist message not composed", zap.String("prior_outcome", string(prior)), zap.Error(err))
		span.RecordError(err)
		return o.finish(recordCtx, log, span, study, "", false, err)
	}
	span.SetAttributes(attribute.String("order_control", string(msg.OrderControl)))

	start := time.Now()
	err = o.send(ctx, msg)
	o.metrics.ObserveSend(string(msg.OrderControl), err == nil, time.Since(start))
	if err != nil {
		log.Warn("worklist send failed",
			zap.String("order_control", string(msg.OrderControl)),
			zap.String("destination", o.Destination()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		span.RecordError(err)
		return o.finish(recordCtx, log, span, study, msg.OrderControl, false, err)
	}

	log.Info("worklist updated",
		zap.String("order_control", string(msg.OrderControl)),
		zap.String("prior_outcome", string(prior)))
	return o.finish(recordCtx, log, span, study, msg.OrderControl, true, nil)
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, span trace.Span, study *radiology.Study,
	control worklist.OrderControlCode, sent bool, cause error) Result {
	res := Result{OrderControl: control, Sent: sent, Err: cause}
	if err := o.tracker.Record(ctx, study, sent); err != nil {
		log.Error("sync outcome not persisted", zap.Bool("sent", sent), zap.Error(err))
		span.RecordError(err)
		res.RecordErr = err
		res.Outcome = o.tracker.Read(ctx, study)
	} else {
		res.Outcome = study.SyncOutcome()
	}
	if !sent {
		span.SetStatus(codes.Error, "worklist not updated")
	}
	return res
}

// send bounds the exchange with the configured timeout and the destination breaker.
// A transport that ignores its context is abandoned at the deadline.
func (o *Orchestrator) send(ctx context.Context, msg *worklist.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.SendTimeout)
	defer cancel()

	deliver := func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("worklist transport panicked: %v", r)
				}
			}()
			done <- o.transport.Send(ctx, msg.Order.Message(), o.config.Host, o.config.Port)
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("worklist send to %s: %w", o.Destination(), ctx.Err())
		}
	}

	if o.breakers == nil {
		return deliver(ctx)
	}
	cb, err := o.breakers.For("worklist:" + o.Destination())
	if err != nil {
		o.logger.Error("circuit breaker unavailable", zap.Error(err))
		return deliver(ctx)
	}
	return cb.Run(ctx, deliver)
}
