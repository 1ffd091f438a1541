// Package mpps ingests Modality Performed Procedure Step objects reported by imaging devices.
// Every failure path is a logged no-op: a device message never aborts the caller.
package mpps

import (
	"context"
	"errors"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
)

// Outcome describes what an ingestion did
type Outcome string

const (
	OutcomeUpdated            Outcome = "updated"
	OutcomeNoCorrelationKey   Outcome = "no_correlation_key"
	OutcomeNoStatus           Outcome = "no_status"
	OutcomeUnknownStudy       Outcome = "unknown_study"
	OutcomeUnrecognizedStatus Outcome = "unrecognized_status"
	OutcomeUnchanged          Outcome = "unchanged"
	OutcomeTerminalRegression Outcome = "terminal_regression"
	OutcomeStale              Outcome = "stale"
	OutcomeStoreError         Outcome = "store_error"
	OutcomeUndecodable        Outcome = "undecodable"
)

// Report holds the attributes read from an MPPS object. Empty strings mean absent.
type Report struct {
	StudyInstanceUID string
	Status           string
	SOPInstanceUID   string
	AccessionNumber  string
}

// Parse extracts the performed status and the study instance uid nested in the
// scheduled step attributes sequence. It never fails.
func Parse(ds *dicom.Dataset) Report {
	var r Report
	if ds == nil {
		return r
	}
	r.Status = firstString(ds.Elements, tag.PerformedProcedureStepStatus)
	r.SOPInstanceUID = firstString(ds.Elements, tag.SOPInstanceUID)

	seq := find(ds.Elements, tag.ScheduledStepAttributesSequence)
	if seq == nil || seq.Value == nil || seq.Value.ValueType() != dicom.Sequences {
		return r
	}
	items, ok := seq.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return r
	}
	for _, item := range items {
		elems, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		if uid := firstString(elems, tag.StudyInstanceUID); uid != "" {
			r.StudyInstanceUID = uid
			r.AccessionNumber = firstString(elems, tag.AccessionNumber)
			break
		}
	}
	return r
}

func find(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, e := range elems {
		if e != nil && e.Tag == t {
			return e
		}
	}
	return nil
}

func firstString(elems []*dicom.Element, t tag.Tag) string {
	e := find(elems, t)
	if e == nil || e.Value == nil || e.Value.ValueType() != dicom.Strings {
		return ""
	}
	values, ok := e.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	// UI values may carry a trailing NUL pad
	return strings.TrimSpace(strings.TrimRight(values[0], "\x00"))
}

// Normalize maps device status text to a performed status.
// Anything containing "progress" is in progress; the terminal states must match exactly.
func Normalize(text string) (radiology.PerformedStatus, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(lower, "progress"):
		return radiology.PerformedStatusInProgress, true
	case lower == "discontinued":
		return radiology.PerformedStatusDiscontinued, true
	case lower == "completed":
		return radiology.PerformedStatusCompleted, true
	default:
		return radiology.PerformedStatusUnset, false
	}
}

// Ingester applies MPPS reports to stored studies
type Ingester struct {
	store   radiology.PerformedStatusStore
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewIngester creates an ingester. m may be nil.
func NewIngester(store radiology.PerformedStatusStore, m *metrics.Metrics, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:   store,
		logger:  logger,
		tracer:  otel.Tracer("mpps-ingester"),
		metrics: m,
	}
}

// IngestPayload decodes body according to contentType and ingests it
func (i *Ingester) IngestPayload(ctx context.Context, contentType string, body []byte) Outcome {
	ds, err := Decode(contentType, body)
	if err != nil {
		i.logger.Warn("mpps payload discarded",
			zap.String("content_type", contentType),
			zap.Int("bytes", len(body)),
			zap.Error(err))
		i.metrics.ObserveMPPS(string(OutcomeUndecodable))
		return OutcomeUndecodable
	}
	return i.Ingest(ctx, ds)
}

// Ingest parses ds and updates the matching study's performed status
func (i *Ingester) Ingest(ctx context.Context, ds *dicom.Dataset) Outcome {
	return i.Apply(ctx, Parse(ds))
}

// Apply updates the study named by r. Only a forward move away from a non-terminal
// status is persisted; everything else is logged and dropped.
func (i *Ingester) Apply(ctx context.Context, r Report) Outcome {
	ctx, span := i.tracer.Start(ctx, "mpps_ingest",
		trace.WithAttributes(
			attribute.String("study_instance_uid", r.StudyInstanceUID),
			attribute.String("mpps.status", r.Status),
		))
	defer span.End()

	outcome := i.apply(ctx, r)
	span.SetAttributes(attribute.String("mpps.outcome", string(outcome)))
	i.metrics.ObserveMPPS(string(outcome))
	return outcome
}

func (i *Ingester) apply(ctx context.Context, r Report) Outcome {
	log := i.logger.With(
		zap.String("study_instance_uid", r.StudyInstanceUID),
		zap.String("sop_instance_uid", r.SOPInstanceUID),
		zap.String("status_text", r.Status))

	if r.StudyInstanceUID == "" {
		log.Warn("mpps has no study instance uid in scheduled step attributes")
		return OutcomeNoCorrelationKey
	}
	if r.Status == "" {
		log.Warn("mpps has no performed procedure step status")
		return OutcomeNoStatus
	}
	next, ok := Normalize(r.Status)
	if !ok {
		log.Warn("mpps status not recognized")
		return OutcomeUnrecognizedStatus
	}

	study, err := i.store.FindByInstanceUID(ctx, r.StudyInstanceUID)
	if errors.Is(err, radiology.ErrStudyNotFound) {
		log.Info("mpps does not match any study")
		return OutcomeUnknownStudy
	}
	if err != nil {
		log.Error("study lookup failed", zap.Error(err))
		return OutcomeStoreError
	}

	from := study.PerformedStatus()
	changed, err := study.ApplyPerformedStatus(next)
	if errors.Is(err, radiology.ErrTerminalPerformedState) {
		log.Warn("mpps would move a terminal study backward",
			zap.String("study_id", study.ID),
			zap.String("current", string(from)),
			zap.String("reported", string(next)))
		return OutcomeTerminalRegression
	}
	if err != nil {
		log.Warn("mpps transition rejected", zap.String("study_id", study.ID), zap.Error(err))
		return OutcomeUnrecognizedStatus
	}
	if !changed {
		log.Debug("mpps status unchanged", zap.String("study_id", study.ID))
		return OutcomeUnchanged
	}

	updated, err := i.store.UpdatePerformedStatus(ctx, study, from, next)
	if err != nil {
		log.Error("performed status update failed", zap.String("study_id", study.ID), zap.Error(err))
		return OutcomeStoreError
	}
	if !updated {
		log.Warn("performed status changed concurrently, mpps dropped",
			zap.String("study_id", study.ID),
			zap.String("expected", string(from)))
		return OutcomeStale
	}

	log.Info("performed status updated",
		zap.String("study_id", study.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)))
	return OutcomeUpdated
}
