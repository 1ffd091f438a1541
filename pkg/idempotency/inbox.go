// Package idempotency implements the inbox pattern: a message is handled at most
// once per idempotency key, and a crashed attempt becomes retryable after a timeout.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage means another handler claimed the key between lookup and start
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress means the key is being handled right now
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrNotFound is returned by Store.Get for an unknown key
	ErrNotFound = errors.New("inbox entry not found")
)

// Entry is one inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
}

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Start records key as STARTED. It fails with ErrDuplicateMessage unless the key is
	// new or RECOVERABLE.
	Start(ctx context.Context, key, handler string, expiresAt time.Time) error
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
}

// Config holds inbox configuration
type Config struct {
	// TTL is how long an entry is remembered
	TTL time.Duration
	// RecoveryTimeout after which a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox runs handlers at most once per key
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// ProcessResult reports how Process handled a key
type ProcessResult struct {
	// Duplicate is true when the stored result of an earlier run was returned
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc handles one message
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// PermanentError marks a handler failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the entry is marked FAILED instead of RECOVERABLE
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Process runs fn unless key was already handled
func (i *Inbox) Process(ctx context.Context, key, handler string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			i.logger.Warn("recovering abandoned inbox entry", zap.String("key", key))
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	if err := i.store.Start(ctx, key, handler, time.Now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		var permanent *PermanentError
		if errors.As(handlerErr, &permanent) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Mark(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Mark(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// Key derives a deterministic idempotency key from message identity fields
func Key(parts ...string) string {
	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
