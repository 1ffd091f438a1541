// Package accession issues unique accession numbers from a durable, shared seed.
// Callers may live in different processes; the seed is advanced with a
// compare-and-swap against the backing store and never cached in memory.
package accession

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
)

var (
	// ErrConfigurationMissing means no seed has been provisioned for the key
	ErrConfigurationMissing = errors.New("accession seed is not configured")
	// ErrConfigurationInvalid means the stored seed is blank or not a non-negative integer
	ErrConfigurationInvalid = errors.New("accession seed is invalid")
	// ErrSeedConflict means another caller advanced the seed first
	ErrSeedConflict = errors.New("accession seed changed concurrently")
)

// SeedStore is a durable key-value entry with a version used for compare-and-swap
type SeedStore interface {
	// LoadSeed returns the raw stored value and its version. found is false if no entry exists.
	LoadSeed(ctx context.Context, key string) (value string, version int64, found bool, err error)
	// SwapSeed stores value only if the entry still has the given version.
	SwapSeed(ctx context.Context, key string, version int64, value string) (bool, error)
}

// Config holds generator configuration
type Config struct {
	// Key names the seed entry
	Key string
	// MaxAttempts bounds the CAS loop; 0 means until MaxElapsed
	MaxAttempts uint
	// MaxElapsed bounds the total time spent retrying
	MaxElapsed time.Duration
	// InitialBackoff is the first delay after a conflict
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration
}

// DefaultConfig returns defaults suitable for a handful of concurrent order-entry nodes
func DefaultConfig() Config {
	return Config{
		Key:            "radiology.accession_seed",
		MaxAttempts:    100,
		MaxElapsed:     10 * time.Second,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}

// Generator hands out accession numbers
type Generator struct {
	store   SeedStore
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// New creates a generator. m may be nil.
func New(store SeedStore, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultConfig().Key
	}
	return &Generator{
		store:   store,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("accession"),
		metrics: m,
	}
}

// Next returns the current seed value and advances the seed by one
func (g *Generator) Next(ctx context.Context) (int64, error) {
	ctx, span := g.tracer.Start(ctx, "accession_next",
		trace.WithAttributes(attribute.String("seed_key", g.config.Key)))
	defer span.End()

	conflicts := 0
	attempt := func() (int64, error) {
		raw, version, found, err := g.store.LoadSeed(ctx, g.config.Key)
		if err != nil {
			return 0, fmt.Errorf("load seed: %w", err)
		}
		if !found {
			return 0, backoff.Permanent(fmt.Errorf("%w: key %q", ErrConfigurationMissing, g.config.Key))
		}

		current, err := ParseSeed(raw)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("key %q: %w", g.config.Key, err))
		}

		swapped, err := g.store.SwapSeed(ctx, g.config.Key, version, strconv.FormatInt(current+1, 10))
		if err != nil {
			return 0, fmt.Errorf("swap seed: %w", err)
		}
		if !swapped {
			conflicts++
			return 0, ErrSeedConflict
		}
		return current, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.config.InitialBackoff
	expo.MaxInterval = g.config.MaxBackoff

	opts := []backoff.RetryOption{backoff.WithBackOff(expo)}
	if g.config.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(g.config.MaxAttempts))
	}
	if g.config.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(g.config.MaxElapsed))
	}

	n, err := backoff.Retry(ctx, attempt, opts...)
	span.SetAttributes(attribute.Int("conflicts", conflicts))
	if err != nil {
		span.RecordError(err)
		g.logger.Error("accession number not issued",
			zap.String("seed_key", g.config.Key),
			zap.Int("conflicts", conflicts),
			zap.Error(err))
		return 0, err
	}

	g.metrics.ObserveAccession(conflicts)
	if conflicts > 0 {
		g.logger.Debug("accession seed contended",
			zap.Int64("accession", n),
			zap.Int("conflicts", conflicts))
	}
	return n, nil
}

// AssignTo gives the order an accession number unless it already has one
func (g *Generator) AssignTo(ctx context.Context, order *radiology.Order) error {
	if order.AccessionNumber() != "" {
		return nil
	}
	n, err := g.Next(ctx)
	if err != nil {
		return err
	}
	return order.AssignAccessionNumber(strconv.FormatInt(n, 10))
}

// ParseSeed validates a stored seed value
func ParseSeed(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: value is blank", ErrConfigurationInvalid)
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrConfigurationInvalid, raw)
	}
	if n < 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d is out of range", ErrConfigurationInvalid, n)
	}
	return n, nil
}
