// Package sweeper auto-cancels called entries whose call window has expired.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"waitq/waiting-service/internal/metrics"
	"waitq/waiting-service/internal/models"
)

const (
	defaultBatchSize = 100
	sweepTimeout     = 20 * time.Second
)

var tracer = otel.Tracer("waitq/waiting-service/sweeper")

type ExpiredCallSource interface {
	ListExpiredCalls(ctx context.Context, now time.Time, limit int) ([]models.WaitingEntry, error)
}

type Canceller interface {
	AutoCancel(ctx context.Context, entry models.WaitingEntry) (bool, error)
}

type Options struct {
	BatchSize int
	Now       func() time.Time
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
}

type Sweeper struct {
	source    ExpiredCallSource
	canceller Canceller
	batchSize int
	now       func() time.Time
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
}

func New(source ExpiredCallSource, canceller Canceller, options Options) *Sweeper {
	s := &Sweeper{
		source:    source,
		canceller: canceller,
		batchSize: options.BatchSize,
		now:       options.Now,
		logger:    options.Logger,
		metrics:   options.Metrics,
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	return s
}

type Result struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Failed    int
}

// Sweep cancels every call that has expired by now, fetching batches until one comes
// back short. A failing entry is logged and counted; the rest of the sweep still runs.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	return s.sweep(ctx, s.batchSize)
}

func (s *Sweeper) sweep(ctx context.Context, limit int) (Result, error) {
	ctx, span := tracer.Start(ctx, "sweeper.sweep", trace.WithAttributes(attribute.Int("sweep.limit", limit)))
	defer span.End()

	now := s.now().UTC()
	seen := make(map[string]struct{})
	var result Result
	for ctx.Err() == nil {
		expired, err := s.source.ListExpiredCalls(ctx, now, limit)
		if err != nil {
			span.RecordError(err)
			if result.Scanned > 0 {
				s.metrics.ObserveSweep(result.Cancelled, result.Skipped, result.Failed)
			}
			return result, err
		}

		fresh := 0
		for _, entry := range expired {
			if ctx.Err() != nil {
				break
			}
			// Failed and skipped entries can be listed again by the next batch.
			if _, ok := seen[entry.ID]; ok {
				continue
			}
			seen[entry.ID] = struct{}{}
			fresh++
			result.Scanned++
			s.cancel(ctx, entry, &result)
		}
		if fresh == 0 || limit <= 0 || len(expired) < limit {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.cancelled", result.Cancelled),
		attribute.Int("sweep.failed", result.Failed),
	)
	s.metrics.ObserveSweep(result.Cancelled, result.Skipped, result.Failed)
	if result.Cancelled > 0 || result.Failed > 0 {
		s.logger.WithFields(logrus.Fields{
			"scanned":   result.Scanned,
			"cancelled": result.Cancelled,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
		}).Info("auto-cancel sweep finished")
	}
	return result, ctx.Err()
}

func (s *Sweeper) cancel(ctx context.Context, entry models.WaitingEntry, result *Result) {
	cancelled, err := s.canceller.AutoCancel(ctx, entry)
	switch {
	case err != nil:
		result.Failed++
		s.logger.WithFields(logrus.Fields{
			"store_id": entry.StoreID,
			"entry_id": entry.ID,
		}).WithError(err).Warn("auto-cancel failed")
	case cancelled:
		result.Cancelled++
	default:
		result.Skipped++
	}
}

// Start sweeps every interval until ctx is done.
func Start(ctx context.Context, interval time.Duration, s *Sweeper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if _, err := s.Sweep(runCtx); err != nil {
				s.logger.WithError(err).Error("auto-cancel sweep error")
			}
			cancel()
		}
	}
}
