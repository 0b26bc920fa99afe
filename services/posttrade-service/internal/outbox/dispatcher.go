package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dangoth/posttrade-poc-sub000/libs/kafkax"
	otelx "github.com/dangoth/posttrade-poc-sub000/libs/otel"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

// Publisher is the transport. kafkax.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// EventMarker flags the source event row once its outbox row is delivered.
type EventMarker interface {
	MarkEventProcessed(ctx context.Context, eventID string) error
}

type DispatcherConfig struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
	BatchSize     int
	RetryDelay    time.Duration
	MaxRetryCount int
	Retry         RetryPolicy
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 3
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
}

// BatchResult counts what one dispatcher pass did.
type BatchResult struct {
	Fetched      int
	Published    int
	Failed       int
	DeadLettered int
}

type Dispatcher struct {
	repo   storage.OutboxRepository
	pub    Publisher
	dlq    *DeadLetterManager
	marker EventMarker
	retry  *RetryCoordinator
	log    *slog.Logger
	tracer trace.Tracer
	cfg    DispatcherConfig
	now    func() time.Time
}

// NewDispatcher wires the dispatcher. marker may be nil.
func NewDispatcher(repo storage.OutboxRepository, pub Publisher, dlq *DeadLetterManager, marker EventMarker, log *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		repo:   repo,
		pub:    pub,
		dlq:    dlq,
		marker: marker,
		retry:  NewRetryCoordinator(cfg.Retry),
		log:    log,
		tracer: otelx.Tracer(),
		cfg:    cfg,
		now:    time.Now,
	}
}

// RunPending drains pending rows every PollInterval until ctx is cancelled.
func (d *Dispatcher) RunPending(ctx context.Context) error {
	return d.loop(ctx, "pending", d.cfg.PollInterval, func(ctx context.Context) (BatchResult, error) {
		return d.ProcessPending(ctx, d.cfg.BatchSize)
	})
}

// RunRetrySweep retries failed rows every RetryInterval until ctx is cancelled.
func (d *Dispatcher) RunRetrySweep(ctx context.Context) error {
	return d.loop(ctx, "retry_sweep", d.cfg.RetryInterval, func(ctx context.Context) (BatchResult, error) {
		return d.RetrySweep(ctx, d.cfg.RetryDelay, d.cfg.MaxRetryCount)
	})
}

func (d *Dispatcher) loop(ctx context.Context, name string, every time.Duration, pass func(context.Context) (BatchResult, error)) error {
	d.log.Info("outbox loop started", "loop", name, "interval", every.String())
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox loop stopped", "loop", name)
			return nil
		case <-ticker.C:
			res, err := pass(ctx)
			if err != nil && ctx.Err() == nil {
				d.log.Error("outbox pass failed", "loop", name, "err", err)
				continue
			}
			if res.Fetched > 0 {
				d.log.Debug("outbox pass done", "loop", name,
					"fetched", res.Fetched, "published", res.Published,
					"failed", res.Failed, "dead_lettered", res.DeadLettered)
			}
		}
	}
}

// GetUnprocessedEvents returns rows neither processed nor dead-lettered, oldest first.
func (d *Dispatcher) GetUnprocessedEvents(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	return d.repo.FetchPending(ctx, limit)
}

func (d *Dispatcher) GetDeadLetteredEvents(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	return d.dlq.ListDeadLettered(ctx, limit)
}

// ProcessPending publishes up to batchSize pending rows with in-line retry. Rows whose
// retries are exhausted are dead-lettered. Cancellation is honoured between rows.
func (d *Dispatcher) ProcessPending(ctx context.Context, batchSize int) (BatchResult, error) {
	rows, err := d.repo.FetchPending(ctx, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch pending outbox: %w", err)
	}
	res := BatchResult{Fetched: len(rows)}
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		attempts, err := d.retry.Do(ctx, func(ctx context.Context) error {
			return d.publish(ctx, rec)
		}, func(attempt int, err error, next time.Duration) {
			d.log.Warn("outbox publish attempt failed",
				"outbox_id", rec.ID, "event_id", rec.EventID,
				"attempt", attempt, "retry_in", next.String(), "err", err)
		})
		if err == nil {
			if err := d.markProcessed(ctx, rec); err != nil {
				return res, err
			}
			res.Published++
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Failed++
		reason := fmt.Sprintf("Failed after retry attempts with exponential backoff. Last error: %s", err)
		moved, err := d.dlq.MoveToDeadLetter(context.WithoutCancel(ctx), rec, rec.RetryCount+attempts, reason)
		if err != nil {
			return res, err
		}
		if moved {
			res.DeadLettered++
		}
	}
	return res, nil
}

// RetrySweep gives failed rows one more publish each. A row reaching maxRetryCount is
// dead-lettered.
func (d *Dispatcher) RetrySweep(ctx context.Context, retryDelay time.Duration, maxRetryCount int) (BatchResult, error) {
	rows, err := d.repo.FetchRetryable(ctx, maxRetryCount, d.now().UTC().Add(-retryDelay), d.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch retryable outbox: %w", err)
	}
	res := BatchResult{Fetched: len(rows)}
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := d.publish(ctx, rec)
		if err == nil {
			if err := d.markProcessed(ctx, rec); err != nil {
				return res, err
			}
			res.Published++
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Failed++
		n := rec.RetryCount + 1
		wctx := context.WithoutCancel(ctx)
		if n >= maxRetryCount {
			reason := fmt.Sprintf("Exceeded max retry count (%d). Last error: %s", maxRetryCount, err)
			moved, err := d.dlq.MoveToDeadLetter(wctx, rec, n, reason)
			if err != nil {
				return res, err
			}
			if moved {
				res.DeadLettered++
			}
			continue
		}
		d.log.Warn("outbox retry failed", "outbox_id", rec.ID, "event_id", rec.EventID, "retry_count", n, "err", err)
		if err := d.repo.MarkFailed(wctx, rec.ID, n, err.Error(), d.now().UTC()); err != nil {
			return res, fmt.Errorf("mark outbox %d failed: %w", rec.ID, err)
		}
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, rec storage.OutboxRecord) error {
	ctx = otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	ctx, span := d.tracer.Start(ctx, "outbox.publish", trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.Int64("outbox.id", rec.ID),
		attribute.String("event.id", rec.EventID),
		attribute.String("messaging.destination.name", rec.Topic),
	))
	defer span.End()

	if err := d.pub.Publish(ctx, rec.Topic, []byte(rec.PartitionKey), rec.Data, Headers(rec)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// markProcessed runs detached from ctx so an acknowledged publish is always recorded.
func (d *Dispatcher) markProcessed(ctx context.Context, rec storage.OutboxRecord) error {
	wctx := context.WithoutCancel(ctx)
	if err := d.repo.MarkProcessed(wctx, rec.ID, d.now().UTC()); err != nil {
		return fmt.Errorf("mark outbox %d processed: %w", rec.ID, err)
	}
	if d.marker == nil {
		return nil
	}
	if err := d.marker.MarkEventProcessed(wctx, rec.EventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.log.Warn("could not flag event row processed", "event_id", rec.EventID, "err", err)
	}
	return nil
}

// Headers builds the event headers for an outbox row. The schema version is taken from
// the stored metadata when it parses.
func Headers(rec storage.OutboxRecord) map[string]string {
	h := map[string]string{
		kafkax.HeaderEventType:     rec.EventType,
		kafkax.HeaderEventID:       rec.EventID,
		kafkax.HeaderAggregateID:   rec.AggregateID,
		kafkax.HeaderAggregateType: rec.AggregateType,
		kafkax.HeaderMetadata:      string(rec.Metadata),
	}
	var meta serializer.Metadata
	if err := json.Unmarshal(rec.Metadata, &meta); err == nil && meta.SchemaVersion != "" {
		h[kafkax.HeaderSchemaVersion] = meta.SchemaVersion
	}
	return h
}
