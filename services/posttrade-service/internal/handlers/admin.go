// Package handlers serves the operator endpoints for the outbox dead letter queue and
// the event stream.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/eventstore"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/outbox"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type EventReader interface {
	GetEvents(ctx context.Context, aggregateID string, fromVersion int) (eventstore.ReadResult, error)
	ReadDeadLetters(ctx context.Context, limit int) ([]storage.ReadDeadLetter, error)
}

type DeadLetterQueue interface {
	ListDeadLettered(ctx context.Context, limit int) ([]storage.OutboxRecord, error)
	CountDeadLettered(ctx context.Context) (int64, error)
	Reprocess(ctx context.Context, id int64) error
}

type PendingLister interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]storage.OutboxRecord, error)
}

// Encoder renders a domain event as its latest contract.
type Encoder interface {
	Serialize(e domain.Event, targetVersion int) (serializer.Serialized, error)
}

type Handler struct {
	events  EventReader
	dlq     DeadLetterQueue
	pending PendingLister
	enc     Encoder
	log     *slog.Logger
}

func New(events EventReader, dlq DeadLetterQueue, pending PendingLister, enc Encoder, log *slog.Logger) *Handler {
	return &Handler{events: events, dlq: dlq, pending: pending, enc: enc, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/outbox/pending", h.ListPending)
	mux.HandleFunc("GET /admin/outbox/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("GET /admin/outbox/dead-letters/count", h.CountDeadLetters)
	mux.HandleFunc("POST /admin/outbox/dead-letters/{id}/reprocess", h.Reprocess)
	mux.HandleFunc("GET /admin/events/{aggregateId}", h.GetEvents)
	mux.HandleFunc("GET /admin/read-dead-letters", h.ListReadDeadLetters)
}

type outboxView struct {
	ID               int64      `json:"id"`
	EventID          string     `json:"event_id"`
	AggregateID      string     `json:"aggregate_id"`
	EventType        string     `json:"event_type"`
	Topic            string     `json:"topic"`
	PartitionKey     string     `json:"partition_key"`
	CreatedAt        time.Time  `json:"created_at"`
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	DeadLetteredAt   *time.Time `json:"dead_lettered_at,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
}

func outboxViews(recs []storage.OutboxRecord) []outboxView {
	out := make([]outboxView, 0, len(recs))
	for _, r := range recs {
		out = append(out, outboxView{
			ID:               r.ID,
			EventID:          r.EventID,
			AggregateID:      r.AggregateID,
			EventType:        r.EventType,
			Topic:            r.Topic,
			PartitionKey:     r.PartitionKey,
			CreatedAt:        r.CreatedAt,
			RetryCount:       r.RetryCount,
			LastRetryAt:      r.LastRetryAt,
			ErrorMessage:     r.ErrorMessage,
			DeadLetteredAt:   r.DeadLetteredAt,
			DeadLetterReason: r.DeadLetterReason,
		})
	}
	return out
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.pending.GetUnprocessedEvents(r.Context(), limit)
	if err != nil {
		h.internal(w, "list pending outbox rows failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": outboxViews(recs)})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.dlq.ListDeadLettered(r.Context(), limit)
	if err != nil {
		h.internal(w, "list dead letters failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": outboxViews(recs)})
}

func (h *Handler) CountDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.dlq.CountDeadLettered(r.Context())
	if err != nil {
		h.internal(w, "count dead letters failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	switch err := h.dlq.Reprocess(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, outbox.ErrNotDeadLettered):
		http.Error(w, "outbox row is not dead-lettered", http.StatusConflict)
	default:
		h.internal(w, "reprocess failed", err)
	}
}

type eventView struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	AggregateVersion int             `json:"aggregate_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	SchemaVersion    int             `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
}

type failureView struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	AggregateVersion int    `json:"aggregate_version"`
	Reason           string `json:"reason"`
	Error            string `json:"error"`
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	aggregateID := strings.TrimSpace(r.PathValue("aggregateId"))
	if aggregateID == "" {
		http.Error(w, "aggregateId is required", http.StatusBadRequest)
		return
	}
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = n
	}

	res, err := h.events.GetEvents(r.Context(), aggregateID, from)
	if err != nil {
		h.internal(w, "read events failed", err)
		return
	}

	events := make([]eventView, 0, len(res.Events))
	for _, e := range res.Events {
		s, err := h.enc.Serialize(e, 0)
		if err != nil {
			h.internal(w, "encode event failed", err)
			return
		}
		hdr := e.Header()
		events = append(events, eventView{
			EventID:          hdr.EventID,
			EventType:        s.EventType,
			AggregateVersion: hdr.AggregateVersion,
			OccurredAt:       hdr.OccurredAt,
			SchemaVersion:    s.SchemaVersion,
			Data:             json.RawMessage(s.Data),
		})
	}
	failures := make([]failureView, 0, len(res.Failures))
	for _, f := range res.Failures {
		fv := failureView{
			EventID:          f.EventID,
			EventType:        f.EventType,
			AggregateVersion: f.AggregateVersion,
			Reason:           f.Reason,
		}
		if f.Err != nil {
			fv.Error = f.Err.Error()
		}
		failures = append(failures, fv)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate_id": aggregateID,
		"events":       events,
		"failures":     failures,
	})
}

func (h *Handler) ListReadDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rows, err := h.events.ReadDeadLetters(r.Context(), limit)
	if err != nil {
		h.internal(w, "list read dead letters failed", err)
		return
	}
	type item struct {
		EventID          string    `json:"event_id"`
		AggregateID      string    `json:"aggregate_id"`
		AggregateVersion int       `json:"aggregate_version"`
		EventType        string    `json:"event_type"`
		Reason           string    `json:"reason"`
		ErrorMessage     string    `json:"error_message"`
		CreatedAt        time.Time `json:"created_at"`
	}
	items := make([]item, 0, len(rows))
	for _, d := range rows {
		items = append(items, item{
			EventID:          d.EventID,
			AggregateID:      d.AggregateID,
			AggregateVersion: d.AggregateVersion,
			EventType:        d.EventType,
			Reason:           d.Reason,
			ErrorMessage:     d.ErrorMessage,
			CreatedAt:        d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) internal(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxLimit), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
