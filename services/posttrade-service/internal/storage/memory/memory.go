// Package memory is an in-process storage driver. It serialises all access behind one
// mutex and applies a transaction's writes only when its function returns nil.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

type Store struct {
	mu sync.Mutex

	events   []storage.EventRecord
	eventIdx map[string]int
	versions map[string]map[int]bool

	outbox []storage.OutboxRecord
	nextID int64

	idempotency map[string]storage.IdempotencyRecord
	readDLQ     []storage.ReadDeadLetter
}

var _ storage.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		eventIdx:    make(map[string]int),
		versions:    make(map[string]map[int]bool),
		idempotency: make(map[string]storage.IdempotencyRecord),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, idempotency: make(map[string]storage.IdempotencyRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, ev := range tx.events {
		s.eventIdx[ev.EventID] = len(s.events)
		s.events = append(s.events, ev)
		if s.versions[ev.AggregateID] == nil {
			s.versions[ev.AggregateID] = make(map[int]bool)
		}
		s.versions[ev.AggregateID][ev.AggregateVersion] = true
	}
	for _, ob := range tx.outbox {
		s.nextID++
		ob.ID = s.nextID
		s.outbox = append(s.outbox, ob)
	}
	for k, rec := range tx.idempotency {
		s.idempotency[k] = rec
	}
	return nil
}

type memTx struct {
	store       *Store
	events      []storage.EventRecord
	outbox      []storage.OutboxRecord
	idempotency map[string]storage.IdempotencyRecord
}

func (t *memTx) CurrentVersion(_ context.Context, aggregateID string) (int, error) {
	cur := 0
	for v := range t.store.versions[aggregateID] {
		cur = max(cur, v)
	}
	for _, ev := range t.events {
		if ev.AggregateID == aggregateID {
			cur = max(cur, ev.AggregateVersion)
		}
	}
	return cur, nil
}

func (t *memTx) ExistingEventIDs(_ context.Context, eventIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range eventIDs {
		if _, ok := t.store.eventIdx[id]; ok {
			out[id] = true
		}
		for _, ev := range t.events {
			if ev.EventID == id {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (t *memTx) InsertEvent(_ context.Context, rec storage.EventRecord) error {
	if _, ok := t.store.eventIdx[rec.EventID]; ok {
		return storage.ErrDuplicateEvent
	}
	if t.store.versions[rec.AggregateID][rec.AggregateVersion] {
		return storage.ErrDuplicateVersion
	}
	for _, ev := range t.events {
		switch {
		case ev.EventID == rec.EventID:
			return storage.ErrDuplicateEvent
		case ev.AggregateID == rec.AggregateID && ev.AggregateVersion == rec.AggregateVersion:
			return storage.ErrDuplicateVersion
		}
	}
	t.events = append(t.events, cloneEvent(rec))
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, rec storage.OutboxRecord) error {
	t.outbox = append(t.outbox, cloneOutbox(rec))
	return nil
}

func (t *memTx) InsertIdempotency(_ context.Context, rec storage.IdempotencyRecord) error {
	if cur, ok := t.store.idempotency[rec.Key]; ok && cur.ExpiresAt.After(rec.CreatedAt) {
		return storage.ErrIdempotencyKeyInUse
	}
	if _, ok := t.idempotency[rec.Key]; ok {
		return storage.ErrIdempotencyKeyInUse
	}
	rec.ResponseData = slices.Clone(rec.ResponseData)
	t.idempotency[rec.Key] = rec
	return nil
}

func (s *Store) LoadEvents(_ context.Context, aggregateID string, fromVersion int) ([]storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.EventRecord
	for _, ev := range s.events {
		if ev.AggregateID == aggregateID && ev.AggregateVersion > fromVersion {
			out = append(out, cloneEvent(ev))
		}
	}
	slices.SortFunc(out, func(a, b storage.EventRecord) int { return a.AggregateVersion - b.AggregateVersion })
	return out, nil
}

func (s *Store) LoadPartition(_ context.Context, partitionKey string, after time.Time, limit int) ([]storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.EventRecord
	for _, ev := range s.events {
		if ev.PartitionKey == partitionKey && ev.CreatedAt.After(after) {
			out = append(out, cloneEvent(ev))
		}
	}
	slices.SortStableFunc(out, func(a, b storage.EventRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.AggregateVersion - b.AggregateVersion
	})
	if limit = storage.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetIdempotency(_ context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[key]
	rec.ResponseData = slices.Clone(rec.ResponseData)
	return rec, ok, nil
}

func (s *Store) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.eventIdx[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	s.events[i].IsProcessed = true
	s.events[i].ProcessedAt = &at
	return nil
}

func (s *Store) InsertReadDeadLetter(_ context.Context, rec storage.ReadDeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dl := range s.readDLQ {
		if dl.EventID == rec.EventID {
			return nil
		}
	}
	rec.Metadata = slices.Clone(rec.Metadata)
	s.readDLQ = append(s.readDLQ, rec)
	return nil
}

func (s *Store) ListReadDeadLetters(_ context.Context, limit int) ([]storage.ReadDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.readDLQ)
	if limit = storage.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEvent(ev storage.EventRecord) storage.EventRecord {
	ev.Data = slices.Clone(ev.Data)
	ev.Metadata = slices.Clone(ev.Metadata)
	return ev
}
