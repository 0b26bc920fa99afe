package memory

import (
	"context"
	"slices"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

func (s *Store) FetchPending(_ context.Context, limit int) ([]storage.OutboxRecord, error) {
	return s.selectOutbox(limit, func(r storage.OutboxRecord) bool {
		return !r.IsProcessed && !r.IsDeadLettered
	}), nil
}

func (s *Store) FetchRetryable(_ context.Context, maxRetryCount int, retryBefore time.Time, limit int) ([]storage.OutboxRecord, error) {
	return s.selectOutbox(limit, func(r storage.OutboxRecord) bool {
		return !r.IsProcessed && !r.IsDeadLettered &&
			r.RetryCount < maxRetryCount &&
			(r.LastRetryAt == nil || !r.LastRetryAt.After(retryBefore))
	}), nil
}

func (s *Store) FetchDeadLettered(_ context.Context, limit int) ([]storage.OutboxRecord, error) {
	return s.selectOutbox(limit, func(r storage.OutboxRecord) bool { return r.IsDeadLettered }), nil
}

func (s *Store) CountDeadLettered(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.outbox {
		if r.IsDeadLettered {
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(_ context.Context, id int64) (storage.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxRow(id)
	if r == nil {
		return storage.OutboxRecord{}, storage.ErrNotFound
	}
	return cloneOutbox(*r), nil
}

func (s *Store) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxRow(id)
	if r == nil {
		return storage.ErrNotFound
	}
	if r.IsDeadLettered {
		return nil
	}
	r.IsProcessed = true
	r.ProcessedAt = &at
	r.ErrorMessage = ""
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, retryCount int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxRow(id)
	if r == nil {
		return storage.ErrNotFound
	}
	if r.IsProcessed || r.IsDeadLettered {
		return nil
	}
	r.RetryCount = retryCount
	r.ErrorMessage = errMsg
	r.LastRetryAt = &at
	return nil
}

func (s *Store) MoveToDeadLetter(_ context.Context, id int64, retryCount int, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxRow(id)
	if r == nil {
		return false, storage.ErrNotFound
	}
	if r.IsProcessed || r.IsDeadLettered {
		return false, nil
	}
	r.IsDeadLettered = true
	r.DeadLetteredAt = &at
	r.DeadLetterReason = reason
	r.ErrorMessage = reason
	r.RetryCount = retryCount
	r.LastRetryAt = &at
	return true, nil
}

func (s *Store) ResetDeadLettered(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.outboxRow(id)
	if r == nil {
		return false, storage.ErrNotFound
	}
	if !r.IsDeadLettered {
		return false, nil
	}
	r.IsDeadLettered = false
	r.DeadLetteredAt = nil
	r.DeadLetterReason = ""
	r.IsProcessed = false
	r.ProcessedAt = nil
	r.RetryCount = 0
	r.LastRetryAt = nil
	r.ErrorMessage = ""
	return true, nil
}

func (s *Store) outboxRow(id int64) *storage.OutboxRecord {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

// selectOutbox returns matches in id order, which is insertion order.
func (s *Store) selectOutbox(limit int, match func(storage.OutboxRecord) bool) []storage.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = storage.Limit(limit)
	var out []storage.OutboxRecord
	for _, r := range s.outbox {
		if !match(r) {
			continue
		}
		out = append(out, cloneOutbox(r))
		if len(out) == limit {
			break
		}
	}
	return out
}

func cloneOutbox(r storage.OutboxRecord) storage.OutboxRecord {
	r.Data = slices.Clone(r.Data)
	r.Metadata = slices.Clone(r.Metadata)
	return r
}
