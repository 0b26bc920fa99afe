package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

var ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")

// DeadLetterManager parks outbox rows that exhausted their retries and returns them to
// the pending state on operator request.
type DeadLetterManager struct {
	repo storage.OutboxRepository
	log  *slog.Logger
	now  func() time.Time
}

func NewDeadLetterManager(repo storage.OutboxRepository, log *slog.Logger) *DeadLetterManager {
	return &DeadLetterManager{repo: repo, log: log, now: time.Now}
}

// MoveToDeadLetter parks the row. Moving a row that is already dead-lettered or was
// processed in the meantime is a no-op and reports false.
func (m *DeadLetterManager) MoveToDeadLetter(ctx context.Context, rec storage.OutboxRecord, retryCount int, reason string) (bool, error) {
	moved, err := m.repo.MoveToDeadLetter(ctx, rec.ID, retryCount, reason, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("dead-letter outbox %d: %w", rec.ID, err)
	}
	if moved {
		m.log.Error("outbox event dead-lettered",
			"outbox_id", rec.ID,
			"event_id", rec.EventID,
			"event_type", rec.EventType,
			"topic", rec.Topic,
			"retry_count", retryCount,
			"reason", reason,
		)
	}
	return moved, nil
}

// Reprocess resets a dead-lettered row to pending with no retry history.
func (m *DeadLetterManager) Reprocess(ctx context.Context, id int64) error {
	if _, err := m.repo.Get(ctx, id); err != nil {
		return err
	}
	ok, err := m.repo.ResetDeadLettered(ctx, id)
	if err != nil {
		return fmt.Errorf("reprocess outbox %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotDeadLettered, id)
	}
	m.log.Info("outbox event queued for reprocessing", "outbox_id", id)
	return nil
}

func (m *DeadLetterManager) ListDeadLettered(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	return m.repo.FetchDeadLettered(ctx, limit)
}

func (m *DeadLetterManager) CountDeadLettered(ctx context.Context) (int64, error) {
	return m.repo.CountDeadLettered(ctx)
}
