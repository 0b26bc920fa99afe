package eventstore

import (
	"context"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

// ReadFailure is a stored row that could not be read. It has been recorded in the
// read-side dead letter table.
type ReadFailure struct {
	EventID          string
	AggregateVersion int
	EventType        string
	Reason           string
	Err              error
}

type ReadResult struct {
	Events   []domain.Event
	Failures []ReadFailure
}

// GetEvents returns the aggregate's events after fromVersion, ascending. Rows that
// cannot be read are dead-lettered and reported in Failures; the rest are returned.
func (s *Store) GetEvents(ctx context.Context, aggregateID string, fromVersion int) (ReadResult, error) {
	rows, err := s.repo.LoadEvents(ctx, aggregateID, fromVersion)
	if err != nil {
		return ReadResult{}, err
	}
	return s.readRows(ctx, rows)
}

// GetPartition replays one partition key in creation order.
func (s *Store) GetPartition(ctx context.Context, partitionKey string, after time.Time, limit int) (ReadResult, error) {
	rows, err := s.repo.LoadPartition(ctx, partitionKey, after, limit)
	if err != nil {
		return ReadResult{}, err
	}
	return s.readRows(ctx, rows)
}

func (s *Store) readRows(ctx context.Context, rows []storage.EventRecord) (ReadResult, error) {
	var out ReadResult
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return ReadResult{}, err
		}
		ev, err := s.serializer.Deserialize(ctx, serializer.Stored{
			EventID:   row.EventID,
			EventType: row.EventType,
			Data:      row.Data,
			Metadata:  row.Metadata,
			CreatedAt: row.CreatedAt,
		})
		if err == nil {
			out.Events = append(out.Events, ev)
			continue
		}
		f, err := s.deadLetter.Record(ctx, row, err)
		if err != nil {
			return ReadResult{}, err
		}
		out.Failures = append(out.Failures, f)
	}
	return out, nil
}
