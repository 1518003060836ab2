package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// AppendEvent persists an event. The publisher assigns sequences; a
// duplicate (execution_id, sequence) is ignored.
func (s *SQLStore) AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var stepIndex any
	if event.StepIndex != nil {
		stepIndex = *event.StepIndex
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO events (execution_id, sequence, event_type, step_index, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, sequence) DO NOTHING`,
		event.ExecutionID, event.Sequence, event.Type, stepIndex, nullRaw(event.Payload), event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *SQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT execution_id, sequence, event_type, step_index, payload, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.ExecutionEvent
	for rows.Next() {
		e := &schema.ExecutionEvent{}
		var (
			stepIndex sql.NullInt64
			payload   sql.NullString
		)
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &e.Type, &stepIndex, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			e.StepIndex = &idx
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastSequence returns the highest persisted sequence for an execution, or 0.
func (s *SQLStore) LastSequence(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := s.queryRow(ctx, s.db,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&seq)
	return seq, err
}
