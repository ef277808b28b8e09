package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/accord/internal/domain/eventlog"
)

// EventStore implements eventlog.Store for SQLite.
type EventStore struct {
	db  *DB
	now func() time.Time
}

var _ eventlog.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db, now: time.Now}
}

// Append writes the batch in one transaction if the stream is still at the
// expected version.
func (s *EventStore) Append(ctx context.Context, batch eventlog.AppendBatch) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		actual  int64
		deleted bool
		exists  = true
	)
	err = tx.QueryRowContext(ctx, `SELECT version, deleted FROM streams WHERE id = ?`, batch.StreamID).Scan(&actual, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return 0, fmt.Errorf("failed to read stream: %w", err)
	}
	if deleted {
		return 0, eventlog.ErrStreamDeleted
	}
	if actual != batch.ExpectedVersion {
		return 0, &eventlog.ConcurrencyViolationError{StreamID: batch.StreamID, Expected: batch.ExpectedVersion, Actual: actual}
	}

	now := toNanos(s.now())
	newVersion := actual + int64(len(batch.Events))
	if !exists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO streams (id, type, version, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, batch.StreamID, batch.StreamType, newVersion, batch.Tombstone, now, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE streams SET version = ?, deleted = ?, updated_at = ?
			WHERE id = ?
		`, newVersion, batch.Tombstone, now, batch.StreamID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write stream: %w", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			stream_id, seq, id, event_type, event_version, data, metadata,
			ts, correlation_id, causation_id, tenant_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer insert.Close()

	for _, ev := range batch.Events {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata: %w", err)
		}
		_, err = insert.ExecContext(ctx,
			batch.StreamID,
			ev.SequenceNumber,
			ev.ID,
			ev.EventType,
			ev.EventVersion,
			string(ev.Data),
			string(meta),
			toNanos(ev.Timestamp),
			nullString(ev.CorrelationID),
			nullPtr(ev.CausationID),
			nullPtr(ev.TenantID),
		)
		if isUniqueViolation(err) && strings.Contains(err.Error(), "events.id") {
			return 0, fmt.Errorf("%w: duplicate event id %s", eventlog.ErrInvalidEvent, ev.ID)
		}
		if isUniqueViolation(err) {
			return 0, &eventlog.ConcurrencyViolationError{StreamID: batch.StreamID, Expected: batch.ExpectedVersion, Actual: ev.SequenceNumber}
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newVersion, nil
}

// ReadRange returns events with from <= seq, bounded by to when positive.
func (s *EventStore) ReadRange(ctx context.Context, streamID string, from, to int64, limit int) ([]eventlog.DomainEvent, error) {
	query := `
		SELECT stream_id, seq, id, event_type, event_version, data, metadata,
		       ts, correlation_id, causation_id, tenant_id
		FROM events
		WHERE stream_id = ? AND seq >= ?
	`
	args := []any{streamID, from}
	if to > 0 {
		query += " AND seq <= ?"
		args = append(args, to)
	}
	query += " ORDER BY seq"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []eventlog.DomainEvent
	for rows.Next() {
		var (
			ev          eventlog.DomainEvent
			data, meta  string
			ts          int64
			correlation sql.NullString
			causation   sql.NullString
			tenant      sql.NullString
		)
		if err := rows.Scan(
			&ev.StreamID,
			&ev.SequenceNumber,
			&ev.ID,
			&ev.EventType,
			&ev.EventVersion,
			&data,
			&meta,
			&ts,
			&correlation,
			&causation,
			&tenant,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", ev.ID, err)
		}
		ev.Data = json.RawMessage(data)
		ev.Timestamp = fromNanos(ts)
		ev.CorrelationID = correlation.String
		if causation.Valid {
			ev.CausationID = &causation.String
		}
		if tenant.Valid {
			ev.TenantID = &tenant.String
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// GetStream returns stream metadata or eventlog.ErrStreamNotFound.
func (s *EventStore) GetStream(ctx context.Context, streamID string) (*eventlog.Stream, error) {
	var (
		stream           eventlog.Stream
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, version, deleted, created_at, updated_at
		FROM streams
		WHERE id = ?
	`, streamID).Scan(
		&stream.ID,
		&stream.Type,
		&stream.Version,
		&stream.Deleted,
		&created,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	stream.CreatedAt = fromNanos(created)
	stream.UpdatedAt = fromNanos(updated)
	return &stream, nil
}

// ListStreams returns the ids of streams of one type, oldest first.
func (s *EventStore) ListStreams(ctx context.Context, streamType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM streams WHERE type = ? ORDER BY created_at, id
	`, streamType)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating streams: %w", err)
	}
	return ids, nil
}

// SaveSnapshot stores a snapshot, replacing one at the same version.
func (s *EventStore) SaveSnapshot(ctx context.Context, snap eventlog.Snapshot) error {
	created := snap.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (stream_id, version, state, ts, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.StreamID, snap.Version, string(snap.State), toNanos(snap.Timestamp), toNanos(created))
	if isForeignKeyViolation(err) {
		return eventlog.ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-version snapshot taken at or before atOrBefore.
func (s *EventStore) LatestSnapshot(ctx context.Context, streamID string, atOrBefore *time.Time) (*eventlog.Snapshot, error) {
	query := `
		SELECT stream_id, version, state, ts, created_at
		FROM snapshots
		WHERE stream_id = ?
	`
	args := []any{streamID}
	if atOrBefore != nil {
		query += " AND ts <= ?"
		args = append(args, toNanos(*atOrBefore))
	}
	query += " ORDER BY version DESC LIMIT 1"

	var (
		snap        eventlog.Snapshot
		state       string
		ts, created int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.StreamID, &snap.Version, &state, &ts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	snap.Timestamp = fromNanos(ts)
	snap.CreatedAt = fromNanos(created)
	return &snap, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
