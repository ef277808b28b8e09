package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string]*Stream
	events    map[string][]DomainEvent
	snapshots map[string][]Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string]*Stream),
		events:    make(map[string][]DomainEvent),
		snapshots: make(map[string][]Snapshot),
	}
}

func (m *MemoryStore) Append(ctx context.Context, batch AppendBatch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[batch.StreamID]
	var actual int64
	if ok {
		actual = stream.Version
		if stream.Deleted {
			return 0, ErrStreamDeleted
		}
	}
	if actual != batch.ExpectedVersion {
		return 0, &ConcurrencyViolationError{StreamID: batch.StreamID, Expected: batch.ExpectedVersion, Actual: actual}
	}

	now := time.Now().UTC()
	if !ok {
		stream = &Stream{ID: batch.StreamID, Type: batch.StreamType, CreatedAt: now}
		m.streams[batch.StreamID] = stream
	}
	m.events[batch.StreamID] = append(m.events[batch.StreamID], batch.Events...)
	stream.Version += int64(len(batch.Events))
	stream.UpdatedAt = now
	if batch.Tombstone {
		stream.Deleted = true
	}
	return stream.Version, nil
}

func (m *MemoryStore) ReadRange(ctx context.Context, streamID string, from, to int64, limit int) ([]DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[streamID]
	var out []DomainEvent
	for _, ev := range all {
		if ev.SequenceNumber < from {
			continue
		}
		if to > 0 && ev.SequenceNumber > to {
			break
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetStream(ctx context.Context, streamID string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	copied := *stream
	return &copied, nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[snap.StreamID]; !ok {
		return ErrStreamNotFound
	}
	m.snapshots[snap.StreamID] = append(m.snapshots[snap.StreamID], snap)
	return nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, streamID string, atOrBefore *time.Time) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Snapshot
	for i := range m.snapshots[streamID] {
		snap := m.snapshots[streamID][i]
		if atOrBefore != nil && snap.Timestamp.After(*atOrBefore) {
			continue
		}
		if best == nil || snap.Version > best.Version {
			best = &snap
		}
	}
	if best == nil {
		return nil, ErrSnapshotNotFound
	}
	return best, nil
}
