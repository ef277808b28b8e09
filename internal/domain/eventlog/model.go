package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TombstoneEventType marks a stream as deleted. History stays readable.
const TombstoneEventType = "stream_tombstoned"

// Metadata describes who produced an event and from where.
type Metadata struct {
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Source      string `json:"source,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Version     string `json:"version,omitempty"`
}

// DomainEvent is one immutable fact appended to a stream.
type DomainEvent struct {
	ID             string          `json:"id"`
	StreamID       string          `json:"stream_id"`
	EventType      string          `json:"event_type"`
	EventVersion   int             `json:"event_version"`
	Data           json.RawMessage `json:"data"`
	Metadata       Metadata        `json:"metadata"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber int64           `json:"sequence_number"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    *string         `json:"causation_id,omitempty"`
	TenantID       *string         `json:"tenant_id,omitempty"`
}

// NewEvent builds an unsequenced event with data encoded as JSON.
func NewEvent(eventType string, data any, meta Metadata) (DomainEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("%w: encoding %s: %v", ErrInvalidEvent, eventType, err)
	}
	return DomainEvent{
		EventType:    eventType,
		EventVersion: 1,
		Data:         raw,
		Metadata:     meta,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e DomainEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s event %s: %w", e.EventType, e.ID, err)
	}
	return nil
}

// Stream is the ordered history of one aggregate.
type Stream struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is serialized aggregate state covering events 1..Version.
// Timestamp is the timestamp of event Version.
type Snapshot struct {
	StreamID  string          `json:"stream_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendBatch is what the service hands to a Store after validation and
// sequencing.
type AppendBatch struct {
	StreamID        string
	StreamType      string
	ExpectedVersion int64
	Events          []DomainEvent
	Tombstone       bool
}

// ReadOptions bounds a read. Zero values mean the start and end of the stream.
type ReadOptions struct {
	From int64
	To   int64
}

// StreamTypeOf derives the stream type from ids shaped "<type>-<id>".
func StreamTypeOf(streamID string) string {
	if i := strings.IndexByte(streamID, '-'); i > 0 {
		return streamID[:i]
	}
	return streamID
}
