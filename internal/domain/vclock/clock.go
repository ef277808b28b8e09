// Package vclock tracks causal position of actors editing shared content.
package vclock

import (
	"time"
)

// Ordering is the causal relationship between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

var orderingNames = map[Ordering]string{
	Equal:      "equal",
	Before:     "before",
	After:      "after",
	Concurrent: "concurrent",
}

func (o Ordering) String() string {
	if name, ok := orderingNames[o]; ok {
		return name
	}
	return "unknown"
}

// Clock maps actor IDs to logical counters.
type Clock struct {
	Counters  map[string]uint64 `json:"counters"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// New creates an empty clock bound to a session.
func New(sessionID string) Clock {
	return Clock{
		Counters:  make(map[string]uint64),
		SessionID: sessionID,
	}
}

// Increment returns a copy with the actor's counter advanced and the timestamp refreshed.
func (c Clock) Increment(actorID string) Clock {
	return c.IncrementAt(actorID, time.Now().UTC())
}

// IncrementAt is Increment with an explicit timestamp.
func (c Clock) IncrementAt(actorID string, at time.Time) Clock {
	result := c.Clone()
	result.Counters[actorID]++
	result.Timestamp = at
	return result
}

// Merge returns the entrywise maximum of both clocks.
func (c Clock) Merge(other Clock) Clock {
	result := c.Clone()
	for actor, count := range other.Counters {
		if count > result.Counters[actor] {
			result.Counters[actor] = count
		}
	}
	if other.Timestamp.After(result.Timestamp) {
		result.Timestamp = other.Timestamp
	}
	return result
}

// Get returns the counter for an actor, zero when unseen.
func (c Clock) Get(actorID string) uint64 {
	return c.Counters[actorID]
}

// Clone returns a deep copy.
func (c Clock) Clone() Clock {
	counters := make(map[string]uint64, len(c.Counters))
	for actor, count := range c.Counters {
		counters[actor] = count
	}
	return Clock{
		Counters:  counters,
		SessionID: c.SessionID,
		Timestamp: c.Timestamp,
	}
}

// IsZero reports whether no actor has ticked.
func (c Clock) IsZero() bool {
	for _, count := range c.Counters {
		if count > 0 {
			return false
		}
	}
	return true
}

// Compare orders a relative to b using the vector clock partial order.
// Missing entries count as zero.
func Compare(a, b Clock) Ordering {
	aLess, bLess := false, false
	for actor, count := range a.Counters {
		other := b.Counters[actor]
		if count < other {
			aLess = true
		} else if count > other {
			bLess = true
		}
	}
	for actor, other := range b.Counters {
		if _, seen := a.Counters[actor]; seen {
			continue
		}
		if other > 0 {
			aLess = true
		}
	}

	switch {
	case aLess && bLess:
		return Concurrent
	case aLess:
		return Before
	case bLess:
		return After
	default:
		return Equal
	}
}

// Concurrent reports whether neither clock happened before the other.
func (c Clock) Concurrent(other Clock) bool {
	return Compare(c, other) == Concurrent
}
