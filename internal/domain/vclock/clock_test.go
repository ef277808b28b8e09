package vclock_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rpggio/accord/internal/domain/vclock"
	"github.com/stretchr/testify/require"
)

func TestClock_IncrementIsPure(t *testing.T) {
	base := vclock.New("s1")
	next := base.Increment("alice")

	require.Equal(t, uint64(0), base.Get("alice"))
	require.Equal(t, uint64(1), next.Get("alice"))
	require.False(t, next.Timestamp.IsZero())
	require.Equal(t, "s1", next.SessionID)
}

func TestClock_IncrementAtIsDeterministic(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := vclock.New("s1").IncrementAt("alice", at)
	b := vclock.New("s1").IncrementAt("alice", at)
	require.Equal(t, a, b)
}

func TestCompare_CausalChainIsBefore(t *testing.T) {
	e1 := vclock.New("s1").Increment("alice")
	e2 := e1.Increment("bob")

	require.Equal(t, vclock.Before, vclock.Compare(e1, e2))
	require.Equal(t, vclock.After, vclock.Compare(e2, e1))
}

func TestCompare_IndependentEventsAreConcurrent(t *testing.T) {
	root := vclock.New("s1").Increment("alice")
	left := root.Increment("alice")
	right := root.Increment("bob")

	require.Equal(t, vclock.Concurrent, vclock.Compare(left, right))
	require.True(t, left.Concurrent(right))
}

func TestCompare_Equal(t *testing.T) {
	a := vclock.New("s1").Increment("alice")
	b := a.Clone()
	require.Equal(t, vclock.Equal, vclock.Compare(a, b))
	require.Equal(t, vclock.Equal, vclock.Compare(vclock.New(""), vclock.Clock{}))
}

func TestCompare_MissingEntriesCountAsZero(t *testing.T) {
	a := vclock.Clock{Counters: map[string]uint64{"alice": 1, "bob": 0}}
	b := vclock.Clock{Counters: map[string]uint64{"alice": 1}}
	require.Equal(t, vclock.Equal, vclock.Compare(a, b))

	c := vclock.Clock{Counters: map[string]uint64{"alice": 1, "carol": 2}}
	require.Equal(t, vclock.Before, vclock.Compare(b, c))
}

func TestClock_MergeTakesMaximum(t *testing.T) {
	a := vclock.Clock{Counters: map[string]uint64{"alice": 3, "bob": 1}}
	b := vclock.Clock{Counters: map[string]uint64{"alice": 1, "carol": 2}}

	merged := a.Merge(b)
	require.Equal(t, uint64(3), merged.Get("alice"))
	require.Equal(t, uint64(1), merged.Get("bob"))
	require.Equal(t, uint64(2), merged.Get("carol"))
	require.Equal(t, vclock.After, vclock.Compare(merged, a))
	require.Equal(t, vclock.After, vclock.Compare(merged, b))
}

func TestClock_JSONRoundTripPreservesOrdering(t *testing.T) {
	a := vclock.New("s1").Increment("alice").Increment("bob")
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded vclock.Clock
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, vclock.Equal, vclock.Compare(a, decoded))
}

func TestOrdering_String(t *testing.T) {
	require.Equal(t, "concurrent", vclock.Concurrent.String())
	require.Equal(t, "unknown", vclock.Ordering(42).String())
}
