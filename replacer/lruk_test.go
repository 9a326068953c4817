package replacer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvict_PrefersInfiniteDistance(t *testing.T) {
	r := New(4, 2)

	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// frame 2 has only one access (infinite k-distance), frame 1 has two
	// (finite distance) — the infinite one must be evicted first.
	victim, err := r.Evict()
	require.NoError(t, err)
	assert.Equal(t, FrameID(2), victim)
}

func TestEvict_InfiniteTiesBreakByEarliestAccess(t *testing.T) {
	r := New(4, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	victim, err := r.Evict()
	require.NoError(t, err)
	assert.Equal(t, FrameID(1), victim)
}

func TestEvict_FiniteDistancePicksLargestGap(t *testing.T) {
	r := New(4, 2)

	r.RecordAccess(1) // t=1
	r.RecordAccess(1) // t=2
	r.RecordAccess(2) // t=3
	r.RecordAccess(2) // t=4

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// frame 1's k-distance is now-1=3, frame 2's is now-3=1: frame 1 is
	// evicted first.
	victim, err := r.Evict()
	require.NoError(t, err)
	assert.Equal(t, FrameID(1), victim)
}

func TestEvict_SkipsNonEvictable(t *testing.T) {
	r := New(4, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(2, true)

	victim, err := r.Evict()
	require.NoError(t, err)
	assert.Equal(t, FrameID(2), victim)
}

func TestEvict_ErrorsWhenNothingEvictable(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)

	_, err := r.Evict()
	assert.ErrorIs(t, err, ErrNoVictimAvailable)
}

func TestSetEvictable_TogglingTwiceIsIdempotent(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)

	r.SetEvictable(1, true)
	r.SetEvictable(1, true)
	assert.Equal(t, 1, r.Size())

	r.SetEvictable(1, false)
	r.SetEvictable(1, false)
	assert.Equal(t, 0, r.Size())
}

func TestRemove_OnlyEvictableFrame(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)
	r.SetEvictable(1, true)

	r.Remove(1)
	assert.Equal(t, 0, r.Size())

	_, err := r.Evict()
	assert.ErrorIs(t, err, ErrNoVictimAvailable)
}

func TestSize_TracksEvictableCountAcrossEvict(t *testing.T) {
	r := New(4, 1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	assert.Equal(t, 2, r.Size())

	_, err := r.Evict()
	require.NoError(t, err)
	assert.Equal(t, 1, r.Size())
}
