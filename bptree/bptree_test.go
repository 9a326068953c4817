package bptree

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduquery/dbcore/bufferpool"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/disk"
)

func uintKey(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func cmpUint(a, b []byte) int {
	av := binary.BigEndian.Uint64(a)
	bv := binary.BigEndian.Uint64(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func newTestTree(t *testing.T, leafMax, internalMax int) *Tree {
	bpm := bufferpool.New(64, 2, disk.NewMemoryManager())
	tr, err := New(bpm, common.FileID(1), 8, cmpUint, leafMax, internalMax, true)
	require.NoError(t, err)
	return tr
}

func ridFor(n uint64) common.RID {
	return common.RID{PageID: common.PageIdentity{FileID: 9, PageID: common.PageID(n)}, SlotNum: uint16(n % 100)}
}

func TestInsertAndGetValue_SingleEntry(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	require.NoError(t, tr.Insert(uintKey(42), ridFor(42)))

	rid, ok, err := tr.GetValue(uintKey(42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ridFor(42), rid)

	_, ok, err = tr.GetValue(uintKey(7))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsert_DuplicateKeyRejected(t *testing.T) {
	tr := newTestTree(t, 4, 4)
	require.NoError(t, tr.Insert(uintKey(1), ridFor(1)))
	assert.ErrorIs(t, tr.Insert(uintKey(1), ridFor(2)), ErrDuplicateKey)
}

func TestInsert_ForcesSplitsAndStaysQueryable(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	const n = 200
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(uintKey(i), ridFor(i)))
	}

	for i := uint64(0); i < n; i++ {
		rid, ok, err := tr.GetValue(uintKey(i))
		require.NoError(t, err)
		require.True(t, ok, "missing key %d", i)
		assert.Equal(t, ridFor(i), rid)
	}
}

func TestIterator_ScansInAscendingOrder(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	const n = 100
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(uintKey(i*7%n), ridFor(i)))
	}

	it, err := tr.Begin()
	require.NoError(t, err)
	defer it.Close()

	var prev uint64
	count := 0
	for it.Valid() {
		cur := binary.BigEndian.Uint64(it.Key())
		if count > 0 {
			assert.Less(t, prev, cur)
		}
		prev = cur
		count++
		it.Next()
	}
	assert.Equal(t, n, count)
}

func TestIterator_SeekStartsAtLowerBound(t *testing.T) {
	tr := newTestTree(t, 4, 4)
	for i := uint64(0); i < 20; i += 2 {
		require.NoError(t, tr.Insert(uintKey(i), ridFor(i)))
	}

	it, err := tr.Seek(uintKey(7))
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	assert.Equal(t, uint64(8), binary.BigEndian.Uint64(it.Key()))
}

func TestRemove_KeyNotFound(t *testing.T) {
	tr := newTestTree(t, 4, 4)
	require.NoError(t, tr.Insert(uintKey(1), ridFor(1)))
	assert.ErrorIs(t, tr.Remove(uintKey(2)), ErrKeyNotFound)
}

func TestRemove_AllKeysLeavesEmptyTree(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	const n = 150
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(uintKey(i), ridFor(i)))
	}
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Remove(uintKey(i)), "removing %d", i)
	}

	for i := uint64(0); i < n; i++ {
		_, ok, err := tr.GetValue(uintKey(i))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestRemove_EmptiedLeafRootAllowsReinsert(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	require.NoError(t, tr.Insert(uintKey(1), ridFor(1)))
	require.NoError(t, tr.Insert(uintKey(2), ridFor(2)))
	require.NoError(t, tr.Remove(uintKey(1)))
	require.NoError(t, tr.Remove(uintKey(2)))

	_, ok, err := tr.GetValue(uintKey(1))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Insert(uintKey(3), ridFor(3)))
	rid, ok, err := tr.GetValue(uintKey(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ridFor(3), rid)
}

func TestRemove_TriggersMergesAndStaysConsistent(t *testing.T) {
	tr := newTestTree(t, 4, 4)

	const n = 150
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(uintKey(i), ridFor(i)))
	}
	// remove every other key to force repeated borrow/merge without
	// emptying the tree.
	for i := uint64(0); i < n; i += 2 {
		require.NoError(t, tr.Remove(uintKey(i)))
	}

	for i := uint64(0); i < n; i++ {
		rid, ok, err := tr.GetValue(uintKey(i))
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Falsef(t, ok, "key %d should have been removed", i)
			continue
		}
		require.True(t, ok, "missing surviving key %d", i)
		assert.Equal(t, ridFor(i), rid)
	}
}

func TestInsert_LargeRandomOrderRoundTrips(t *testing.T) {
	tr := newTestTree(t, 6, 6)

	const n = 300
	var keys []uint64
	for i := uint64(0); i < n; i++ {
		keys = append(keys, (i*2654435761)%1_000_000)
	}
	for _, k := range keys {
		require.NoError(t, tr.Insert(uintKey(k), ridFor(k)), "inserting %d", k)
	}
	for _, k := range keys {
		rid, ok, err := tr.GetValue(uintKey(k))
		require.NoError(t, err, fmt.Sprintf("key %d", k))
		require.True(t, ok)
		assert.Equal(t, ridFor(k), rid)
	}
}
