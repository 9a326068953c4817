package txns

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduquery/dbcore/common"
)

func TestLockMode_CompatibilityMatrixMatchesAlgebra(t *testing.T) {
	assert.True(t, LockIntentionShared.Compatible(LockIntentionShared))
	assert.True(t, LockIntentionShared.Compatible(LockSharedIntentionExclusive))
	assert.False(t, LockExclusive.Compatible(LockIntentionShared))
	assert.False(t, LockSharedIntentionExclusive.Compatible(LockSharedIntentionExclusive))
}

func TestLockMode_CanUpgrade(t *testing.T) {
	assert.True(t, CanUpgrade(LockShared, LockExclusive))
	assert.True(t, CanUpgrade(LockIntentionShared, LockSharedIntentionExclusive))
	assert.False(t, CanUpgrade(LockExclusive, LockShared))
	assert.False(t, CanUpgrade(LockShared, LockShared))
}

func newTestManager() (*Manager, *LockManager) {
	lm := NewLockManager(nil)
	return NewManager(lm, nil), lm
}

func TestLockTable_TwoSharedLocksBothGrant(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)

	t1 := txnMgr.Begin(RepeatableRead)
	t2 := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(t1, file, LockShared))
	require.NoError(t, lockMgr.LockTable(t2, file, LockShared))
}

func TestLockTable_ExclusiveBlocksSharedUntilReleased(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)

	t1 := txnMgr.Begin(RepeatableRead)
	t2 := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(t1, file, LockExclusive))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, lockMgr.LockTable(t2, file, LockShared))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("t2 should not have been granted while t1 holds X")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lockMgr.UnlockTable(t1, file))

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("t2 was never granted after t1 released")
	}
}

func TestLockTable_UpgradeSharedToExclusive(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockShared))
	require.NoError(t, lockMgr.UpgradeTable(txn, file, LockExclusive))

	mode, ok := txn.tableLockMode(file)
	require.True(t, ok)
	assert.Equal(t, LockExclusive, mode)
}

func TestLockTable_UpgradeBlocksUntilOtherHolderReleases(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)

	t1 := txnMgr.Begin(RepeatableRead)
	t2 := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(t1, file, LockShared))
	require.NoError(t, lockMgr.LockTable(t2, file, LockShared))

	upgraded := make(chan struct{})
	go func() {
		require.NoError(t, lockMgr.UpgradeTable(t1, file, LockExclusive))
		close(upgraded)
	}()

	select {
	case <-upgraded:
		t.Fatal("t1's upgrade to X should not have been granted while t2 holds S")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lockMgr.UnlockTable(t2, file))

	select {
	case <-upgraded:
	case <-time.After(time.Second):
		t.Fatal("t1's upgrade should have been granted once t2 released its S lock")
	}

	mode, ok := t1.tableLockMode(file)
	require.True(t, ok)
	assert.Equal(t, LockExclusive, mode)
}

func TestLockRow_RequiresTableIntentionLockFirst(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	txn := txnMgr.Begin(RepeatableRead)
	rid := common.RID{PageID: common.PageIdentity{FileID: 1, PageID: 1}, SlotNum: 0}

	err := lockMgr.LockRow(txn, rid, LockShared)
	assert.ErrorIs(t, err, ErrTableLockNotPresent)
}

func TestLockRow_SucceedsAfterTableIntentionLock(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	rid := common.RID{PageID: common.PageIdentity{FileID: file, PageID: 1}, SlotNum: 0}
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockIntentionShared))
	require.NoError(t, lockMgr.LockRow(txn, rid, LockShared))
}

func TestUnlockTable_RefusesWhileRowLocksHeld(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	rid := common.RID{PageID: common.PageIdentity{FileID: file, PageID: 1}, SlotNum: 0}
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockIntentionExclusive))
	require.NoError(t, lockMgr.LockRow(txn, rid, LockExclusive))

	assert.ErrorIs(t, lockMgr.UnlockTable(txn, file), ErrTableUnlockedBeforeUnlockingRows)

	require.NoError(t, lockMgr.UnlockRow(txn, rid, false))
	require.NoError(t, lockMgr.UnlockTable(txn, file))
}

func TestUnlockRow_ForceSkipsShrinkingTransition(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	rid := common.RID{PageID: common.PageIdentity{FileID: file, PageID: 1}, SlotNum: 0}
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockIntentionExclusive))
	require.NoError(t, lockMgr.LockRow(txn, rid, LockExclusive))

	require.NoError(t, lockMgr.UnlockRow(txn, rid, true))
	assert.Equal(t, StateGrowing, txn.State())

	require.NoError(t, lockMgr.LockRow(txn, rid, LockExclusive))
	require.NoError(t, lockMgr.UnlockRow(txn, rid, false))
	assert.Equal(t, StateShrinking, txn.State())
}

func TestLockRow_RejectsIntentionMode(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	rid := common.RID{PageID: common.PageIdentity{FileID: file, PageID: 1}, SlotNum: 0}
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockIntentionExclusive))
	assert.ErrorIs(t, lockMgr.LockRow(txn, rid, LockIntentionExclusive), ErrIntentionLockOnRow)
	assert.Equal(t, StateAborted, txn.State())
}

func TestLockTable_ReadUncommittedRejectsSharedLock(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	txn := txnMgr.Begin(ReadUncommitted)

	err := lockMgr.LockTable(txn, common.FileID(1), LockShared)
	assert.ErrorIs(t, err, ErrLockOnReadUncommitted)
	assert.Equal(t, StateAborted, txn.State())
}

func TestLockTable_RepeatableReadRejectsNewLockWhileShrinking(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	fileA := common.FileID(1)
	fileB := common.FileID(2)
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, fileA, LockShared))
	require.NoError(t, lockMgr.UnlockTable(txn, fileA))
	require.Equal(t, StateShrinking, txn.State())

	err := lockMgr.LockTable(txn, fileB, LockShared)
	assert.ErrorIs(t, err, ErrLockOnShrinking)
	assert.Equal(t, StateAborted, txn.State())
}

func TestLockTable_ReadCommittedAllowsSharedWhileShrinking(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	fileA := common.FileID(1)
	fileB := common.FileID(2)
	txn := txnMgr.Begin(ReadCommitted)

	require.NoError(t, lockMgr.LockTable(txn, fileA, LockExclusive))
	require.NoError(t, lockMgr.UnlockTable(txn, fileA))
	require.Equal(t, StateShrinking, txn.State())

	require.NoError(t, lockMgr.LockTable(txn, fileB, LockShared))
}

func TestTransactionManager_CommitReleasesAllLocks(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	file := common.FileID(1)
	txn := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(txn, file, LockExclusive))
	require.NoError(t, txnMgr.Commit(txn))

	other := txnMgr.Begin(RepeatableRead)
	require.NoError(t, lockMgr.LockTable(other, file, LockExclusive))
}

func TestDeadlockDetector_AbortsYoungestInCycle(t *testing.T) {
	txnMgr, lockMgr := newTestManager()
	fileA := common.FileID(1)
	fileB := common.FileID(2)

	t1 := txnMgr.Begin(RepeatableRead)
	t2 := txnMgr.Begin(RepeatableRead)

	require.NoError(t, lockMgr.LockTable(t1, fileA, LockExclusive))
	require.NoError(t, lockMgr.LockTable(t2, fileB, LockExclusive))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = lockMgr.LockTable(t1, fileB, LockExclusive)
	}()
	go func() {
		defer wg.Done()
		errs[1] = lockMgr.LockTable(t2, fileA, LockExclusive)
	}()

	detector, err := NewDetector(lockMgr, txnMgr, 5*time.Millisecond, nil)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	// wait until both goroutines are queued and the cycle exists, so the
	// sweep loop below cannot finish before there is anything to break.
	for !lockMgr.waitForGraph().IsCyclic() {
		select {
		case <-deadline:
			t.Fatal("deadlock never formed")
		default:
		}
		time.Sleep(time.Millisecond)
	}
	for {
		detector.sweep()
		graph := lockMgr.waitForGraph()
		if !graph.IsCyclic() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deadlock was never resolved")
		default:
		}
	}

	wg.Wait()
	assert.True(t, errs[0] == nil || errs[1] == nil, "exactly one side should have won")
	assert.False(t, errs[0] == nil && errs[1] == nil, "exactly one side should have been aborted")

	// t2 has the larger id, so it is the victim and t1 is granted fileB.
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrTransactionAborted)
}
