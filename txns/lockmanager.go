package txns

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
)

var (
	ErrLockOnShrinking                  = errors.New("txns: cannot acquire a lock while shrinking")
	ErrLockOnReadUncommitted            = errors.New("txns: read-uncommitted transactions may not take shared-family locks")
	ErrTableLockNotPresent              = errors.New("txns: row lock requires a compatible table lock first")
	ErrTableUnlockedBeforeUnlockingRows = errors.New("txns: cannot unlock a table while row locks on it are still held")
	ErrLockNotHeld                      = errors.New("txns: no such lock is held")
	ErrUpgradeConflict                  = errors.New("txns: another transaction is already upgrading this lock")
	ErrIncompatibleUpgrade              = errors.New("txns: requested mode is not a valid upgrade from the held mode")
	ErrTransactionAborted               = errors.New("txns: transaction was aborted (deadlock victim)")
	ErrIntentionLockOnRow               = errors.New("txns: row locks must be shared or exclusive, not an intention mode")
)

// lockRequest is one transaction's slot in a lockQueue. A transaction has
// at most one request per object at a time; upgrading in place sets
// upgradeTo instead of creating a second request.
type lockRequest struct {
	txnID     common.TxnID
	mode      LockMode
	granted   bool
	upgradeTo *LockMode
}

// lockQueue is the wait queue for one lockable object (a table or a row).
// Grants are strictly FIFO by arrival order, except that an in-place
// upgrade keeps the requester's original arrival slot — which is what
// gives upgrades priority over requests that arrived later.
type lockQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	requests []*lockRequest
}

func newLockQueue() *lockQueue {
	q := &lockQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// grant walks the queue in arrival order granting (or upgrading) every
// request compatible with all other currently-granted holders, stopping at
// the first one that can't be granted yet to preserve FIFO fairness.
// Caller holds q.mu.
func (q *lockQueue) grant() {
	for _, r := range q.requests {
		target := r.mode
		if r.upgradeTo != nil {
			target = *r.upgradeTo
		} else if r.granted {
			continue
		}

		ok := true
		for _, other := range q.requests {
			if other == r || !other.granted {
				continue
			}
			if !target.Compatible(other.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		if r.upgradeTo != nil {
			r.mode = *r.upgradeTo
			r.upgradeTo = nil
		}
		r.granted = true
	}
	q.cond.Broadcast()
}

func (q *lockQueue) requestFor(txnID common.TxnID) *lockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

func (q *lockQueue) remove(txnID common.TxnID) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// LockManager grants table and row locks under two-phase locking.
// Grounded on the reference's lock-mode algebra in src/txns/models.go; the
// FIFO-with-upgrade-priority queue and the isolation-level state-machine
// checks below are written fresh since the reference implements
// wound-wait prevention instead.
type LockManager struct {
	tablesMu sync.Mutex
	tables   map[common.FileID]*lockQueue

	rowsMu sync.Mutex
	rows   map[common.RID]*lockQueue

	logger *zap.Logger
}

func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		tables: make(map[common.FileID]*lockQueue),
		rows:   make(map[common.RID]*lockQueue),
		logger: logger,
	}
}

func (lm *LockManager) tableQueue(file common.FileID) *lockQueue {
	lm.tablesMu.Lock()
	defer lm.tablesMu.Unlock()
	q, ok := lm.tables[file]
	if !ok {
		q = newLockQueue()
		lm.tables[file] = q
	}
	return q
}

func (lm *LockManager) rowQueue(rid common.RID) *lockQueue {
	lm.rowsMu.Lock()
	defer lm.rowsMu.Unlock()
	q, ok := lm.rows[rid]
	if !ok {
		q = newLockQueue()
		lm.rows[rid] = q
	}
	return q
}

// checkAcquire enforces the isolation-level-dependent 2PL rules for taking
// a lock, both a first acquisition and an in-place upgrade of a held one.
// On a rule violation the transaction is left ABORTED, mirroring the
// "violating 2PL aborts the transaction" convention.
func (lm *LockManager) checkAcquire(txn *Transaction, mode LockMode) error {
	if txn.isolation == ReadUncommitted && (mode == LockShared || mode == LockIntentionShared || mode == LockSharedIntentionExclusive) {
		txn.setState(StateAborted)
		return ErrLockOnReadUncommitted
	}

	switch txn.State() {
	case StateGrowing:
		return nil
	case StateShrinking:
		switch txn.isolation {
		case ReadCommitted:
			if mode == LockShared || mode == LockIntentionShared {
				return nil
			}
		}
		txn.setState(StateAborted)
		return ErrLockOnShrinking
	default:
		return ErrTransactionAborted
	}
}

// maybeEnterShrinking applies the "releasing a lock under 2PL moves you
// into the shrinking phase" rule, which differs by isolation level.
func (lm *LockManager) maybeEnterShrinking(txn *Transaction, released LockMode) {
	switch txn.isolation {
	case RepeatableRead:
		if released == LockShared || released == LockExclusive {
			txn.setState(StateShrinking)
		}
	case ReadCommitted, ReadUncommitted:
		if released == LockExclusive {
			txn.setState(StateShrinking)
		}
	}
}

func (lm *LockManager) acquire(q *lockQueue, txn *Transaction, mode LockMode) error {
	q.mu.Lock()

	existing := q.requestFor(txn.id)
	if existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if !CanUpgrade(existing.mode, mode) {
			q.mu.Unlock()
			txn.setState(StateAborted)
			return ErrIncompatibleUpgrade
		}
		for _, r := range q.requests {
			if r != existing && r.upgradeTo != nil {
				q.mu.Unlock()
				txn.setState(StateAborted)
				return ErrUpgradeConflict
			}
		}
		existing.upgradeTo = &mode
	} else {
		q.requests = append(q.requests, &lockRequest{txnID: txn.id, mode: mode})
		existing = q.requests[len(q.requests)-1]
	}

	q.grant()
	for (!existing.granted || existing.upgradeTo != nil) && txn.State() != StateAborted {
		q.cond.Wait()
	}

	if txn.State() == StateAborted {
		// Undo unconditionally, even if grant() raced us and granted it a
		// moment before the abort landed: the caller got an error back and
		// will never record or release this lock through the normal API.
		q.remove(txn.id)
		q.grant()
		q.mu.Unlock()
		return ErrTransactionAborted
	}

	q.mu.Unlock()
	return nil
}

// LockTable acquires mode on file for txn, blocking until it's granted,
// rejected by the isolation-level rules, or the transaction is killed by
// the deadlock detector while waiting.
func (lm *LockManager) LockTable(txn *Transaction, file common.FileID, mode LockMode) error {
	if held, ok := txn.tableLockMode(file); ok && held.WeakerOrEqual(mode) && held != mode {
		return lm.UpgradeTable(txn, file, mode)
	} else if ok && held == mode {
		return nil
	}

	if err := lm.checkAcquire(txn, mode); err != nil {
		return err
	}

	q := lm.tableQueue(file)
	if err := lm.acquire(q, txn, mode); err != nil {
		return err
	}
	txn.recordTableLock(file, mode)
	return nil
}

// UpgradeTable raises an already-held table lock to a stronger mode.
func (lm *LockManager) UpgradeTable(txn *Transaction, file common.FileID, mode LockMode) error {
	held, ok := txn.tableLockMode(file)
	assert.Assert(ok, "txns: UpgradeTable called without holding a lock on file %d", file)
	if held == mode {
		return nil
	}
	if err := lm.checkAcquire(txn, mode); err != nil {
		return err
	}

	q := lm.tableQueue(file)
	if err := lm.acquire(q, txn, mode); err != nil {
		return err
	}
	txn.recordTableLock(file, mode)
	return nil
}

// UnlockTable releases txn's table lock. Refuses while any row lock on
// that table is still held.
func (lm *LockManager) UnlockTable(txn *Transaction, file common.FileID) error {
	mode, ok := txn.tableLockMode(file)
	if !ok {
		txn.setState(StateAborted)
		return ErrLockNotHeld
	}

	_, rowLocks := txn.snapshotLocks()
	for rid := range rowLocks {
		if rid.PageID.FileID == file {
			txn.setState(StateAborted)
			return ErrTableUnlockedBeforeUnlockingRows
		}
	}

	q := lm.tableQueue(file)
	q.mu.Lock()
	q.remove(txn.id)
	q.grant()
	q.mu.Unlock()

	txn.forgetTableLock(file)
	lm.maybeEnterShrinking(txn, mode)
	return nil
}

// LockRow acquires a row lock, which is restricted to Shared and
// Exclusive, and requires the matching table-level intention lock first.
func (lm *LockManager) LockRow(txn *Transaction, rid common.RID, mode LockMode) error {
	if mode != LockShared && mode != LockExclusive {
		txn.setState(StateAborted)
		return ErrIntentionLockOnRow
	}

	tableMode, ok := txn.tableLockMode(rid.PageID.FileID)
	if !ok {
		txn.setState(StateAborted)
		return ErrTableLockNotPresent
	}
	if mode == LockExclusive {
		if tableMode != LockIntentionExclusive && tableMode != LockSharedIntentionExclusive && tableMode != LockExclusive {
			txn.setState(StateAborted)
			return ErrTableLockNotPresent
		}
	}

	if held, ok := txn.rowLockMode(rid); ok {
		if held == mode {
			return nil
		}
		return lm.UpgradeRow(txn, rid, mode)
	}

	if err := lm.checkAcquire(txn, mode); err != nil {
		return err
	}

	q := lm.rowQueue(rid)
	if err := lm.acquire(q, txn, mode); err != nil {
		return err
	}
	txn.recordRowLock(rid, mode)
	return nil
}

// UpgradeRow raises an S row lock to X.
func (lm *LockManager) UpgradeRow(txn *Transaction, rid common.RID, mode LockMode) error {
	held, ok := txn.rowLockMode(rid)
	assert.Assert(ok, "txns: UpgradeRow called without holding a lock on %s", rid)
	if held == mode {
		return nil
	}
	if err := lm.checkAcquire(txn, mode); err != nil {
		return err
	}

	q := lm.rowQueue(rid)
	if err := lm.acquire(q, txn, mode); err != nil {
		return err
	}
	txn.recordRowLock(rid, mode)
	return nil
}

// UnlockRow releases txn's row lock. force skips the growing→shrinking
// state transition, for callers (e.g. a predicate filter rejecting a row)
// that release a row lock without giving up their place in the growing
// phase.
func (lm *LockManager) UnlockRow(txn *Transaction, rid common.RID, force bool) error {
	mode, ok := txn.rowLockMode(rid)
	if !ok {
		txn.setState(StateAborted)
		return ErrLockNotHeld
	}

	q := lm.rowQueue(rid)
	q.mu.Lock()
	q.remove(txn.id)
	q.grant()
	q.mu.Unlock()

	txn.forgetRowLock(rid)
	if !force {
		lm.maybeEnterShrinking(txn, mode)
	}
	return nil
}

// UnlockAll drops every lock txn holds, in no particular order, bypassing
// the table/row prerequisite (used for commit/abort cleanup where the
// transaction is going away regardless).
func (lm *LockManager) UnlockAll(txn *Transaction) {
	tables, rows := txn.snapshotLocks()
	for rid := range rows {
		q := lm.rowQueue(rid)
		q.mu.Lock()
		q.remove(txn.id)
		q.grant()
		q.mu.Unlock()
		txn.forgetRowLock(rid)
	}
	for file := range tables {
		q := lm.tableQueue(file)
		q.mu.Lock()
		q.remove(txn.id)
		q.grant()
		q.mu.Unlock()
		txn.forgetTableLock(file)
	}
}

// abortWaiting is called by the deadlock detector: it marks txn aborted and
// wakes every queue it might be blocked in so acquire's wait loop notices.
func (lm *LockManager) abortWaiting(txn *Transaction) {
	txn.setState(StateAborted)

	lm.tablesMu.Lock()
	tableQueues := make([]*lockQueue, 0, len(lm.tables))
	for _, q := range lm.tables {
		tableQueues = append(tableQueues, q)
	}
	lm.tablesMu.Unlock()
	for _, q := range tableQueues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	lm.rowsMu.Lock()
	rowQueues := make([]*lockQueue, 0, len(lm.rows))
	for _, q := range lm.rows {
		rowQueues = append(rowQueues, q)
	}
	lm.rowsMu.Unlock()
	for _, q := range rowQueues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
