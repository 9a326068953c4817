package txns

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
)

// State is the transaction's position in the two-phase locking protocol.
type State uint8

const (
	StateGrowing State = iota
	StateShrinking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel controls which lock acquisitions are refused and which lock
// releases move the transaction into the shrinking phase.
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// Transaction tracks one 2PL transaction's state and the locks it holds,
// indexed for UnlockAll at commit/abort time.
type Transaction struct {
	id            common.TxnID
	correlationID string
	isolation     IsolationLevel
	mu            sync.Mutex
	state         State
	tableLocks    map[common.FileID]LockMode
	rowLocks      map[common.RID]LockMode
}

func newTransaction(id common.TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:            id,
		correlationID: uuid.NewString(),
		isolation:     isolation,
		state:         StateGrowing,
		tableLocks:    make(map[common.FileID]LockMode),
		rowLocks:      make(map[common.RID]LockMode),
	}
}

func (t *Transaction) ID() common.TxnID { return t.id }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Transaction) recordTableLock(file common.FileID, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLocks[file] = mode
}

func (t *Transaction) forgetTableLock(file common.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLocks, file)
}

func (t *Transaction) tableLockMode(file common.FileID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.tableLocks[file]
	return m, ok
}

func (t *Transaction) recordRowLock(rid common.RID, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rowLocks[rid] = mode
}

func (t *Transaction) forgetRowLock(rid common.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rowLocks, rid)
}

func (t *Transaction) rowLockMode(rid common.RID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.rowLocks[rid]
	return m, ok
}

// snapshotLocks returns copies safe to iterate without holding t.mu, used
// by UnlockAll.
func (t *Transaction) snapshotLocks() (map[common.FileID]LockMode, map[common.RID]LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tables := make(map[common.FileID]LockMode, len(t.tableLocks))
	for k, v := range t.tableLocks {
		tables[k] = v
	}
	rows := make(map[common.RID]LockMode, len(t.rowLocks))
	for k, v := range t.rowLocks {
		rows[k] = v
	}
	return tables, rows
}

// Manager hands out monotonically increasing transaction ids and owns the
// active-transaction table the deadlock detector and lock manager both
// consult. Mirrors the reference's TxnManager shape in src/txns/txnmanager.go.
type Manager struct {
	nextID  atomic.Uint64
	lockMgr *LockManager

	mu     sync.Mutex
	active map[common.TxnID]*Transaction

	logger *zap.Logger
}

func NewManager(lockMgr *LockManager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		lockMgr: lockMgr,
		active:  make(map[common.TxnID]*Transaction),
		logger:  logger,
	}
}

// Begin starts a new transaction in the GROWING state.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	id := common.TxnID(m.nextID.Add(1))
	txn := newTransaction(id, isolation)

	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()

	m.logger.Debug("begin transaction", zap.Uint64("txn_id", uint64(id)), zap.String("correlation_id", txn.correlationID))
	return txn
}

// Commit releases every lock the transaction holds and marks it committed.
// A transaction must be GROWING or SHRINKING to commit.
func (m *Manager) Commit(txn *Transaction) error {
	state := txn.State()
	assert.Assert(state == StateGrowing || state == StateShrinking, "txns: cannot commit transaction %d in state %s", txn.id, state)

	m.lockMgr.UnlockAll(txn)
	txn.setState(StateCommitted)
	m.forget(txn.id)
	m.logger.Debug("commit transaction", zap.Uint64("txn_id", uint64(txn.id)))
	return nil
}

// Abort releases every lock the transaction holds and marks it aborted.
// Unlike Commit, Abort is legal from any non-terminal state — it's how the
// deadlock detector kills a victim.
func (m *Manager) Abort(txn *Transaction) error {
	m.lockMgr.UnlockAll(txn)
	txn.setState(StateAborted)
	m.forget(txn.id)
	m.logger.Debug("abort transaction", zap.Uint64("txn_id", uint64(txn.id)))
	return nil
}

func (m *Manager) forget(id common.TxnID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Get returns the transaction for id, if it's still active.
func (m *Manager) Get(id common.TxnID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.active[id]
	return txn, ok
}
