package txns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/eduquery/dbcore/common"
)

// waitForGraph maps a blocked transaction to every transaction currently
// holding a lock it's waiting on. Grounded on the reference's
// txnDependencyGraph in src/txns/manager.go, including its IsCyclic
// DFS-with-recursion-stack and its Dump Graphviz renderer, both kept
// close to the original; building the graph itself is new since this
// package's queues are FIFO-with-Cond rather than the reference's
// channel-based txnQueue.
type waitForGraph map[common.TxnID][]common.TxnID

// waitForGraph walks every table and row queue and records, for each
// request that isn't yet granted (a fresh wait or a pending upgrade), an
// edge to every other transaction currently holding a granted lock on that
// same object.
func (lm *LockManager) waitForGraph() waitForGraph {
	g := waitForGraph{}

	lm.tablesMu.Lock()
	tableQueues := make([]*lockQueue, 0, len(lm.tables))
	for _, q := range lm.tables {
		tableQueues = append(tableQueues, q)
	}
	lm.tablesMu.Unlock()

	lm.rowsMu.Lock()
	rowQueues := make([]*lockQueue, 0, len(lm.rows))
	for _, q := range lm.rows {
		rowQueues = append(rowQueues, q)
	}
	lm.rowsMu.Unlock()

	for _, queues := range [][]*lockQueue{tableQueues, rowQueues} {
		for _, q := range queues {
			q.mu.Lock()
			var holders []common.TxnID
			for _, r := range q.requests {
				if r.granted {
					holders = append(holders, r.txnID)
				}
			}
			for _, r := range q.requests {
				waiting := !r.granted || r.upgradeTo != nil
				if !waiting {
					continue
				}
				if _, ok := g[r.txnID]; !ok {
					g[r.txnID] = nil
				}
				for _, holder := range holders {
					if holder != r.txnID {
						g[r.txnID] = append(g[r.txnID], holder)
					}
				}
			}
			q.mu.Unlock()
		}
	}
	return g
}

// IsCyclic reports whether the wait-for graph contains a cycle.
func (g waitForGraph) IsCyclic() bool {
	return len(g.findCycle()) > 0
}

// findCycle returns the transaction ids making up one cycle, in wait
// order, or nil if the graph is acyclic.
func (g waitForGraph) findCycle() []common.TxnID {
	ids := make([]common.TxnID, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[common.TxnID]bool)
	onStack := make(map[common.TxnID]bool)
	var stack []common.TxnID
	var cycle []common.TxnID

	var dfs func(common.TxnID) bool
	dfs = func(id common.TxnID) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		edges := append([]common.TxnID(nil), g[id]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		for _, dst := range edges {
			if onStack[dst] {
				for i, v := range stack {
					if v == dst {
						cycle = append([]common.TxnID(nil), stack[i:]...)
						break
					}
				}
				return true
			}
			if !visited[dst] {
				if dfs(dst) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		return false
	}

	for _, id := range ids {
		if !visited[id] {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

// Dump renders the wait-for graph as Graphviz, mirroring the reference's
// txnDependencyGraph.Dump.
func (g waitForGraph) Dump() string {
	var b strings.Builder
	b.WriteString("digraph WaitForGraph {\n")
	b.WriteString("\trankdir=LR;\n")
	b.WriteString("\tnode [shape=box];\n")
	for id := range g {
		fmt.Fprintf(&b, "\t\"txn_%d\" [label=\"Txn %d\"];\n", id, id)
	}
	for id, deps := range g {
		for _, dst := range deps {
			fmt.Fprintf(&b, "\t\"txn_%d\" -> \"txn_%d\";\n", id, dst)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Detector periodically scans the lock manager's wait-for graph and aborts
// the youngest transaction in any cycle it finds.
type Detector struct {
	lockMgr  *LockManager
	txnMgr   *Manager
	interval time.Duration
	pool     *ants.Pool
	logger   *zap.Logger
}

func NewDetector(lockMgr *LockManager, txnMgr *Manager, interval time.Duration, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, err
	}
	return &Detector{
		lockMgr:  lockMgr,
		txnMgr:   txnMgr,
		interval: interval,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Run blocks, sweeping for cycles every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.pool.Release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.pool.Submit(d.sweep)
		}
	}
}

// sweep breaks every cycle currently present, repeating until the graph is
// acyclic, so one slow tick doesn't leave a second cycle undetected.
func (d *Detector) sweep() {
	for {
		graph := d.lockMgr.waitForGraph()
		cycle := graph.findCycle()
		if len(cycle) == 0 {
			return
		}

		victim := cycle[0]
		for _, id := range cycle[1:] {
			if id > victim {
				victim = id
			}
		}

		txn, ok := d.txnMgr.Get(victim)
		if !ok {
			continue
		}
		d.logger.Warn("deadlock detected, aborting victim",
			zap.Uint64("txn_id", uint64(victim)),
			zap.Int("cycle_len", len(cycle)),
		)
		d.lockMgr.abortWaiting(txn)
		if err := d.txnMgr.Abort(txn); err != nil {
			d.logger.Error("failed to abort deadlock victim", zap.Error(err))
		}
	}
}
