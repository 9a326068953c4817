// Command storagectl exercises the storage core end to end: it wires a disk
// manager into a buffer pool, builds a B+ tree index over it, and drives the
// lock manager/deadlock detector through canned scenarios. Grounded on the
// reference's cmd/server/singleNode/singleNode.go and src/cmd/main.go for the
// "wire disk → buffer pool → index, then drive it" construction order,
// rebuilt as a cobra.Command tree since this is the pack's first real call
// site for spf13/cobra.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eduquery/dbcore/bptree"
	"github.com/eduquery/dbcore/bufferpool"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/config"
	"github.com/eduquery/dbcore/disk"
	"github.com/eduquery/dbcore/txns"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "storagectl",
		Short: "drive the buffer pool, B+ tree index, and lock manager directly",
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file to load before reading DBCORE_* settings")

	root.AddCommand(newBenchCmd(&envFile), newLockGraphCmd(&envFile), newTxnDemoCmd(&envFile))
	return root
}

func loadConfig(envFile string) config.Config {
	cfg, err := config.Load(envFile)
	if err != nil {
		cfg = config.Config{
			BufferPoolFrames: 64,
			ReplacerK:        2,
			LeafMaxSize:      254,
			InternalMaxSize:  254,
			DeadlockInterval: 50 * time.Millisecond,
		}
	}
	return cfg
}

func newLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

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

func newBenchCmd(envFile *string) *cobra.Command {
	var keys int
	var shuffle bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "insert N keys into an in-memory-backed B+ tree index and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(*envFile)
			logger := newLogger()
			defer logger.Sync()

			bpm := bufferpool.New(cfg.BufferPoolFrames, int(cfg.ReplacerK), disk.NewMemoryManager(), bufferpool.WithLogger(logger))
			defer bpm.Close()

			tree, err := bptree.New(bpm, common.FileID(1), 8, cmpUint, int(cfg.LeafMaxSize), int(cfg.InternalMaxSize), true, bptree.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("storagectl: building index: %w", err)
			}

			order := make([]uint64, keys)
			for i := range order {
				order[i] = uint64(i)
			}
			if shuffle {
				rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			}

			start := time.Now()
			for _, k := range order {
				rid := common.RID{PageID: common.PageIdentity{FileID: 2, PageID: common.PageID(k)}, SlotNum: 0}
				if err := tree.Insert(uintKey(k), rid); err != nil {
					return fmt.Errorf("storagectl: inserting key %d: %w", k, err)
				}
			}
			elapsed := time.Since(start)

			fmt.Printf("inserted %d keys in %s (%.0f keys/sec)\n", keys, elapsed, float64(keys)/elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().IntVar(&keys, "keys", 10_000, "number of keys to insert")
	cmd.Flags().BoolVar(&shuffle, "shuffle", true, "insert keys in random order instead of ascending")
	return cmd
}

func newLockGraphCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockgraph",
		Short: "stage a two-transaction deadlock and let the deadlock detector resolve it (the wait-for graph is not printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			lockMgr := txns.NewLockManager(logger)
			txnMgr := txns.NewManager(lockMgr, logger)

			fileA := common.FileID(1)
			fileB := common.FileID(2)
			t1 := txnMgr.Begin(txns.RepeatableRead)
			t2 := txnMgr.Begin(txns.RepeatableRead)

			if err := lockMgr.LockTable(t1, fileA, txns.LockExclusive); err != nil {
				return err
			}
			if err := lockMgr.LockTable(t2, fileB, txns.LockExclusive); err != nil {
				return err
			}

			done := make(chan struct{}, 2)
			go func() { _ = lockMgr.LockTable(t1, fileB, txns.LockExclusive); done <- struct{}{} }()
			go func() { _ = lockMgr.LockTable(t2, fileA, txns.LockExclusive); done <- struct{}{} }()

			time.Sleep(20 * time.Millisecond)

			detector, err := txns.NewDetector(lockMgr, txnMgr, 10*time.Millisecond, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { detector.Run(gctx); return nil })

			<-done
			<-done
			cancel()
			_ = g.Wait()

			fmt.Println("deadlock resolved; one transaction was granted its lock, the other was aborted")
			return nil
		},
	}
	return cmd
}

func newTxnDemoCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn-demo",
		Short: "walk one transaction through table and row locking under 2PL",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			lockMgr := txns.NewLockManager(logger)
			txnMgr := txns.NewManager(lockMgr, logger)

			table := common.FileID(7)
			row := common.RID{PageID: common.PageIdentity{FileID: table, PageID: 3}, SlotNum: 1}

			txn := txnMgr.Begin(txns.RepeatableRead)
			fmt.Printf("txn %d begins in state %s\n", txn.ID(), txn.State())

			if err := lockMgr.LockTable(txn, table, txns.LockIntentionExclusive); err != nil {
				return err
			}
			if err := lockMgr.LockRow(txn, row, txns.LockExclusive); err != nil {
				return err
			}
			fmt.Printf("txn %d holds IX on table and X on row, state %s\n", txn.ID(), txn.State())

			if err := lockMgr.UnlockRow(txn, row, false); err != nil {
				return err
			}
			if err := lockMgr.UnlockTable(txn, table); err != nil {
				return err
			}
			fmt.Printf("txn %d released everything, state %s\n", txn.ID(), txn.State())

			return txnMgr.Commit(txn)
		},
	}
	return cmd
}
