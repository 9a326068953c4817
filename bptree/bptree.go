// Package bptree implements a disk-backed, latch-crabbing concurrent B+
// tree index over the buffer pool. Grounded on the reference's
// src/storage/index/index.go for the "read-latch, check, upgrade to
// exclusive" idiom applied against buffer-pool page guards, and on
// _examples/ShubhamNegi4-DaemonDB/bplustree (insertion.go, deletion.go,
// split_internal.go, find_leaf.go) for the split/merge/borrow algorithms
// themselves, re-expressed against this module's page-guard and page-view
// types instead of that repo's own node cache and pager.
package bptree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/bufferpool"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/page"
)

var (
	// ErrDuplicateKey is returned by Insert when the key is already present.
	// This index does not support duplicate keys.
	ErrDuplicateKey = errors.New("bptree: duplicate key")
	// ErrKeyNotFound is returned by Remove when the key is absent.
	ErrKeyNotFound = errors.New("bptree: key not found")
)

// Tree is a concurrent B+ tree index over one page-organized file. Page 0
// of the file is always the header page holding the current root pointer;
// every other page is an internal or leaf node.
type Tree struct {
	bpm    *bufferpool.Manager
	fileID common.FileID
	header common.PageIdentity

	keySize int
	cmp     common.Comparator

	leafMax     int
	internalMax int

	logger *zap.Logger
}

// Option customizes a Tree at construction.
type Option func(*Tree)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) { t.logger = logger }
}

// New attaches a B+ tree to fileID. If create is true, a fresh header page
// is allocated at page 0 with no root (an empty tree); otherwise the caller
// is asserting that file already has one (e.g. reopened after a restart).
func New(bpm *bufferpool.Manager, fileID common.FileID, keySize int, cmp common.Comparator, leafMax, internalMax int, create bool, opts ...Option) (*Tree, error) {
	assert.Assert(keySize > 0, "bptree: keySize must be > 0")
	assert.Assert(leafMax >= 4, "bptree: leafMax too small")
	assert.Assert(internalMax >= 4, "bptree: internalMax too small")

	t := &Tree{
		bpm:         bpm,
		fileID:      fileID,
		keySize:     keySize,
		cmp:         cmp,
		leafMax:     leafMax,
		internalMax: internalMax,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if create {
		hg, err := bpm.NewPageWrite(fileID)
		if err != nil {
			return nil, fmt.Errorf("bptree: allocate header page: %w", err)
		}
		assert.Assert(hg.PageIdentity().PageID == 0, "bptree: header page must be page 0, got %d", hg.PageIdentity().PageID)
		page.Header(hg.RawPage()).Init()
		hg.Drop()
	}
	t.header = common.PageIdentity{FileID: fileID, PageID: 0}
	return t, nil
}

func (t *Tree) minLeaf() int {
	return (t.leafMax + 1) / 2
}

func (t *Tree) minInternal() int {
	return (t.internalMax + 2) / 2
}

func (t *Tree) childIdent(id common.PageID) common.PageIdentity {
	return common.PageIdentity{FileID: t.fileID, PageID: id}
}

// GetValue looks up key, crabbing read latches down from the root and
// releasing each ancestor as soon as its child is latched.
func (t *Tree) GetValue(key []byte) (common.RID, bool, error) {
	hg, err := t.bpm.FetchPageRead(t.header)
	if err != nil {
		return common.RID{}, false, err
	}
	root := page.Header(hg.RawPage()).RootPageID()
	if !root.IsValid() {
		hg.Drop()
		return common.RID{}, false, nil
	}

	cur, err := t.bpm.FetchPageRead(t.childIdent(root))
	hg.Drop()
	if err != nil {
		return common.RID{}, false, err
	}

	for {
		switch page.TypeOf(cur.RawPage()) {
		case page.TypeLeaf:
			lv := page.Leaf(cur.RawPage(), t.keySize)
			idx, ok := lv.Find(key, t.cmp)
			if !ok {
				cur.Drop()
				return common.RID{}, false, nil
			}
			rid := lv.RIDAt(idx)
			cur.Drop()
			return rid, true, nil
		case page.TypeInternal:
			iv := page.Internal(cur.RawPage(), t.keySize)
			idx := iv.LowerBound(key, t.cmp)
			child, err := t.bpm.FetchPageRead(t.childIdent(iv.ChildAt(idx)))
			cur.Drop()
			if err != nil {
				return common.RID{}, false, err
			}
			cur = child
		default:
			assert.Assert(false, "bptree: encountered page with type %d during descent", page.TypeOf(cur.RawPage()))
		}
	}
}

// Insert adds (key, rid). Tries an optimistic descent first — read latches
// all the way to the leaf, then a single write-latch upgrade — and falls
// back to a full pessimistic, write-latch-crabbing descent only if the leaf
// turns out to need a split. Mirrors the reference's
// RLock-check-then-upgrade-to-exclusive idiom in src/storage/index/index.go.
func (t *Tree) Insert(key []byte, rid common.RID) error {
	leafIdent, ok, err := t.optimisticFindLeaf(key)
	if err != nil {
		return err
	}
	if ok {
		done, err := t.tryOptimisticInsert(leafIdent, key, rid)
		if err != nil || done {
			return err
		}
	}
	return t.insertPessimistic(key, rid)
}

// optimisticFindLeaf descends with read latches only, returning the leaf's
// identity. ok is false for an empty tree, which always needs the
// pessimistic path to create the first root.
func (t *Tree) optimisticFindLeaf(key []byte) (common.PageIdentity, bool, error) {
	hg, err := t.bpm.FetchPageRead(t.header)
	if err != nil {
		return common.PageIdentity{}, false, err
	}
	root := page.Header(hg.RawPage()).RootPageID()
	if !root.IsValid() {
		hg.Drop()
		return common.PageIdentity{}, false, nil
	}

	cur, err := t.bpm.FetchPageRead(t.childIdent(root))
	hg.Drop()
	if err != nil {
		return common.PageIdentity{}, false, err
	}
	for {
		if page.TypeOf(cur.RawPage()) == page.TypeLeaf {
			ident := cur.PageIdentity()
			cur.Drop()
			return ident, true, nil
		}
		iv := page.Internal(cur.RawPage(), t.keySize)
		idx := iv.LowerBound(key, t.cmp)
		child, err := t.bpm.FetchPageRead(t.childIdent(iv.ChildAt(idx)))
		cur.Drop()
		if err != nil {
			return common.PageIdentity{}, false, err
		}
		cur = child
	}
}

// tryOptimisticInsert upgrades to a write latch on leafIdent alone and
// inserts if the leaf still has room. done is false if the leaf would
// overflow (or the tree shape changed under us), signaling the caller to
// fall back to the pessimistic path.
func (t *Tree) tryOptimisticInsert(leafIdent common.PageIdentity, key []byte, rid common.RID) (bool, error) {
	wg, err := t.bpm.FetchPageWrite(leafIdent)
	if err != nil {
		return false, err
	}
	defer wg.Drop()

	if page.TypeOf(wg.RawPage()) != page.TypeLeaf {
		// the leaf was merged away under us between the two latch phases.
		return false, nil
	}

	lv := page.Leaf(wg.RawPage(), t.keySize)
	idx := lv.LowerBound(key, t.cmp)
	if idx < lv.Size() && t.cmp(lv.KeyAt(idx), key) == 0 {
		return true, ErrDuplicateKey
	}
	if lv.Size() >= t.leafMax {
		return false, nil
	}
	lv.InsertAt(idx, key, rid)
	return true, nil
}

func (t *Tree) isSafeForInsert(typ page.Type, size int, isRoot bool) bool {
	if typ == page.TypeLeaf {
		return size < t.leafMax
	}
	return size < t.internalMax
}

// insertPessimistic performs a full write-latch-crabbing descent, keeping
// ancestors latched only while they might still need to absorb a
// propagated split.
func (t *Tree) insertPessimistic(key []byte, rid common.RID) error {
	stack := make([]*bufferpool.WritePageGuard, 0, 8)

	hg, err := t.bpm.FetchPageWrite(t.header)
	if err != nil {
		return err
	}
	stack = append(stack, hg)

	root := page.Header(hg.RawPage()).RootPageID()
	if !root.IsValid() {
		leafG, err := t.bpm.NewPageWrite(t.fileID)
		if err != nil {
			hg.Drop()
			return err
		}
		lv := page.Leaf(leafG.RawPage(), t.keySize)
		lv.Init()
		lv.InsertAt(0, key, rid)
		page.Header(hg.RawPage()).SetRootPageID(leafG.PageIdentity().PageID)
		leafG.Drop()
		hg.Drop()
		return nil
	}

	cur, err := t.bpm.FetchPageWrite(t.childIdent(root))
	if err != nil {
		hg.Drop()
		return err
	}
	stack = append(stack, cur)

	for {
		typ := page.TypeOf(cur.RawPage())
		size := nodeSize(cur.RawPage(), typ, t.keySize)
		isRoot := len(stack) == 2
		if t.isSafeForInsert(typ, size, isRoot) {
			releasePrefix(&stack)
		}

		if typ == page.TypeLeaf {
			return t.finishLeafInsert(stack, key, rid)
		}

		iv := page.Internal(cur.RawPage(), t.keySize)
		idx := iv.LowerBound(key, t.cmp)
		child, err := t.bpm.FetchPageWrite(t.childIdent(iv.ChildAt(idx)))
		if err != nil {
			dropAll(stack)
			return err
		}
		stack = append(stack, child)
		cur = child
	}
}

// releasePrefix drops every guard in *stack except the header (index 0)
// and the last element, collapsing the slice down to just those two.
func releasePrefix(stack *[]*bufferpool.WritePageGuard) {
	s := *stack
	if len(s) <= 2 {
		return
	}
	for _, g := range s[1 : len(s)-1] {
		g.Drop()
	}
	*stack = []*bufferpool.WritePageGuard{s[0], s[len(s)-1]}
}

func dropAll(stack []*bufferpool.WritePageGuard) {
	for _, g := range stack {
		g.Drop()
	}
}

func nodeSize(p *page.Page, typ page.Type, keySize int) int {
	if typ == page.TypeLeaf {
		return page.Leaf(p, keySize).Size()
	}
	return page.Internal(p, keySize).Size()
}

func (t *Tree) finishLeafInsert(stack []*bufferpool.WritePageGuard, key []byte, rid common.RID) error {
	leafG := stack[len(stack)-1]
	lv := page.Leaf(leafG.RawPage(), t.keySize)

	idx := lv.LowerBound(key, t.cmp)
	if idx < lv.Size() && t.cmp(lv.KeyAt(idx), key) == 0 {
		dropAll(stack)
		return ErrDuplicateKey
	}
	lv.InsertAt(idx, key, rid)

	if lv.Size() <= t.leafMax {
		dropAll(stack)
		return nil
	}

	rightG, err := t.bpm.NewPageWrite(t.fileID)
	if err != nil {
		dropAll(stack)
		return err
	}
	rv := page.Leaf(rightG.RawPage(), t.keySize)
	rv.Init()

	n := lv.Size()
	mid := n / 2
	for i := mid; i < n; i++ {
		rv.InsertAt(rv.Size(), lv.KeyAt(mid), lv.RIDAt(mid))
		lv.RemoveAt(mid)
	}
	rv.SetNextPageID(lv.NextPageID())
	lv.SetNextPageID(rightG.PageIdentity().PageID)

	sep := append([]byte(nil), rv.KeyAt(0)...)
	leftID := leafG.PageIdentity().PageID
	rightID := rightG.PageIdentity().PageID
	rightG.Drop()
	leafG.Drop()

	return t.propagateSplit(stack[:len(stack)-1], leftID, sep, rightID)
}

// propagateSplit inserts (sep, rightID) into the parent of the node that
// just split (leftID). ancestors is the remaining write-latch stack,
// header-first; ancestors[len(ancestors)-1] is either that parent or,
// when len(ancestors)==1, the header page itself (leftID's node was the
// root, so a brand new root must be created).
func (t *Tree) propagateSplit(ancestors []*bufferpool.WritePageGuard, leftID common.PageID, sep []byte, rightID common.PageID) error {
	if len(ancestors) == 1 {
		header := ancestors[0]
		newRootG, err := t.bpm.NewPageWrite(t.fileID)
		if err != nil {
			header.Drop()
			return err
		}
		page.Internal(newRootG.RawPage(), t.keySize).InitRoot(leftID, sep, rightID)
		page.Header(header.RawPage()).SetRootPageID(newRootG.PageIdentity().PageID)
		newRootG.Drop()
		header.Drop()
		return nil
	}

	node := ancestors[len(ancestors)-1]
	iv := page.Internal(node.RawPage(), t.keySize)

	slot := iv.LowerBound(sep, t.cmp)
	assert.Assert(iv.ChildAt(slot) == leftID, "bptree: split propagation located wrong slot")
	iv.InsertAt(slot+1, sep, rightID)

	if iv.Size() <= t.internalMax {
		dropAll(ancestors)
		return nil
	}

	rightG, err := t.bpm.NewPageWrite(t.fileID)
	if err != nil {
		dropAll(ancestors)
		return err
	}
	riv := page.Internal(rightG.RawPage(), t.keySize)

	n := iv.Size()
	mid := n / 2
	promote := append([]byte(nil), iv.KeyAt(mid)...)
	riv.InitWithChild0(iv.ChildAt(mid))
	for i := mid + 1; i < n; i++ {
		riv.InsertAt(riv.Size(), iv.KeyAt(i), iv.ChildAt(i))
	}
	for i := 0; i < n-mid; i++ {
		iv.RemoveAt(mid)
	}

	newLeftID := node.PageIdentity().PageID
	newRightID := rightG.PageIdentity().PageID
	rightG.Drop()
	node.Drop()

	return t.propagateSplit(ancestors[:len(ancestors)-1], newLeftID, promote, newRightID)
}
