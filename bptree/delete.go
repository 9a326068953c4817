package bptree

import (
	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/bufferpool"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/page"
)

// Remove deletes key. Like Insert, it crabs write latches down from the
// root, releasing ancestors as soon as the current node is provably safe
// (won't underflow even after losing an entry) — the delete-side mirror of
// insertPessimistic. Borrow/merge-with-sibling follows
// _examples/ShubhamNegi4-DaemonDB/bplustree/deletion.go's shape, re-derived
// against this module's "key i is the minimum key of child i" invariant.
func (t *Tree) Remove(key []byte) error {
	stack, err := t.descendWriteForDelete(key)
	if err != nil {
		return err
	}

	leafG := stack[len(stack)-1]
	lv := page.Leaf(leafG.RawPage(), t.keySize)
	idx, ok := lv.Find(key, t.cmp)
	if !ok {
		dropAll(stack)
		return ErrKeyNotFound
	}
	lv.RemoveAt(idx)

	return t.fixUnderflow(stack)
}

func (t *Tree) isSafeForDelete(typ page.Type, size int, isRoot bool) bool {
	if isRoot {
		if typ == page.TypeLeaf {
			return true
		}
		return size > 2
	}
	if typ == page.TypeLeaf {
		return size > t.minLeaf()
	}
	return size > t.minInternal()
}

func (t *Tree) descendWriteForDelete(key []byte) ([]*bufferpool.WritePageGuard, error) {
	stack := make([]*bufferpool.WritePageGuard, 0, 8)

	hg, err := t.bpm.FetchPageWrite(t.header)
	if err != nil {
		return nil, err
	}
	stack = append(stack, hg)

	root := page.Header(hg.RawPage()).RootPageID()
	if !root.IsValid() {
		dropAll(stack)
		return nil, ErrKeyNotFound
	}

	cur, err := t.bpm.FetchPageWrite(t.childIdent(root))
	if err != nil {
		dropAll(stack)
		return nil, err
	}
	stack = append(stack, cur)

	for {
		typ := page.TypeOf(cur.RawPage())
		size := nodeSize(cur.RawPage(), typ, t.keySize)
		isRoot := len(stack) == 2
		if t.isSafeForDelete(typ, size, isRoot) {
			releasePrefix(&stack)
		}

		if typ == page.TypeLeaf {
			return stack, nil
		}

		iv := page.Internal(cur.RawPage(), t.keySize)
		idx := iv.LowerBound(key, t.cmp)
		child, err := t.bpm.FetchPageWrite(t.childIdent(iv.ChildAt(idx)))
		if err != nil {
			dropAll(stack)
			return nil, err
		}
		stack = append(stack, child)
		cur = child
	}
}

// fixUnderflow repairs the last node of stack after it lost an entry,
// recursing up through stack as merges propagate. stack always still holds
// the header at index 0 and, whenever the last node isn't the root itself,
// its parent immediately before it.
func (t *Tree) fixUnderflow(stack []*bufferpool.WritePageGuard) error {
	node := stack[len(stack)-1]
	typ := page.TypeOf(node.RawPage())
	size := nodeSize(node.RawPage(), typ, t.keySize)
	isRoot := len(stack) == 2

	if isRoot {
		if typ == page.TypeInternal && size == 1 {
			iv := page.Internal(node.RawPage(), t.keySize)
			onlyChild := iv.ChildAt(0)
			header := stack[0]
			page.Header(header.RawPage()).SetRootPageID(onlyChild)
			oldIdent := node.PageIdentity()
			node.Drop()
			header.Drop()
			_, _ = t.bpm.DeletePage(oldIdent)
			return nil
		}
		if typ == page.TypeLeaf && size == 0 {
			header := stack[0]
			page.Header(header.RawPage()).SetRootPageID(common.InvalidPageID)
			oldIdent := node.PageIdentity()
			node.Drop()
			header.Drop()
			_, _ = t.bpm.DeletePage(oldIdent)
			return nil
		}
		dropAll(stack)
		return nil
	}

	minSize := t.minLeaf()
	if typ == page.TypeInternal {
		minSize = t.minInternal()
	}
	if size >= minSize {
		dropAll(stack)
		return nil
	}

	parent := stack[len(stack)-2]
	piv := page.Internal(parent.RawPage(), t.keySize)
	slot := findChildSlot(piv, node.PageIdentity().PageID)

	hasLeft := slot > 0
	hasRight := slot < piv.Size()-1

	var leftSib, rightSib *bufferpool.WritePageGuard
	if hasLeft {
		g, err := t.bpm.FetchPageWrite(t.childIdent(piv.ChildAt(slot - 1)))
		if err != nil {
			dropAll(stack)
			return err
		}
		leftSib = g
	}
	if hasRight {
		g, err := t.bpm.FetchPageWrite(t.childIdent(piv.ChildAt(slot + 1)))
		if err != nil {
			if leftSib != nil {
				leftSib.Drop()
			}
			dropAll(stack)
			return err
		}
		rightSib = g
	}

	if leftSib != nil && nodeSize(leftSib.RawPage(), typ, t.keySize) > minSize {
		t.borrowFromLeft(piv, slot, node, leftSib, typ)
		leftSib.Drop()
		if rightSib != nil {
			rightSib.Drop()
		}
		dropAll(stack)
		return nil
	}
	if rightSib != nil && nodeSize(rightSib.RawPage(), typ, t.keySize) > minSize {
		t.borrowFromRight(piv, slot, node, rightSib, typ)
		rightSib.Drop()
		if leftSib != nil {
			leftSib.Drop()
		}
		dropAll(stack)
		return nil
	}

	if leftSib != nil {
		t.mergeIntoLeft(piv, slot, leftSib, node, typ)
		if rightSib != nil {
			rightSib.Drop()
		}
		deadIdent := node.PageIdentity()
		node.Drop()
		leftSib.Drop()
		_, _ = t.bpm.DeletePage(deadIdent)
		return t.fixUnderflow(stack[:len(stack)-1])
	}

	assert.Assert(rightSib != nil, "bptree: underflowed node has neither sibling")
	t.mergeRightIntoNode(piv, slot, node, rightSib, typ)
	deadIdent := rightSib.PageIdentity()
	rightSib.Drop()
	node.Drop()
	_, _ = t.bpm.DeletePage(deadIdent)
	return t.fixUnderflow(stack[:len(stack)-1])
}

func findChildSlot(iv page.InternalView, child common.PageID) int {
	for i := 0; i < iv.Size(); i++ {
		if iv.ChildAt(i) == child {
			return i
		}
	}
	assert.Assert(false, "bptree: child %d not found among its parent's children", child)
	return -1
}

func (t *Tree) borrowFromLeft(piv page.InternalView, slot int, node, leftSib *bufferpool.WritePageGuard, typ page.Type) {
	if typ == page.TypeLeaf {
		lv := page.Leaf(node.RawPage(), t.keySize)
		lsv := page.Leaf(leftSib.RawPage(), t.keySize)

		movedKey := append([]byte(nil), lsv.KeyAt(lsv.Size()-1)...)
		movedRID := lsv.RIDAt(lsv.Size() - 1)
		lsv.RemoveAt(lsv.Size() - 1)
		lv.InsertAt(0, movedKey, movedRID)
		piv.ReplaceKeyAt(slot, movedKey)
		return
	}

	iv := page.Internal(node.RawPage(), t.keySize)
	liv := page.Internal(leftSib.RawPage(), t.keySize)

	movedChild := liv.ChildAt(liv.Size() - 1)
	movedKey := append([]byte(nil), liv.KeyAt(liv.Size()-1)...)
	oldSep := append([]byte(nil), piv.KeyAt(slot)...)
	oldChild0 := iv.ChildAt(0)

	type entry struct {
		key   []byte
		child common.PageID
	}
	rest := make([]entry, 0, iv.Size())
	for i := 1; i < iv.Size(); i++ {
		rest = append(rest, entry{append([]byte(nil), iv.KeyAt(i)...), iv.ChildAt(i)})
	}

	liv.RemoveAt(liv.Size() - 1)

	iv.InitWithChild0(movedChild)
	iv.InsertAt(1, oldSep, oldChild0)
	for _, e := range rest {
		iv.InsertAt(iv.Size(), e.key, e.child)
	}
	piv.ReplaceKeyAt(slot, movedKey)
}

func (t *Tree) borrowFromRight(piv page.InternalView, slot int, node, rightSib *bufferpool.WritePageGuard, typ page.Type) {
	if typ == page.TypeLeaf {
		lv := page.Leaf(node.RawPage(), t.keySize)
		rsv := page.Leaf(rightSib.RawPage(), t.keySize)

		movedKey := append([]byte(nil), rsv.KeyAt(0)...)
		movedRID := rsv.RIDAt(0)
		rsv.RemoveAt(0)
		lv.InsertAt(lv.Size(), movedKey, movedRID)
		piv.ReplaceKeyAt(slot+1, append([]byte(nil), rsv.KeyAt(0)...))
		return
	}

	iv := page.Internal(node.RawPage(), t.keySize)
	riv := page.Internal(rightSib.RawPage(), t.keySize)

	movedChild := riv.ChildAt(0)
	sepForNode := append([]byte(nil), piv.KeyAt(slot+1)...)
	movedUpKey := append([]byte(nil), riv.KeyAt(1)...)
	newChild0 := riv.ChildAt(1)

	type entry struct {
		key   []byte
		child common.PageID
	}
	rest := make([]entry, 0, riv.Size())
	for i := 2; i < riv.Size(); i++ {
		rest = append(rest, entry{append([]byte(nil), riv.KeyAt(i)...), riv.ChildAt(i)})
	}

	iv.InsertAt(iv.Size(), sepForNode, movedChild)

	riv.InitWithChild0(newChild0)
	for _, e := range rest {
		riv.InsertAt(riv.Size(), e.key, e.child)
	}
	piv.ReplaceKeyAt(slot+1, movedUpKey)
}

// mergeIntoLeft absorbs node (at slot) into leftSib (at slot-1), removing
// node's slot from the parent.
func (t *Tree) mergeIntoLeft(piv page.InternalView, slot int, leftSib, node *bufferpool.WritePageGuard, typ page.Type) {
	if typ == page.TypeLeaf {
		lsv := page.Leaf(leftSib.RawPage(), t.keySize)
		lv := page.Leaf(node.RawPage(), t.keySize)
		for i := 0; i < lv.Size(); i++ {
			lsv.InsertAt(lsv.Size(), lv.KeyAt(i), lv.RIDAt(i))
		}
		lsv.SetNextPageID(lv.NextPageID())
		piv.RemoveAt(slot)
		return
	}

	liv := page.Internal(leftSib.RawPage(), t.keySize)
	iv := page.Internal(node.RawPage(), t.keySize)
	liv.InsertAt(liv.Size(), piv.KeyAt(slot), iv.ChildAt(0))
	for i := 1; i < iv.Size(); i++ {
		liv.InsertAt(liv.Size(), iv.KeyAt(i), iv.ChildAt(i))
	}
	piv.RemoveAt(slot)
}

// mergeRightIntoNode absorbs rightSib (at slot+1) into node (at slot),
// removing rightSib's slot from the parent.
func (t *Tree) mergeRightIntoNode(piv page.InternalView, slot int, node, rightSib *bufferpool.WritePageGuard, typ page.Type) {
	if typ == page.TypeLeaf {
		lv := page.Leaf(node.RawPage(), t.keySize)
		rsv := page.Leaf(rightSib.RawPage(), t.keySize)
		for i := 0; i < rsv.Size(); i++ {
			lv.InsertAt(lv.Size(), rsv.KeyAt(i), rsv.RIDAt(i))
		}
		lv.SetNextPageID(rsv.NextPageID())
		piv.RemoveAt(slot + 1)
		return
	}

	iv := page.Internal(node.RawPage(), t.keySize)
	riv := page.Internal(rightSib.RawPage(), t.keySize)
	iv.InsertAt(iv.Size(), piv.KeyAt(slot+1), riv.ChildAt(0))
	for i := 1; i < riv.Size(); i++ {
		iv.InsertAt(iv.Size(), riv.KeyAt(i), riv.ChildAt(i))
	}
	piv.RemoveAt(slot + 1)
}
