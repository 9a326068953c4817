package bptree

import (
	"github.com/eduquery/dbcore/bufferpool"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/page"
)

// Iterator is a forward-only range scan over the leaf linked list. It
// holds a read latch on exactly one leaf at a time: when it moves past the
// end of a leaf it reads that leaf's next-page link, releases the leaf, and
// only then latches the next one, so it never holds two leaf latches at once.
type Iterator struct {
	t     *Tree
	leaf  *bufferpool.ReadPageGuard
	index int
	valid bool
}

// Begin starts a full forward scan at the smallest key in the tree.
func (t *Tree) Begin() (*Iterator, error) {
	return t.seek(nil)
}

// Seek starts a forward scan at the first key >= target.
func (t *Tree) Seek(target []byte) (*Iterator, error) {
	return t.seek(target)
}

func (t *Tree) seek(target []byte) (*Iterator, error) {
	hg, err := t.bpm.FetchPageRead(t.header)
	if err != nil {
		return nil, err
	}
	root := page.Header(hg.RawPage()).RootPageID()
	if !root.IsValid() {
		hg.Drop()
		return &Iterator{t: t, valid: false}, nil
	}

	cur, err := t.bpm.FetchPageRead(t.childIdent(root))
	hg.Drop()
	if err != nil {
		return nil, err
	}
	for page.TypeOf(cur.RawPage()) == page.TypeInternal {
		iv := page.Internal(cur.RawPage(), t.keySize)
		var idx int
		if target == nil {
			idx = 0
		} else {
			idx = iv.LowerBound(target, t.cmp)
		}
		child, err := t.bpm.FetchPageRead(t.childIdent(iv.ChildAt(idx)))
		cur.Drop()
		if err != nil {
			return nil, err
		}
		cur = child
	}

	lv := page.Leaf(cur.RawPage(), t.keySize)
	idx := 0
	if target != nil {
		idx = lv.LowerBound(target, t.cmp)
	}
	it := &Iterator{t: t, leaf: cur, index: idx, valid: true}
	it.skipToNonEmpty()
	return it, nil
}

// skipToNonEmpty advances across empty trailing leaves (possible right
// after a merge leaves a now-empty leaf still linked in briefly) until a
// usable entry or the end of the chain is found.
func (it *Iterator) skipToNonEmpty() {
	for it.valid {
		lv := page.Leaf(it.leaf.RawPage(), it.t.keySize)
		if it.index < lv.Size() {
			return
		}
		next := lv.NextPageID()
		it.leaf.Drop()
		if !next.IsValid() {
			it.valid = false
			return
		}
		nextG, err := it.t.bpm.FetchPageRead(it.t.childIdent(next))
		if err != nil {
			it.valid = false
			return
		}
		it.leaf = nextG
		it.index = 0
	}
}

// Valid reports whether Key/RID are safe to call.
func (it *Iterator) Valid() bool { return it.valid }

func (it *Iterator) Key() []byte {
	lv := page.Leaf(it.leaf.RawPage(), it.t.keySize)
	return lv.KeyAt(it.index)
}

func (it *Iterator) RID() common.RID {
	lv := page.Leaf(it.leaf.RawPage(), it.t.keySize)
	return lv.RIDAt(it.index)
}

// Next advances to the following entry. Returns false once exhausted.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.index++
	it.skipToNonEmpty()
	return it.valid
}

// Close releases whatever leaf latch the iterator is holding. Safe to call
// on an exhausted or already-closed iterator.
func (it *Iterator) Close() {
	if it.leaf != nil {
		it.leaf.Drop()
		it.leaf = nil
	}
	it.valid = false
}
