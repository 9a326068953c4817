// Package page implements the fixed-size page type — a 4 KiB byte buffer
// with its own reader/writer latch — plus the three on-page layouts the
// B+ tree persists: header, internal, and leaf. Pages are latched
// individually (never through the buffer pool's own mutex), the same
// shape the reference gives its SlottedPage.
package page

import (
	"encoding/binary"
	"sync"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
)

// Size is the fixed page size (4 KiB).
const Size = 4096

// Page is one frame's worth of bytes plus a per-page reader/writer latch:
// every frame carries its own, rather than sharing the pool's mutex.
type Page struct {
	mu   sync.RWMutex
	data [Size]byte
}

var _ common.Page = (*Page)(nil)

func New() *Page {
	return &Page{}
}

func (p *Page) Lock()    { p.mu.Lock() }
func (p *Page) Unlock()  { p.mu.Unlock() }
func (p *Page) RLock()   { p.mu.RLock() }
func (p *Page) RUnlock() { p.mu.RUnlock() }

func (p *Page) GetData() []byte {
	return p.data[:]
}

func (p *Page) SetData(d []byte) {
	assert.Assert(len(d) == Size, "page data must be exactly %d bytes, got %d", Size, len(d))
	copy(p.data[:], d)
}

// Zero clears the page content in place, used when a frame is reused for a
// freshly allocated page.
func (p *Page) Zero() {
	clear(p.data[:])
}

// Type tags which of the three on-disk layouts a page currently holds: a
// tagged variant in the header, downcast by tag, no virtual dispatch across
// page boundaries.
type Type byte

const (
	TypeInvalid  Type = 0
	TypeHeader   Type = 1
	TypeInternal Type = 2
	TypeLeaf     Type = 3
)

// Common layout offsets shared by every page type. Byte 0 is always the
// type tag so a page is self-describing.
const (
	offType = 0
	offBody = 8 // leave room for the tag plus future flags without reshuffling
)

func TypeOf(p *Page) Type {
	return Type(p.data[offType])
}

func setType(p *Page, t Type) {
	p.data[offType] = byte(t)
}

// --- header page --------------------------------------------------------

// Header page layout: [type][root page id (8 bytes)].
const offHeaderRoot = offBody

// HeaderView interprets a page as the single B+ tree header page that
// stores the current root page id.
type HeaderView struct{ p *Page }

func Header(p *Page) HeaderView { return HeaderView{p} }

func (h HeaderView) Init() {
	setType(h.p, TypeHeader)
	h.SetRootPageID(common.InvalidPageID)
}

func (h HeaderView) RootPageID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint64(h.p.data[offHeaderRoot:]))
}

func (h HeaderView) SetRootPageID(id common.PageID) {
	binary.LittleEndian.PutUint64(h.p.data[offHeaderRoot:], uint64(id))
}

func (h HeaderView) IsEmpty() bool {
	return !h.RootPageID().IsValid()
}

// --- internal page -------------------------------------------------------

// Internal page layout: [type][size (2 bytes)][entries...]
// entry i = [key (keySize bytes)][child page id (8 bytes)]. Slot 0's key
// bytes exist (fixed stride) but are never read; the separator for child 0
// is inherited from the parent.
const (
	offInternalSize = offBody
	offInternalBody = offBody + 2
)

type InternalView struct {
	p       *Page
	keySize int
}

func Internal(p *Page, keySize int) InternalView {
	return InternalView{p: p, keySize: keySize}
}

func (v InternalView) stride() int {
	return v.keySize + 8
}

func (v InternalView) Init() {
	setType(v.p, TypeInternal)
	v.setSize(0)
}

func (v InternalView) Size() int {
	return int(binary.LittleEndian.Uint16(v.p.data[offInternalSize:]))
}

func (v InternalView) setSize(n int) {
	binary.LittleEndian.PutUint16(v.p.data[offInternalSize:], uint16(n))
}

func (v InternalView) entryOffset(i int) int {
	return offInternalBody + i*v.stride()
}

// KeyAt returns slot i's separator key. Slot 0's key is meaningless per the
// shape invariant and callers should not rely on its value.
func (v InternalView) KeyAt(i int) []byte {
	off := v.entryOffset(i)
	return v.p.data[off : off+v.keySize]
}

func (v InternalView) setKeyAt(i int, key []byte) {
	assert.Assert(len(key) == v.keySize, "key length mismatch: want %d got %d", v.keySize, len(key))
	off := v.entryOffset(i)
	copy(v.p.data[off:off+v.keySize], key)
}

// ReplaceKeyAt overwrites slot i's separator key in place, without moving
// any other slot. Used when rebalancing changes a child's minimum key but
// not its position.
func (v InternalView) ReplaceKeyAt(i int, key []byte) {
	assert.Assert(i >= 1 && i < v.Size(), "internal replace-key index %d out of range [1,%d)", i, v.Size())
	v.setKeyAt(i, key)
}

func (v InternalView) ChildAt(i int) common.PageID {
	off := v.entryOffset(i) + v.keySize
	return common.PageID(binary.LittleEndian.Uint64(v.p.data[off:]))
}

func (v InternalView) setChildAt(i int, child common.PageID) {
	off := v.entryOffset(i) + v.keySize
	binary.LittleEndian.PutUint64(v.p.data[off:], uint64(child))
}

// InitRoot writes a brand-new internal root with a single separator,
// used when a split propagates past the old root.
func (v InternalView) InitRoot(leftChild common.PageID, separator []byte, rightChild common.PageID) {
	v.Init()
	v.setChildAt(0, leftChild)
	v.setSize(1)
	v.InsertAt(1, separator, rightChild)
}

// InitWithChild0 starts a fresh internal node with only its leftmost child
// set and no separators yet, for callers that build up a split-off sibling
// one InsertAt call at a time.
func (v InternalView) InitWithChild0(child common.PageID) {
	v.Init()
	v.setChildAt(0, child)
	v.setSize(1)
}

// InsertAt shifts slots [i, size) right by one and writes (key, child) into
// slot i. Caller is responsible for checking capacity beforehand.
func (v InternalView) InsertAt(i int, key []byte, child common.PageID) {
	n := v.Size()
	assert.Assert(i >= 1 && i <= n, "internal insert index %d out of range [1,%d]", i, n)

	for j := n; j > i; j-- {
		v.setKeyAt(j, v.KeyAt(j-1))
		v.setChildAt(j, v.ChildAt(j-1))
	}
	v.setKeyAt(i, key)
	v.setChildAt(i, child)
	v.setSize(n + 1)
}

// RemoveAt shift-deletes slot i (i must be >= 1; slot 0 is never removed —
// callers that need a different slot-0 child rebuild the node with
// InitWithChild0).
func (v InternalView) RemoveAt(i int) {
	n := v.Size()
	assert.Assert(i >= 1 && i < n, "internal remove index %d out of range [1,%d)", i, n)

	for j := i; j < n-1; j++ {
		v.setKeyAt(j, v.KeyAt(j+1))
		v.setChildAt(j, v.ChildAt(j+1))
	}
	v.setSize(n - 1)
}

// LowerBound returns the index of the rightmost slot whose separator key is
// <= target, i.e. the child slot whose subtree could contain target. Slot 0
// always qualifies since its key is unbounded below.
func (v InternalView) LowerBound(target []byte, cmp common.Comparator) int {
	n := v.Size()
	lo, hi := 1, n // search slots [1, n)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(v.KeyAt(mid), target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// --- leaf page -----------------------------------------------------------

// Leaf page layout: [type][size (2 bytes)][next page id (8 bytes)][entries...]
// entry i = [key (keySize bytes)][RID: fileID(8) pageID(8) slot(2) = 18 bytes].
const (
	offLeafSize    = offBody
	offLeafNext    = offBody + 2
	offLeafBody    = offBody + 2 + 8
	ridEncodedSize = 18
)

type LeafView struct {
	p       *Page
	keySize int
}

func Leaf(p *Page, keySize int) LeafView {
	return LeafView{p: p, keySize: keySize}
}

func (v LeafView) stride() int {
	return v.keySize + ridEncodedSize
}

func (v LeafView) Init() {
	setType(v.p, TypeLeaf)
	v.setSize(0)
	v.SetNextPageID(common.InvalidPageID)
}

func (v LeafView) Size() int {
	return int(binary.LittleEndian.Uint16(v.p.data[offLeafSize:]))
}

func (v LeafView) setSize(n int) {
	binary.LittleEndian.PutUint16(v.p.data[offLeafSize:], uint16(n))
}

func (v LeafView) NextPageID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint64(v.p.data[offLeafNext:]))
}

func (v LeafView) SetNextPageID(id common.PageID) {
	binary.LittleEndian.PutUint64(v.p.data[offLeafNext:], uint64(id))
}

func (v LeafView) entryOffset(i int) int {
	return offLeafBody + i*v.stride()
}

func (v LeafView) KeyAt(i int) []byte {
	off := v.entryOffset(i)
	return v.p.data[off : off+v.keySize]
}

func (v LeafView) setKeyAt(i int, key []byte) {
	assert.Assert(len(key) == v.keySize, "key length mismatch: want %d got %d", v.keySize, len(key))
	off := v.entryOffset(i)
	copy(v.p.data[off:off+v.keySize], key)
}

func (v LeafView) RIDAt(i int) common.RID {
	off := v.entryOffset(i) + v.keySize
	return decodeRID(v.p.data[off : off+ridEncodedSize])
}

func (v LeafView) setRIDAt(i int, rid common.RID) {
	off := v.entryOffset(i) + v.keySize
	encodeRID(v.p.data[off:off+ridEncodedSize], rid)
}

func encodeRID(buf []byte, rid common.RID) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(rid.PageID.FileID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(rid.PageID.PageID))
	binary.LittleEndian.PutUint16(buf[16:], rid.SlotNum)
}

func decodeRID(buf []byte) common.RID {
	return common.RID{
		PageID: common.PageIdentity{
			FileID: common.FileID(binary.LittleEndian.Uint64(buf[0:])),
			PageID: common.PageID(binary.LittleEndian.Uint64(buf[8:])),
		},
		SlotNum: binary.LittleEndian.Uint16(buf[16:]),
	}
}

// Find returns the slot index of an exact key match, or (-1, false).
func (v LeafView) Find(target []byte, cmp common.Comparator) (int, bool) {
	n := v.Size()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(v.KeyAt(mid), target)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1, false
}

// LowerBound returns the index of the first entry with key >= target.
func (v LeafView) LowerBound(target []byte, cmp common.Comparator) int {
	n := v.Size()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(v.KeyAt(mid), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertAt shifts slots [i, size) right by one and writes (key, rid) into
// slot i.
func (v LeafView) InsertAt(i int, key []byte, rid common.RID) {
	n := v.Size()
	assert.Assert(i >= 0 && i <= n, "leaf insert index %d out of range [0,%d]", i, n)

	for j := n; j > i; j-- {
		v.setKeyAt(j, v.KeyAt(j-1))
		v.setRIDAt(j, v.RIDAt(j-1))
	}
	v.setKeyAt(i, key)
	v.setRIDAt(i, rid)
	v.setSize(n + 1)
}

// RemoveAt shift-deletes slot i.
func (v LeafView) RemoveAt(i int) {
	n := v.Size()
	assert.Assert(i >= 0 && i < n, "leaf remove index %d out of range [0,%d)", i, n)

	for j := i; j < n-1; j++ {
		v.setKeyAt(j, v.KeyAt(j+1))
		v.setRIDAt(j, v.RIDAt(j+1))
	}
	v.setSize(n - 1)
}

// MaxLeafEntries and MaxInternalEntries report how many (key,value) slots
// fit in the body given a key size, useful for callers that want to derive
// a default max_size from PageSize instead of hard-coding one.
func MaxLeafEntries(keySize int) int {
	return (Size - offLeafBody) / (keySize + ridEncodedSize)
}

func MaxInternalEntries(keySize int) int {
	return (Size - offInternalBody) / (keySize + 8)
}
