package bufferpool

import (
	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/page"
)

// BasicPageGuard owns one pin on a page without holding either latch: a
// move-only scoped guard a caller either upgrades to Read/Write, or drops
// directly to release the pin with no latch ever taken. Guards are handed
// out and used exclusively through pointers; there is no way to construct
// one outside this package, and Drop is safe to call more than once.
type BasicPageGuard struct {
	bpm     *Manager
	ident   common.PageIdentity
	pg      *page.Page
	dirty   bool
	dropped bool
}

func newBasicGuard(bpm *Manager, ident common.PageIdentity, pg *page.Page) *BasicPageGuard {
	return &BasicPageGuard{bpm: bpm, ident: ident, pg: pg}
}

// PageIdentity reports which page this guard pins.
func (g *BasicPageGuard) PageIdentity() common.PageIdentity { return g.ident }

// RawPage exposes the underlying page for codecs (package page) that need
// more structure than raw bytes. Only valid while unlatched — callers must
// upgrade before reading or writing through it.
func (g *BasicPageGuard) RawPage() *page.Page { return g.pg }

// MarkDirty flags the underlying page as dirty so Drop's unpin writes it
// back eventually, even if the caller never wrote through a WritePageGuard.
func (g *BasicPageGuard) MarkDirty() {
	assert.Assert(!g.dropped, "bufferpool: MarkDirty on dropped guard")
	g.dirty = true
}

// Drop releases the pin exactly once; later calls are no-ops.
func (g *BasicPageGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.bpm.UnpinPage(g.ident, g.dirty)
}

// UpgradeRead consumes this guard and returns a read-latched guard over the
// same page, matching the reference index code's "fetch then latch"
// sequencing rather than latching while the pool mutex is held.
func (g *BasicPageGuard) UpgradeRead() *ReadPageGuard {
	assert.Assert(!g.dropped, "bufferpool: UpgradeRead on dropped guard")
	g.dropped = true
	g.pg.RLock()
	return &ReadPageGuard{bpm: g.bpm, ident: g.ident, pg: g.pg}
}

// UpgradeWrite consumes this guard and returns a write-latched guard over
// the same page.
func (g *BasicPageGuard) UpgradeWrite() *WritePageGuard {
	assert.Assert(!g.dropped, "bufferpool: UpgradeWrite on dropped guard")
	g.dropped = true
	g.pg.Lock()
	return &WritePageGuard{bpm: g.bpm, ident: g.ident, pg: g.pg}
}

// ReadPageGuard holds a page's pin plus its reader latch.
type ReadPageGuard struct {
	bpm     *Manager
	ident   common.PageIdentity
	pg      *page.Page
	dropped bool
}

func (g *ReadPageGuard) PageIdentity() common.PageIdentity { return g.ident }

// Data exposes the page's bytes for decoding. Valid only until Drop.
func (g *ReadPageGuard) Data() []byte {
	assert.Assert(!g.dropped, "bufferpool: Data on dropped guard")
	return g.pg.GetData()
}

// RawPage exposes the underlying page, already read-latched, for codecs
// (package page) that operate on a *page.Page rather than raw bytes.
func (g *ReadPageGuard) RawPage() *page.Page { return g.pg }

// Drop releases the reader latch then the pin, exactly once.
func (g *ReadPageGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.pg.RUnlock()
	g.bpm.UnpinPage(g.ident, false)
}

// WritePageGuard holds a page's pin plus its writer latch.
type WritePageGuard struct {
	bpm     *Manager
	ident   common.PageIdentity
	pg      *page.Page
	dropped bool
}

func (g *WritePageGuard) PageIdentity() common.PageIdentity { return g.ident }

// Data exposes the page's bytes for reading in place.
func (g *WritePageGuard) Data() []byte {
	assert.Assert(!g.dropped, "bufferpool: Data on dropped guard")
	return g.pg.GetData()
}

// SetData overwrites the page's bytes and implicitly marks it dirty.
func (g *WritePageGuard) SetData(d []byte) {
	assert.Assert(!g.dropped, "bufferpool: SetData on dropped guard")
	g.pg.SetData(d)
}

// RawPage exposes the underlying page, already write-latched, for codecs
// (package page) that operate on a *page.Page rather than raw bytes.
func (g *WritePageGuard) RawPage() *page.Page { return g.pg }

// Drop releases the writer latch and the pin, marking the page dirty.
func (g *WritePageGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.pg.Unlock()
	g.bpm.UnpinPage(g.ident, true)
}

// FetchPageBasic pins ident and returns an unlatched guard.
func (m *Manager) FetchPageBasic(ident common.PageIdentity) (*BasicPageGuard, error) {
	pg, err := m.FetchPage(ident)
	if err != nil {
		return nil, err
	}
	return newBasicGuard(m, ident, pg), nil
}

// FetchPageRead pins ident and returns a read-latched guard.
func (m *Manager) FetchPageRead(ident common.PageIdentity) (*ReadPageGuard, error) {
	g, err := m.FetchPageBasic(ident)
	if err != nil {
		return nil, err
	}
	return g.UpgradeRead(), nil
}

// FetchPageWrite pins ident and returns a write-latched guard.
func (m *Manager) FetchPageWrite(ident common.PageIdentity) (*WritePageGuard, error) {
	g, err := m.FetchPageBasic(ident)
	if err != nil {
		return nil, err
	}
	return g.UpgradeWrite(), nil
}

// NewPageWrite allocates a fresh page and returns it write-latched, so the
// caller can initialize its layout before any other transaction can observe
// it.
func (m *Manager) NewPageWrite(fileID common.FileID) (*WritePageGuard, error) {
	ident, pg, err := m.NewPage(fileID)
	if err != nil {
		return nil, err
	}
	pg.Lock()
	return &WritePageGuard{bpm: m, ident: ident, pg: pg}, nil
}
