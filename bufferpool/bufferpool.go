// Package bufferpool implements the fixed-capacity buffer pool manager: a
// contiguous array of frames, a page table, pin-count and dirty
// bookkeeping, and LRU-K-driven eviction with write-back. Grounded on the
// reference's src/bufferpool/bufferpool.go for the coarse-mutex /
// page-table / free-list / reserveFrame shape; the WAL-coupled dirty-page
// table and active-transaction table are dropped since logging/recovery is
// an out-of-scope collaborator here.
package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
	"github.com/eduquery/dbcore/page"
	"github.com/eduquery/dbcore/replacer"
)

// ErrNoSpaceLeft is returned when a fetch/new-page request needs a frame
// but every frame is pinned and nothing is evictable.
var ErrNoSpaceLeft = errors.New("bufferpool: no space left in the buffer pool")

const noFrame = ^replacer.FrameID(0)

type frameInfo struct {
	frameID  replacer.FrameID
	pinCount uint64
	dirty    bool
}

// Manager is the buffer pool: the fixed-capacity cache of disk pages that
// every other component reads and writes through.
type Manager struct {
	mu sync.Mutex

	poolSize  uint64
	frames    []*page.Page
	pageTable map[common.PageIdentity]frameInfo
	freeList  []replacer.FrameID

	replacer *replacer.LRUK
	disk     common.DiskManager

	// ioSem bounds concurrent write-back I/O during eviction.
	ioSem     *semaphore.Weighted
	flushPool *ants.Pool

	logger *zap.Logger
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds a buffer pool of poolSize frames backed by disk, evicting via
// an LRU-K replacer tracking the last k accesses per frame.
func New(poolSize uint64, k int, disk common.DiskManager, opts ...Option) *Manager {
	assert.Assert(poolSize > 0, "bufferpool: pool size must be > 0")

	freeList := make([]replacer.FrameID, poolSize)
	frames := make([]*page.Page, poolSize)
	for i := uint64(0); i < poolSize; i++ {
		freeList[i] = replacer.FrameID(i)
		frames[i] = page.New()
	}

	flushPool, err := ants.NewPool(4)
	assert.Assert(err == nil, "bufferpool: failed to build flush pool: %v", err)

	m := &Manager{
		frames:    frames,
		poolSize:  poolSize,
		pageTable: make(map[common.PageIdentity]frameInfo),
		freeList:  freeList,
		replacer:  replacer.New(poolSize, k),
		disk:      disk,
		ioSem:     semaphore.NewWeighted(int64(poolSize)),
		flushPool: flushPool,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) reserveFrame() (replacer.FrameID, bool) {
	if len(m.freeList) > 0 {
		id := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]
		return id, true
	}
	return noFrame, false
}

// evictVictim finds an evictable frame, writes it back if dirty, and
// removes it from the page table. Caller holds m.mu.
func (m *Manager) evictVictim() (replacer.FrameID, error) {
	victimFrame, err := m.replacer.Evict()
	if err != nil {
		return noFrame, ErrNoSpaceLeft
	}

	var victimIdent common.PageIdentity
	var victimInfo frameInfo
	found := false
	for ident, info := range m.pageTable {
		if info.frameID == victimFrame {
			victimIdent, victimInfo, found = ident, info, true
			break
		}
	}
	assert.Assert(found, "bufferpool: victim frame %d has no page table entry", victimFrame)
	assert.Assert(victimInfo.pinCount == 0, "bufferpool: victim page %s is pinned", victimIdent)

	victimPage := m.frames[victimInfo.frameID]
	if victimInfo.dirty {
		// Serialize writeback with the frame's write latch rather than
		// racing a concurrent flush or eviction of the same page.
		if err := m.writeBack(victimPage, victimIdent); err != nil {
			return noFrame, err
		}
	}

	delete(m.pageTable, victimIdent)
	m.logger.Debug("evicted frame", zap.Uint64("frame", uint64(victimFrame)), zap.Stringer("page", victimIdent))
	return victimFrame, nil
}

func (m *Manager) writeBack(p *page.Page, ident common.PageIdentity) error {
	if err := m.ioSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.ioSem.Release(1)

	p.Lock()
	defer p.Unlock()
	return m.disk.WritePage(ident, p.GetData())
}

// NewPage allocates a fresh page id and pins it into a frame. Returns
// (PageIdentity{}, nil, ErrNoSpaceLeft) if no frame is free and nothing is
// evictable.
func (m *Manager) NewPage(fileID common.FileID) (common.PageIdentity, *page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.reserveFrame()
	if !ok {
		var err error
		frameID, err = m.evictVictim()
		if err != nil {
			return common.PageIdentity{}, nil, err
		}
	}

	pageID, err := m.disk.AllocatePage(fileID)
	if err != nil {
		m.freeList = append(m.freeList, frameID)
		return common.PageIdentity{}, nil, err
	}
	ident := common.PageIdentity{FileID: fileID, PageID: pageID}

	frame := m.frames[frameID]
	frame.Zero()

	m.pageTable[ident] = frameInfo{frameID: frameID, pinCount: 1}
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	return ident, frame, nil
}

// FetchPage returns the requested page, pinned, fetching it from disk (via
// a free or evicted frame) if it is not already resident.
func (m *Manager) FetchPage(ident common.PageIdentity) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.pageTable[ident]; ok {
		info.pinCount++
		m.pageTable[ident] = info
		m.replacer.RecordAccess(info.frameID)
		m.replacer.SetEvictable(info.frameID, false)
		return m.frames[info.frameID], nil
	}

	frameID, ok := m.reserveFrame()
	if !ok {
		var err error
		frameID, err = m.evictVictim()
		if err != nil {
			return nil, err
		}
	}

	frame := m.frames[frameID]
	buf := make([]byte, page.Size)
	if err := m.disk.ReadPage(ident, buf); err != nil {
		m.freeList = append(m.freeList, frameID)
		return nil, fmt.Errorf("bufferpool: fetch %s: %w", ident, err)
	}
	frame.SetData(buf)

	m.pageTable[ident] = frameInfo{frameID: frameID, pinCount: 1}
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	return frame, nil
}

// UnpinPage decrements the page's pin count, marking the frame evictable
// once it reaches zero. dirty is sticky: once set, it stays set until the
// page is flushed. Returns false if the page isn't resident or is already
// unpinned.
func (m *Manager) UnpinPage(ident common.PageIdentity, dirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[ident]
	if !ok || info.pinCount == 0 {
		return false
	}

	info.pinCount--
	info.dirty = info.dirty || dirty
	m.pageTable[ident] = info

	if info.pinCount == 0 {
		m.replacer.SetEvictable(info.frameID, true)
	}
	return true
}

// FlushPage writes the page's current contents to disk and clears dirty.
// Succeeds iff the page is resident.
func (m *Manager) FlushPage(ident common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[ident]
	if !ok {
		return fmt.Errorf("bufferpool: flush %s: not resident", ident)
	}

	if err := m.writeBack(m.frames[info.frameID], ident); err != nil {
		return err
	}
	info.dirty = false
	m.pageTable[ident] = info
	return nil
}

// FlushAllPages writes back every dirty resident frame.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	idents := make([]common.PageIdentity, 0)
	for ident, info := range m.pageTable {
		if info.dirty {
			idents = append(idents, ident)
		}
	}
	m.mu.Unlock()

	type result struct{ err error }
	results := make(chan result, len(idents))
	for _, ident := range idents {
		ident := ident
		submitErr := m.flushPool.Submit(func() {
			results <- result{m.FlushPage(ident)}
		})
		if submitErr != nil {
			results <- result{m.FlushPage(ident)}
		}
	}

	var joined error
	for range idents {
		if r := <-results; r.err != nil {
			joined = errors.Join(joined, r.err)
		}
	}
	return joined
}

// DeletePage refuses to delete a pinned page. Otherwise it resets the
// frame, returns it to the free list, removes it from the replacer, and
// deallocates the page id. Returns true if the page was deleted or was
// already non-resident.
func (m *Manager) DeletePage(ident common.PageIdentity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[ident]
	if !ok {
		return true, nil
	}
	if info.pinCount > 0 {
		return false, nil
	}

	m.frames[info.frameID].Zero()
	delete(m.pageTable, ident)
	m.freeList = append(m.freeList, info.frameID)
	m.replacer.Remove(info.frameID)

	if err := m.disk.DeallocatePage(ident); err != nil {
		return false, err
	}
	return true, nil
}

// Close tears down the flush worker pool.
func (m *Manager) Close() {
	m.flushPool.Release()
}
