// Package disk implements the out-of-scope disk I/O collaborator:
// synchronous read_page/write_page of a fixed byte size, plus page-id
// allocation. Two implementations share the common.DiskManager contract,
// mirroring the reference's split between a real file-backed manager and an
// in-memory one used by tests.
package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/eduquery/dbcore/assert"
	"github.com/eduquery/dbcore/common"
)

// PageSize is the fixed block size every page addresses.
const PageSize = 4096

const fileOpenFlags = os.O_RDWR | os.O_CREATE

// FileManager is the afero-backed implementation: pages live in one file
// per FileID, page id N at byte offset N*PageSize. Using afero.Fs instead of
// the os package directly — as the reference's systemcatalog package does —
// lets tests exercise it against afero.NewMemMapFs() with no real files.
type FileManager struct {
	mu    sync.Mutex
	fs    afero.Fs
	paths map[common.FileID]string
	// nextPageID tracks the next page id to hand out per file; allocation is
	// a pure in-memory counter, the file itself only grows lazily on write.
	nextPageID map[common.FileID]common.PageID
}

var _ common.DiskManager = (*FileManager)(nil)

// NewFileManager constructs a FileManager over fs, with one backing file per
// entry of paths.
func NewFileManager(fs afero.Fs, paths map[common.FileID]string) *FileManager {
	next := make(map[common.FileID]common.PageID, len(paths))
	for fileID := range paths {
		next[fileID] = 0
	}
	return &FileManager{
		fs:         fs,
		paths:      paths,
		nextPageID: next,
	}
}

// RegisterFile adds a new file to the manager so pages can be allocated in
// it. Mirrors the reference's InsertToFileMap.
func (m *FileManager) RegisterFile(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths[id] = path
	if _, ok := m.nextPageID[id]; !ok {
		m.nextPageID[id] = 0
	}
}

func (m *FileManager) pathFor(fileID common.FileID) (string, error) {
	path, ok := m.paths[fileID]
	if !ok {
		return "", fmt.Errorf("disk: fileID %d has no registered path", fileID)
	}
	return path, nil
}

func (m *FileManager) ReadPage(pageIdent common.PageIdentity, buf []byte) error {
	assert.Assert(len(buf) == PageSize, "read buffer must be exactly %d bytes", PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.pathFor(pageIdent.FileID)
	if err != nil {
		return err
	}

	f, err := m.fs.Open(path)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", path, err)
	}
	defer f.Close()

	offset := int64(pageIdent.PageID) * PageSize
	if _, err := f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("disk: read page %s: %w", pageIdent, err)
	}
	return nil
}

func (m *FileManager) WritePage(pageIdent common.PageIdentity, buf []byte) error {
	assert.Assert(len(buf) == PageSize, "write buffer must be exactly %d bytes", PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.pathFor(pageIdent.FileID)
	if err != nil {
		return err
	}

	f, err := m.fs.OpenFile(path, fileOpenFlags, 0o600)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", path, err)
	}
	defer f.Close()

	offset := int64(pageIdent.PageID) * PageSize
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk: write page %s: %w", pageIdent, err)
	}
	return nil
}

func (m *FileManager) AllocatePage(fileID common.FileID) (common.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths[fileID]; !ok {
		return 0, fmt.Errorf("disk: fileID %d has no registered path", fileID)
	}

	id := m.nextPageID[fileID]
	m.nextPageID[fileID] = id + 1
	return id, nil
}

func (m *FileManager) DeallocatePage(common.PageIdentity) error {
	// Space reclamation is a free-list concern of the (out-of-scope) table
	// heap / catalog layer; this collaborator only hands out fresh ids.
	return nil
}

// MemoryManager is a pure in-memory DiskManager, for tests that want a
// working collaborator with no filesystem at all. Mirrors the reference's
// InMemoryManager.
type MemoryManager struct {
	mu         sync.Mutex
	pages      map[common.PageIdentity][]byte
	nextPageID map[common.FileID]common.PageID
}

var _ common.DiskManager = (*MemoryManager)(nil)

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pages:      make(map[common.PageIdentity][]byte),
		nextPageID: make(map[common.FileID]common.PageID),
	}
}

func (m *MemoryManager) ReadPage(pageIdent common.PageIdentity, buf []byte) error {
	assert.Assert(len(buf) == PageSize, "read buffer must be exactly %d bytes", PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.pages[pageIdent]
	if !ok {
		// A page that was allocated but never written reads as zeroes,
		// matching a freshly extended file.
		clear(buf)
		return nil
	}
	copy(buf, data)
	return nil
}

func (m *MemoryManager) WritePage(pageIdent common.PageIdentity, buf []byte) error {
	assert.Assert(len(buf) == PageSize, "write buffer must be exactly %d bytes", PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, PageSize)
	copy(stored, buf)
	m.pages[pageIdent] = stored
	return nil
}

func (m *MemoryManager) AllocatePage(fileID common.FileID) (common.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextPageID[fileID]
	m.nextPageID[fileID] = id + 1
	return id, nil
}

func (m *MemoryManager) DeallocatePage(pageIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pages, pageIdent)
	return nil
}
