package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

const noFrame = ^uint64(0)

var (
	ErrNoFreeFrames = errors.New("no unpinned frames left in the buffer pool")
)

// ReadMode controls whether a page's current content matters to the caller.
type ReadMode uint8

const (
	// ReadModeNormal reads the block from disk unless it is already cached.
	ReadModeNormal ReadMode = iota

	// ReadModeZero skips the disk read and hands out a zeroed page.
	// Undo log writes are append-only: when the first byte to be written
	// is the page's first usable byte, nothing meaningful can exist there.
	ReadModeZero
)

// BufferPool is the page-cache surface the undo layers depend on.
type BufferPool interface {
	GetPage(pIdent common.PageIdentity, mode ReadMode) (*page.UndoPage, error)
	Unpin(pIdent common.PageIdentity)
	MarkDirty(pIdent common.PageIdentity)
	FlushAllPages() error
}

type Replacer interface {
	Pin(pageID common.PageIdentity)
	Unpin(pageID common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error)
	GetSize() uint64
}

type DiskManager interface {
	ReadPage(pg *page.UndoPage, pageIdent common.PageIdentity) error
	WritePage(lockedPage *page.UndoPage, pageIdent common.PageIdentity) error
}

type frameInfo struct {
	frameID  uint64
	pinCount uint64
}

// Manager is a pin-counted page cache over the undo log files. All the
// latching of individual pages is the caller's business; the pool only
// guarantees that a pinned page is never evicted or its frame reused.
type Manager struct {
	poolSize uint64

	mu          sync.Mutex
	pageTable   map[common.PageIdentity]frameInfo
	frames      []page.UndoPage
	emptyFrames []uint64
	dirty       map[common.PageIdentity]struct{}

	replacer    Replacer
	diskManager DiskManager
}

var _ BufferPool = &Manager{}

func New(poolSize uint64, replacer Replacer, diskManager DiskManager) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		emptyFrames[i] = uint64(i)
	}

	return &Manager{
		poolSize:    poolSize,
		mu:          sync.Mutex{},
		pageTable:   map[common.PageIdentity]frameInfo{},
		frames:      make([]page.UndoPage, poolSize),
		emptyFrames: emptyFrames,
		dirty:       map[common.PageIdentity]struct{}{},
		replacer:    replacer,
		diskManager: diskManager,
	}
}

// GetPage pins the requested page and returns it. The pin is held until a
// matching Unpin; a page may be pinned multiple times.
func (m *Manager) GetPage(
	requestedPage common.PageIdentity,
	mode ReadMode,
) (*page.UndoPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameInfo, ok := m.pageTable[requestedPage]; ok {
		m.pin(requestedPage)
		return &m.frames[frameInfo.frameID], nil
	}

	frameID := m.reserveFrame()
	if frameID == noFrame {
		var err error
		frameID, err = m.evictVictim()
		if err != nil {
			return nil, err
		}
	}

	pg := &m.frames[frameID]
	if mode == ReadModeZero {
		pg.Init()
		pg.UnsafeInitLatch()
	} else if err := m.diskManager.ReadPage(pg, requestedPage); err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	m.pageTable[requestedPage] = frameInfo{
		frameID:  frameID,
		pinCount: 1,
	}
	m.replacer.Pin(requestedPage)

	return pg, nil
}

func (m *Manager) Unpin(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameInfo, ok := m.pageTable[pIdent]
	assert.Assert(ok, "couldn't unpin page %+v: page not found", pIdent)
	assert.Assert(
		frameInfo.pinCount > 0,
		"invalid pin count for page %+v: %d",
		pIdent,
		frameInfo.pinCount,
	)

	frameInfo.pinCount--
	m.pageTable[pIdent] = frameInfo
	if frameInfo.pinCount == 0 {
		m.replacer.Unpin(pIdent)
	}
}

func (m *Manager) pin(pIdent common.PageIdentity) {
	frameInfo, ok := m.pageTable[pIdent]
	assert.Assert(ok, "no frame for page: %+v", pIdent)

	frameInfo.pinCount++
	m.pageTable[pIdent] = frameInfo
	m.replacer.Pin(pIdent)
}

// MarkDirty records that the page must eventually be written back.
// The caller is expected to hold the page's latch.
func (m *Manager) MarkDirty(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pageTable[pIdent]
	assert.Assert(ok, "marking an unknown page dirty: %+v", pIdent)
	m.dirty[pIdent] = struct{}{}
}

func (m *Manager) reserveFrame() uint64 {
	if len(m.emptyFrames) > 0 {
		id := m.emptyFrames[len(m.emptyFrames)-1]
		m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
		return id
	}

	return noFrame
}

// evictVictim frees one unpinned frame, flushing it first if dirty.
// Expects m.mu to be held.
func (m *Manager) evictVictim() (uint64, error) {
	victimIdent, err := m.replacer.ChooseVictim()
	if err != nil {
		if errors.Is(err, ErrNoVictimAvailable) {
			return noFrame, ErrNoFreeFrames
		}
		return noFrame, err
	}

	victimInfo, ok := m.pageTable[victimIdent]
	assert.Assert(ok, "victim page %+v not found", victimIdent)
	assert.Assert(
		victimInfo.pinCount == 0,
		"victim page %+v is pinned",
		victimIdent,
	)

	victimPage := &m.frames[victimInfo.frameID]
	if err := m.flushAssumeLocked(victimPage, victimIdent); err != nil {
		m.replacer.Pin(victimIdent)
		m.replacer.Unpin(victimIdent)
		return noFrame, err
	}
	delete(m.pageTable, victimIdent)

	return victimInfo.frameID, nil
}

func (m *Manager) flushAssumeLocked(
	pg *page.UndoPage,
	pIdent common.PageIdentity,
) error {
	if _, ok := m.dirty[pIdent]; !ok {
		return nil
	}

	pg.RLock()
	err := m.diskManager.WritePage(pg, pIdent)
	pg.RUnlock()
	if err != nil {
		return err
	}

	delete(m.dirty, pIdent)
	return nil
}

func (m *Manager) FlushPage(pIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameInfo, ok := m.pageTable[pIdent]
	if !ok {
		return fmt.Errorf("page %+v is not cached", pIdent)
	}

	return m.flushAssumeLocked(&m.frames[frameInfo.frameID], pIdent)
}

func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for pIdent := range m.dirty {
		frameInfo, ok := m.pageTable[pIdent]
		assert.Assert(ok, "dirty page %+v not found", pIdent)

		err = errors.Join(
			err,
			m.flushAssumeLocked(&m.frames[frameInfo.frameID], pIdent),
		)
	}
	return err
}

// EnsureAllPagesUnpinned reports every page still holding a pin. Tests
// use it to verify that batch cleanup released everything it acquired.
func (m *Manager) EnsureAllPagesUnpinned() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := map[common.PageIdentity]uint64{}
	for pIdent, info := range m.pageTable {
		if info.pinCount != 0 {
			pinned[pIdent] = info.pinCount
		}
	}

	if len(pinned) > 0 {
		return fmt.Errorf("not all pages were properly unpinned: %+v", pinned)
	}
	return nil
}
