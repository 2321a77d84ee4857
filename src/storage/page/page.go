package page

import (
	"encoding/binary"
	"sync"
)

const (
	// Size is fixed system-wide; undo record pointers are converted to
	// (block, offset) pairs assuming it never changes.
	Size = 8192

	// HeaderSize bytes at the start of every page are reserved and never
	// hold record bytes. A record may *continue* right after the header
	// of the next page, but it never starts inside one.
	HeaderSize = 16

	UsableBytesPerPage = Size - HeaderSize
)

const (
	lsnOffset = 0
	lsnSize   = 8
)

// UndoPage is a fixed-size page of an undo log. Unlike a slotted heap
// page there is no line pointer array: records are packed back to back
// starting at HeaderSize and may spill into the next page.
type UndoPage struct {
	latch sync.RWMutex
	data  [Size]byte
}

func NewUndoPage() *UndoPage {
	p := &UndoPage{}
	p.Init()
	return p
}

// Init zeroes the page and stamps an empty header. Called whenever the
// first record byte lands on the page's first usable byte.
func (p *UndoPage) Init() {
	clear(p.data[:])
}

func (p *UndoPage) Lock()    { p.latch.Lock() }
func (p *UndoPage) Unlock()  { p.latch.Unlock() }
func (p *UndoPage) RLock()   { p.latch.RLock() }
func (p *UndoPage) RUnlock() { p.latch.RUnlock() }

// UnsafeInitLatch reinitializes the latch after the page's memory was
// reused for a different block. Callers must guarantee no one holds it.
func (p *UndoPage) UnsafeInitLatch() {
	p.latch = sync.RWMutex{}
}

// Data exposes the raw page bytes, header included. Offsets used by the
// record codec are offsets into this slice.
func (p *UndoPage) Data() []byte {
	return p.data[:]
}

func (p *UndoPage) SetData(d []byte) {
	copy(p.data[:], d)
}

func (p *UndoPage) PageLSN() uint64 {
	return binary.BigEndian.Uint64(p.data[lsnOffset : lsnOffset+lsnSize])
}

func (p *UndoPage) SetPageLSN(lsn uint64) {
	binary.BigEndian.PutUint64(p.data[lsnOffset:lsnOffset+lsnSize], lsn)
}
