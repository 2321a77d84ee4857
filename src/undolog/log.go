package undolog

import (
	"sync"

	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

type PersistenceLevel uint8

const (
	Permanent PersistenceLevel = iota
	Unlogged
	Temporary

	PersistenceLevels = 3
)

func (p PersistenceLevel) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Unlogged:
		return "unlogged"
	case Temporary:
		return "temporary"
	}
	panic("invalid persistence level")
}

// Meta is the mutable per-log state the allocator maintains. Insert and
// LastXactStart are raw offsets (record starts); Discard mirrors the
// reclaim watermark for the cheap no-lock check.
type Meta struct {
	Insert        UndoLogOffset
	Discard       UndoLogOffset
	LastXactStart UndoLogOffset
	PrevLen       uint16
	Persistence   PersistenceLevel
}

// Log is one append-only page-structured undo byte stream.
//
// Two locks with distinct jobs: mu guards the allocation metadata.
// discardMu is the reader/reclaimer coordination point: a reader holds
// it shared while trusting log contents, the reclaimer holds it
// exclusive while advancing oldestData.
type Log struct {
	No LogNumber

	mu   sync.Mutex
	meta Meta

	discardMu  sync.RWMutex
	oldestData UndoRecPtr // InvalidUndoRecPtr until the reclaimer initializes it
}

func newLog(no LogNumber, persistence PersistenceLevel) *Log {
	return &Log{
		No: no,
		meta: Meta{
			Insert:      page.HeaderSize,
			Persistence: persistence,
		},
	}
}

func (l *Log) Meta() Meta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

func (l *Log) Persistence() PersistenceLevel {
	// immutable after creation
	return l.meta.Persistence
}

func (l *Log) AcquireDiscardShared()    { l.discardMu.RLock() }
func (l *Log) ReleaseDiscardShared()    { l.discardMu.RUnlock() }
func (l *Log) AcquireDiscardExclusive() { l.discardMu.Lock() }
func (l *Log) ReleaseDiscardExclusive() { l.discardMu.Unlock() }

// IsDiscardedAssumeShared reports whether ptr lies below the reclaim
// watermark. The caller must hold the discard lock shared; when the
// watermark is not initialized yet the lock is dropped, the allocator's
// cheaper check consulted, and the lock re-acquired, so the common
// "nothing discarded yet" case never blocks on the reclaimer.
//
// When true is returned the shared lock has been RELEASED.
func (l *Log) IsDiscardedAssumeShared(ptr UndoRecPtr, fastPath func(UndoRecPtr) bool) bool {
	if !l.oldestData.IsValid() {
		l.discardMu.RUnlock()
		if fastPath(ptr) {
			return true
		}
		l.discardMu.RLock()
	}

	if l.oldestData.IsValid() && ptr < l.oldestData {
		l.discardMu.RUnlock()
		return true
	}

	return false
}

// advanceOldestData moves the watermark forward. Only the reclaimer
// calls this, holding the discard lock exclusively.
func (l *Log) advanceOldestDataAssumeExclusive(ptr UndoRecPtr) {
	if ptr > l.oldestData {
		l.oldestData = ptr
	}
}
