package undolog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
)

var (
	ErrNoSuchLog  = errors.New("no such undo log")
	ErrLogFull    = errors.New("undo log byte space exhausted")
	ErrUnknownXid = errors.New("no undo log registered for xid during replay")
)

// XLogMeta captures the log metadata at allocation time. The WAL record
// of the operation carries it so that replay can position the log
// exactly where the original run had it before reproducing the insert.
type XLogMeta struct {
	LogNo         LogNumber
	Insert        UndoLogOffset
	LastXactStart UndoLogOffset
	PrevLen       uint16
}

// LogFileStore is the slice of the disk layer the allocator needs:
// a file comes into existence when its log number is first allocated.
type LogFileStore interface {
	CreateLogFile(fileID common.FileID) error
}

// Allocator hands out monotonically increasing byte offsets within
// numbered undo logs and owns their metadata. A writing worker is
// attached to at most one log per persistence level; readers and the
// discard worker may touch any log concurrently.
type Allocator struct {
	mu        sync.Mutex
	logs      map[LogNumber]*Log
	attached  [PersistenceLevels]*Log
	nextLogNo LogNumber

	// xid -> log mapping rebuilt from replayed WAL metadata
	xidLogs map[common.TxnID]LogNumber

	files LogFileStore
}

func NewAllocator(files LogFileStore) *Allocator {
	return &Allocator{
		logs:    map[LogNumber]*Log{},
		xidLogs: map[common.TxnID]LogNumber{},
		files:   files,
	}
}

func (a *Allocator) GetLog(no LogNumber) (*Log, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log, ok := a.logs[no]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchLog, no)
	}
	return log, nil
}

// AttachedLog returns the log the worker currently appends to, creating
// one on first use.
func (a *Allocator) AttachedLog(persistence PersistenceLevel) (*Log, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attachedLogAssumeLocked(persistence)
}

func (a *Allocator) attachedLogAssumeLocked(persistence PersistenceLevel) (*Log, error) {
	if log := a.attached[persistence]; log != nil {
		return log, nil
	}

	log, err := a.createLogAssumeLocked(a.nextLogNo, persistence)
	if err != nil {
		return nil, err
	}
	a.attached[persistence] = log
	return log, nil
}

func (a *Allocator) createLogAssumeLocked(
	no LogNumber,
	persistence PersistenceLevel,
) (*Log, error) {
	if prev, ok := a.logs[no]; ok {
		return prev, nil
	}

	if err := a.files.CreateLogFile(common.FileID(no)); err != nil {
		return nil, fmt.Errorf("failed to create file for undo log %d: %w", no, err)
	}

	log := newLog(no, persistence)
	a.logs[no] = log
	if no >= a.nextLogNo {
		a.nextLogNo = no + 1
	}
	return log, nil
}

// Allocate reserves size bytes in the worker's attached log and returns
// the pointer to the reserved span's first byte. The insertion cursor is
// NOT moved; the caller advances it once the record's final size is
// settled (the transaction-header re-check may grow it).
//
// meta, when non-nil, receives the pre-allocation log state for WAL.
func (a *Allocator) Allocate(
	size int,
	persistence PersistenceLevel,
	meta *XLogMeta,
) (UndoRecPtr, error) {
	a.mu.Lock()
	log, err := a.attachedLogAssumeLocked(persistence)
	a.mu.Unlock()
	if err != nil {
		return InvalidUndoRecPtr, err
	}

	return a.allocateIn(log, size, meta)
}

func (a *Allocator) allocateIn(log *Log, size int, meta *XLogMeta) (UndoRecPtr, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	insert := NormalizeRecordStart(log.meta.Insert)
	if OffsetPlusUsableBytes(insert, size) > MaxLogSize {
		return InvalidUndoRecPtr, fmt.Errorf("%w: log %d", ErrLogFull, log.No)
	}
	log.meta.Insert = insert

	if meta != nil {
		*meta = XLogMeta{
			LogNo:         log.No,
			Insert:        insert,
			LastXactStart: log.meta.LastXactStart,
			PrevLen:       log.meta.PrevLen,
		}
	}

	return MakeUndoRecPtr(log.No, insert), nil
}

// RegisterXidLog records which log a transaction's undo went to. Replay
// registers the mapping from each WAL record's metadata before asking
// for space, so AllocateInRecovery reproduces the original pointers.
func (a *Allocator) RegisterXidLog(xid common.TxnID, meta XLogMeta, persistence PersistenceLevel) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	log, err := a.createLogAssumeLocked(meta.LogNo, persistence)
	if err != nil {
		return err
	}
	a.xidLogs[xid] = meta.LogNo

	// A gap means the WAL stream starts past this log's current state
	// (e.g. replay from a checkpoint). Fast-forward the whole snapshot,
	// not just the cursor, or the replayed record would compute its
	// backward links from stale state.
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.meta.Insert < meta.Insert {
		log.meta.Insert = meta.Insert
		log.meta.LastXactStart = meta.LastXactStart
		log.meta.PrevLen = meta.PrevLen
	}
	return nil
}

// AllocateInRecovery is the replay-path twin of Allocate: the log is
// chosen by the xid carried in the WAL, not by worker attachment.
func (a *Allocator) AllocateInRecovery(
	xid common.TxnID,
	size int,
	persistence PersistenceLevel,
) (UndoRecPtr, error) {
	if persistence == Temporary {
		return InvalidUndoRecPtr, fmt.Errorf(
			"temporary undo logs are never replayed: xid %d", xid,
		)
	}

	a.mu.Lock()
	logNo, ok := a.xidLogs[xid]
	var log *Log
	if ok {
		log = a.logs[logNo]
	}
	a.mu.Unlock()

	if log == nil {
		return InvalidUndoRecPtr, fmt.Errorf("%w: %d", ErrUnknownXid, xid)
	}

	return a.allocateIn(log, size, nil)
}

// Advance moves the insertion cursor past a record of the given size
// that starts at ptr.
func (a *Allocator) Advance(ptr UndoRecPtr, size int) {
	log, err := a.GetLog(ptr.LogNo())
	assert.NoError(err, "advancing a dropped log %d", ptr.LogNo())

	log.mu.Lock()
	defer log.mu.Unlock()

	assert.Assert(
		log.meta.Insert == ptr.Offset(),
		"out-of-order advance in log %d: insert=%d ptr=%d",
		log.No, log.meta.Insert, ptr.Offset(),
	)
	log.meta.Insert = NormalizeRecordStart(
		OffsetPlusUsableBytes(ptr.Offset(), size),
	)
}

// Rewind moves the insertion cursor back to ptr, the start of a record
// whose effects were rolled back, and restores the previous-record
// length that was in effect before that record was inserted. Rollback
// calls it after executing a transaction's undo actions so the space
// gets reused.
func (a *Allocator) Rewind(ptr UndoRecPtr, prevLen uint16) {
	log, err := a.GetLog(ptr.LogNo())
	assert.NoError(err, "rewinding a dropped log %d", ptr.LogNo())

	log.mu.Lock()
	defer log.mu.Unlock()

	assert.Assert(
		ptr.Offset() >= log.meta.Discard,
		"rewind below the discard watermark in log %d", log.No,
	)
	assert.Assert(
		ptr.Offset() <= log.meta.Insert,
		"rewind past the insertion point in log %d", log.No,
	)
	log.meta.Insert = ptr.Offset()
	log.meta.PrevLen = prevLen
}

func (a *Allocator) SetLastXactStartPoint(ptr UndoRecPtr) {
	log, err := a.GetLog(ptr.LogNo())
	assert.NoError(err)

	log.mu.Lock()
	defer log.mu.Unlock()
	log.meta.LastXactStart = ptr.Offset()
}

func (a *Allocator) SetPrevLen(no LogNumber, prevLen uint16) {
	log, err := a.GetLog(no)
	assert.NoError(err)

	log.mu.Lock()
	defer log.mu.Unlock()
	log.meta.PrevLen = prevLen
}

// IsDiscarded is the cheap check for pointers below the discarded
// region, usable without the discard lock. A missing log means the
// whole log was reclaimed.
func (a *Allocator) IsDiscarded(ptr UndoRecPtr) bool {
	log, err := a.GetLog(ptr.LogNo())
	if err != nil {
		return true
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	return ptr.Offset() < log.meta.Discard
}

// Discard advances the log's reclaim watermark up to (not including)
// ptr. Only the discard worker calls this; writers never have to
// coordinate because new records are always appended beyond any
// possible watermark.
func (a *Allocator) Discard(ptr UndoRecPtr) error {
	log, err := a.GetLog(ptr.LogNo())
	if err != nil {
		return err
	}

	log.AcquireDiscardExclusive()
	log.advanceOldestDataAssumeExclusive(ptr)
	log.ReleaseDiscardExclusive()

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.meta.Discard < ptr.Offset() {
		log.meta.Discard = ptr.Offset()
	}
	return nil
}

// Logs returns a stable snapshot of all known logs.
func (a *Allocator) Logs() []*Log {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Log, 0, len(a.logs))
	for _, log := range a.logs {
		out = append(out, log)
	}
	return out
}
