package undo

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/UndoDB/src/bufferpool"
	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

const (
	// DefaultBatchCapacity is how many records a batch holds unless the
	// caller enlarges it with SetCapacity. Two covers the common
	// non-inplace update, which needs one record per affected page.
	DefaultBatchCapacity = 2

	// maxPagesPerRecord bounds how many consecutive pages one record
	// may span. Callers must keep records under two pages' worth of
	// usable bytes; larger payloads belong in overflow storage.
	maxPagesPerRecord = 2
)

// EpochProvider reports the current epoch of a transaction id, used to
// disambiguate ids after counter wraparound.
type EpochProvider func(xid common.TxnID) common.XIDEpoch

// Manager owns the write and read paths of the undo record layer for
// one worker. It is not safe for concurrent use; each worker gets its
// own Manager over the shared buffer pool and log allocator.
type Manager struct {
	pool   bufferpool.BufferPool
	logs   *undolog.Allocator
	logger *zap.SugaredLogger

	epochFor EpochProvider

	// prevXid remembers, per persistence level, the transaction whose
	// record this worker inserted last. A different xid means the next
	// record starts a new transaction's chain.
	prevXid [undolog.PersistenceLevels]common.TxnID

	// lastInserted is kept per persistence level so rollback knows
	// where this worker's newest undo lives.
	lastInserted [undolog.PersistenceLevels]undolog.UndoRecPtr
}

func NewManager(
	pool bufferpool.BufferPool,
	logs *undolog.Allocator,
	logger *zap.SugaredLogger,
	epochFor EpochProvider,
) *Manager {
	if epochFor == nil {
		epochFor = func(common.TxnID) common.XIDEpoch { return 0 }
	}
	return &Manager{
		pool:     pool,
		logs:     logs,
		logger:   logger,
		epochFor: epochFor,
	}
}

// LastInsertedPtr returns the location of this worker's newest undo
// record at the given persistence level, or InvalidUndoRecPtr.
func (m *Manager) LastInsertedPtr(persistence undolog.PersistenceLevel) undolog.UndoRecPtr {
	return m.lastInserted[persistence]
}

// OnLogSwitch resets the per-persistence transaction memory. Call it
// whenever the attached log changes under this worker, so the next
// record is treated as a transaction start in the new log.
func (m *Manager) OnLogSwitch(persistence undolog.PersistenceLevel) {
	m.prevXid[persistence] = common.NilTxnID
}

// bufferSlot is one pinned page shared by every prepared record and
// chain patch of a batch that touches it.
type bufferSlot struct {
	ident common.PageIdentity
	pg    *page.UndoPage
}

type preparedRecord struct {
	ptr  undolog.UndoRecPtr
	rec  *Record
	size int

	bufIdx [maxPagesPerRecord]int
	nbuf   int
}

// chainPatch records where the previous transaction's start record
// keeps its next-transaction pointer, so Insert can stitch the chain.
type chainPatch struct {
	newStart  undolog.UndoRecPtr
	prevStart undolog.UndoRecPtr

	// patchPos is the byte position of the pointer within the page
	// holding bufIdx[0]; the write may run over into bufIdx[1].
	patchPos int
	bufIdx   [2]int
	nbuf     int
}

// Batch accumulates prepared records and their pinned pages, then
// writes them all at once. The two-phase shape exists because Insert
// runs inside a critical section where nothing is allowed to fail:
// every fallible step (allocation, page reads, pins) happens in
// Prepare, and Insert only copies bytes into already pinned memory.
//
// Lifecycle: NewBatch, zero or more Prepare calls, Insert, Cleanup.
// Cleanup is also the error path after a failed Prepare.
type Batch struct {
	mgr *Manager

	capacity int
	prepared []preparedRecord
	buffers  []bufferSlot
	patch    *chainPatch

	ws     codecWorkspace
	locked bool
}

func (m *Manager) NewBatch() *Batch {
	return &Batch{
		mgr:      m,
		capacity: DefaultBatchCapacity,
		prepared: make([]preparedRecord, 0, DefaultBatchCapacity),
	}
}

// SetCapacity enlarges the batch before the first Prepare call.
// Operations that produce more than DefaultBatchCapacity records (e.g.
// a multi-insert) must announce the count up front.
func (b *Batch) SetCapacity(n int) {
	assert.Assert(len(b.prepared) == 0, "capacity change with records already prepared")
	assert.Assert(n > 0, "batch capacity must be positive")

	b.capacity = n
	if cap(b.prepared) < n {
		b.prepared = make([]preparedRecord, 0, n)
	}
}

// ReplayInfo carries the facts a WAL redo handler knows that the live
// insert path derives from worker state instead.
type ReplayInfo struct {
	// FirstRecord is whether the original insert started a new
	// transaction chain; recorded in WAL because replay has no
	// per-worker prevXid memory.
	FirstRecord bool

	// Epoch is the xid epoch captured at the original insert.
	Epoch common.XIDEpoch
}

// Prepare allocates space for rec in the attached log of the given
// persistence level, pins every page the record will occupy and, when
// rec opens a new transaction chain, arranges the patch of the previous
// transaction's start record. It returns the record's future location.
//
// rec must stay unchanged until Insert; Prepare may set rec.Next,
// rec.XidEpoch and rec.Info.
func (b *Batch) Prepare(
	rec *Record,
	persistence undolog.PersistenceLevel,
	xid common.TxnID,
	walMeta *undolog.XLogMeta,
) (undolog.UndoRecPtr, error) {
	return b.prepare(rec, persistence, xid, walMeta, nil)
}

// PrepareInRecovery is the replay-side Prepare: it allocates in the log
// registered for xid instead of the attached one and trusts info for
// the chain-start decision, so the resulting pointer is byte for byte
// the one the original insert produced.
func (b *Batch) PrepareInRecovery(
	rec *Record,
	persistence undolog.PersistenceLevel,
	xid common.TxnID,
	info ReplayInfo,
) (undolog.UndoRecPtr, error) {
	return b.prepare(rec, persistence, xid, nil, &info)
}

func (b *Batch) prepare(
	rec *Record,
	persistence undolog.PersistenceLevel,
	xid common.TxnID,
	walMeta *undolog.XLogMeta,
	replay *ReplayInfo,
) (undolog.UndoRecPtr, error) {
	if len(b.prepared) >= b.capacity {
		return undolog.InvalidUndoRecPtr, ErrBatchFull
	}
	assert.Assert(xid != common.NilTxnID, "undo record without a transaction id")

	firstRecord := replay != nil && replay.FirstRecord ||
		replay == nil && b.mgr.prevXid[persistence] != xid

	var (
		ptr  undolog.UndoRecPtr
		log  *undolog.Log
		meta undolog.Meta
		size int
		err  error
	)

	// A transaction's first record in a log carries the transaction
	// section. The allocation re-check below can flip needStartUndo on
	// and reshape (grow) the record, hence the loop; it runs at most
	// twice because the flag never goes back off.
	needStartUndo := firstRecord
	for {
		if needStartUndo {
			rec.Next = undolog.SpecialUndoRecPtr
			if replay != nil {
				rec.XidEpoch = replay.Epoch
			} else {
				rec.XidEpoch = b.mgr.epochFor(xid)
			}
		} else {
			rec.Next = undolog.InvalidUndoRecPtr
			rec.XidEpoch = 0
		}
		rec.Info = 0
		size = rec.ExpectedSize()

		if replay != nil {
			ptr, err = b.mgr.logs.AllocateInRecovery(xid, size, persistence)
		} else {
			ptr, err = b.mgr.logs.Allocate(size, persistence, walMeta)
		}
		if err != nil {
			return undolog.InvalidUndoRecPtr, err
		}

		log, err = b.mgr.logs.GetLog(ptr.LogNo())
		assert.NoError(err, "allocation returned a pointer into a missing log")
		meta = log.Meta()

		// A rollback may have rewound the insertion point back onto the
		// last transaction start. The record landing exactly there must
		// itself become a chain start even if its xid matches prevXid.
		if !needStartUndo &&
			meta.LastXactStart != 0 &&
			meta.LastXactStart == ptr.Offset() {
			needStartUndo = true
			continue
		}
		break
	}

	if firstRecord {
		// Stitch the previous transaction's start record to us, unless
		// we are reusing its exact location after a rollback.
		if meta.LastXactStart != 0 && meta.LastXactStart != ptr.Offset() {
			if err := b.prepareChainPatch(ptr, log); err != nil {
				return undolog.InvalidUndoRecPtr, err
			}
		}
		b.mgr.prevXid[persistence] = xid
		b.mgr.logs.SetLastXactStartPoint(ptr)
	}

	b.mgr.logs.Advance(ptr, size)

	prepared := preparedRecord{ptr: ptr, rec: rec, size: size}

	mode := bufferpool.ReadModeNormal
	if ptr.PageOffset() == page.HeaderSize {
		mode = bufferpool.ReadModeZero
	}
	blk := ptr.BlockNum()
	covered := 0
	for {
		assert.Assert(prepared.nbuf < maxPagesPerRecord,
			"undo record of %d bytes spans more than %d pages", size, maxPagesPerRecord)

		idx, err := b.findBufferSlot(common.PageIdentity{
			FileID: common.FileID(ptr.LogNo()),
			PageID: blk,
		}, mode)
		if err != nil {
			return undolog.InvalidUndoRecPtr, err
		}
		prepared.bufIdx[prepared.nbuf] = idx
		prepared.nbuf++

		if covered == 0 {
			covered = page.Size - ptr.PageOffset()
		} else {
			covered += page.UsableBytesPerPage
		}
		if covered >= size {
			break
		}

		blk++
		mode = bufferpool.ReadModeZero
	}

	b.prepared = append(b.prepared, prepared)
	return ptr, nil
}

// findBufferSlot returns the batch-local index of the pinned page,
// pinning it on first use. Pages shared by several records in the batch
// are pinned and latched once.
func (b *Batch) findBufferSlot(
	ident common.PageIdentity,
	mode bufferpool.ReadMode,
) (int, error) {
	for i := range b.buffers {
		if b.buffers[i].ident == ident {
			return i, nil
		}
	}

	pg, err := b.mgr.pool.GetPage(ident, mode)
	if err != nil {
		return 0, fmt.Errorf("pinning undo page %v: %w", ident, err)
	}
	b.buffers = append(b.buffers, bufferSlot{ident: ident, pg: pg})
	return len(b.buffers) - 1, nil
}

// Insert writes every prepared record into its pinned pages and applies
// the pending chain patch. It cannot fail: all allocation and I/O
// already happened in Prepare, so a caller may treat the whole call as
// a critical section.
func (b *Batch) Insert() {
	assert.Assert(len(b.prepared) > 0, "Insert on a batch with nothing prepared")
	assert.Assert(!b.locked, "Insert called twice on one batch")

	for i := range b.buffers {
		b.buffers[i].pg.Lock()
	}
	b.locked = true

	for i := range b.prepared {
		b.insertOne(&b.prepared[i])
	}

	if b.patch != nil {
		b.applyChainPatch()
	}
}

func (b *Batch) insertOne(pu *preparedRecord) {
	log, err := b.mgr.logs.GetLog(pu.ptr.LogNo())
	assert.NoError(err, "prepared record points into a missing log")

	rec := pu.rec
	offset := pu.ptr.Offset()
	startingByte := pu.ptr.PageOffset()

	// prevlen rules: the log's very first record has no predecessor;
	// a record opening a fresh page counts the crossed page header so
	// that plain pointer arithmetic lands on the previous record.
	rec.PrevLen = log.Meta().PrevLen
	if offset == page.HeaderSize {
		rec.PrevLen = 0
	} else if startingByte == page.HeaderSize {
		rec.PrevLen += page.HeaderSize
	}

	alreadyWritten := 0
	undoLen := 0
	seq := 0
	for {
		assert.Assert(seq < pu.nbuf, "prepared record overran its pinned pages")
		slot := &b.buffers[pu.bufIdx[seq]]

		if startingByte == page.HeaderSize {
			slot.pg.Init()
		}

		done := insertRecord(&b.ws, rec, slot.pg, startingByte, &alreadyWritten)
		b.mgr.pool.MarkDirty(slot.ident)
		if done {
			undoLen += alreadyWritten
			break
		}

		// Continue onto the next page; its header counts towards the
		// total length recorded for backward traversal.
		startingByte = page.HeaderSize
		undoLen += page.HeaderSize
		seq++
	}

	assert.Assert(undoLen >= pu.size, "short undo record write")
	b.mgr.logs.SetPrevLen(pu.ptr.LogNo(), uint16(undoLen))
	b.mgr.lastInserted[log.Persistence()] = pu.ptr

	if b.mgr.logger != nil {
		b.mgr.logger.Debugw("inserted undo record",
			"ptr", pu.ptr.String(),
			"xid", rec.Xid,
			"kind", rec.Kind,
			"len", undoLen,
		)
	}
}

// Cleanup unlatches and unpins everything the batch holds and resets it
// to its default shape. Safe to call after a failed Prepare, after
// Insert, or on an untouched batch.
func (b *Batch) Cleanup() {
	for i := range b.buffers {
		if b.locked {
			b.buffers[i].pg.Unlock()
		}
		b.mgr.pool.Unpin(b.buffers[i].ident)
	}

	b.locked = false
	b.buffers = b.buffers[:0]
	b.patch = nil
	if cap(b.prepared) > DefaultBatchCapacity {
		b.prepared = make([]preparedRecord, 0, DefaultBatchCapacity)
	} else {
		b.prepared = b.prepared[:0]
	}
	b.capacity = DefaultBatchCapacity
}
