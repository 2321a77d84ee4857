package undo

import (
	"encoding/binary"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// RecordKind says which data modification the record can reverse.
type RecordKind uint8

const (
	KindInsert RecordKind = iota + 1
	KindMultiInsert
	KindDelete
	KindInplaceUpdate
	KindUpdate
	KindXidLock
	KindXidLockForUpdate
	KindItemIDUnused
)

// Info is the feature-flag bitmask: a bit is set iff the corresponding
// optional section holds non-default values. It decides both the encoded
// size and the decode order, so it is derived, never hand-set (except
// clearing it to zero to force recomputation).
type Info uint8

const (
	InfoRelationDetails Info = 1 << iota
	InfoBlock
	InfoTransaction
	InfoPayload
)

// Encoded section sizes. The header is always present; every other
// section appears iff its Info bit is set.
const (
	headerSize          = 32
	relationDetailsSize = 5
	blockSize           = 18
	transactionSize     = 12
	payloadHeaderSize   = 4

	// The next-transaction pointer is the first field of the
	// transaction section; the chain patch overwrites exactly it.
	nextPtrPos    = 0
	sizeOfNextPtr = 8
)

// Record is the in-memory form of one undo record. The caller owns it;
// the manager borrows it for the duration of one Prepare/Insert cycle
// and must not observe its shape-determining fields change in between.
type Record struct {
	Kind RecordKind
	Info Info

	// PrevLen is the encoded length of the record immediately before
	// this one in the same log, page headers included when that record
	// crossed into a fresh page. Filled in at insert time.
	PrevLen uint16

	RelFileID common.FileID
	PrevXid   common.TxnID
	Xid       common.TxnID
	Cid       common.CommandID

	Tablespace common.TablespaceID
	Fork       common.ForkNumber

	// BlkPrev chains to the previous undo record touching the same
	// block; Block == common.InvalidPageID means "no block info".
	BlkPrev undolog.UndoRecPtr
	Block   common.PageID
	Offset  common.ItemOffset

	// Next points at the first record of the NEXT transaction in this
	// log. SpecialUndoRecPtr while this record is itself a transaction's
	// first record awaiting its successor.
	Next     undolog.UndoRecPtr
	XidEpoch common.XIDEpoch

	Payload []byte
	Tuple   []byte

	// Fetch-path backing storage: while buf is held, Payload/Tuple may
	// alias the pinned page and are valid only until Release.
	buf bufferRef
}

// bufferRef is the explicit borrowed-view marker: either no page is
// held (zero value) or Payload/Tuple alias the pinned page's memory.
type bufferRef struct {
	pg    *page.UndoPage
	ident common.PageIdentity
	held  bool
}

// HasBuffer reports whether the record borrows a pinned page.
func (r *Record) HasBuffer() bool {
	return r.buf.held
}

// resetForFetch clears everything except the page reference, which the
// fetch loop manages separately for same-block reuse.
func (r *Record) resetForFetch() {
	buf := r.buf
	*r = Record{buf: buf}
	r.Block = common.InvalidPageID
}

// SetInfo derives the feature flags from which fields are non-default.
func (r *Record) SetInfo() {
	if r.Tablespace != common.DefaultTablespaceID || r.Fork != common.MainFork {
		r.Info |= InfoRelationDetails
	}
	if r.Block != common.InvalidPageID {
		r.Info |= InfoBlock
	}
	if r.Next != undolog.InvalidUndoRecPtr {
		r.Info |= InfoTransaction
	}
	if len(r.Payload) > 0 || len(r.Tuple) > 0 {
		r.Info |= InfoPayload
	}
}

// ExpectedSize computes the exact encoded length of the record,
// deriving the flags first if they are unset.
func (r *Record) ExpectedSize() int {
	if r.Info == 0 {
		r.SetInfo()
	}

	size := headerSize
	if r.Info&InfoRelationDetails != 0 {
		size += relationDetailsSize
	}
	if r.Info&InfoBlock != 0 {
		size += blockSize
	}
	if r.Info&InfoTransaction != 0 {
		size += transactionSize
	}
	if r.Info&InfoPayload != 0 {
		size += payloadHeaderSize
		size += len(r.Payload)
		size += len(r.Tuple)
	}

	return size
}

// codecWorkspace holds the packed images of a record's fixed sections
// while it is encoded or decoded across page boundaries. One workspace
// per in-flight codec operation; never shared between records that are
// mid-encode.
type codecWorkspace struct {
	hdr        [headerSize]byte
	rel        [relationDetailsSize]byte
	blk        [blockSize]byte
	txn        [transactionSize]byte
	payloadHdr [payloadHeaderSize]byte
}

func (ws *codecWorkspace) fill(r *Record) {
	hdr := ws.hdr[:]
	hdr[0] = byte(r.Kind)
	hdr[1] = byte(r.Info)
	binary.BigEndian.PutUint16(hdr[2:], r.PrevLen)
	binary.BigEndian.PutUint64(hdr[4:], uint64(r.RelFileID))
	binary.BigEndian.PutUint64(hdr[12:], uint64(r.PrevXid))
	binary.BigEndian.PutUint64(hdr[20:], uint64(r.Xid))
	binary.BigEndian.PutUint32(hdr[28:], uint32(r.Cid))

	rel := ws.rel[:]
	binary.BigEndian.PutUint32(rel[0:], uint32(r.Tablespace))
	rel[4] = byte(r.Fork)

	blk := ws.blk[:]
	binary.BigEndian.PutUint64(blk[0:], uint64(r.BlkPrev))
	binary.BigEndian.PutUint64(blk[8:], uint64(r.Block))
	binary.BigEndian.PutUint16(blk[16:], uint16(r.Offset))

	txn := ws.txn[:]
	binary.BigEndian.PutUint64(txn[nextPtrPos:], uint64(r.Next))
	binary.BigEndian.PutUint32(txn[8:], uint32(r.XidEpoch))

	pay := ws.payloadHdr[:]
	binary.BigEndian.PutUint16(pay[0:], uint16(len(r.Payload)))
	binary.BigEndian.PutUint16(pay[2:], uint16(len(r.Tuple)))
}

// matches verifies the caller did not mutate shape-determining fields
// between codec calls of one record. An encode resumed with a different
// record would corrupt the on-disk format, hence the hard check.
func (ws *codecWorkspace) matches(r *Record) bool {
	var fresh codecWorkspace
	fresh.fill(r)
	return fresh == *ws
}

func (ws *codecWorkspace) applyHeader(r *Record) {
	hdr := ws.hdr[:]
	r.Kind = RecordKind(hdr[0])
	r.Info = Info(hdr[1])
	r.PrevLen = binary.BigEndian.Uint16(hdr[2:])
	r.RelFileID = common.FileID(binary.BigEndian.Uint64(hdr[4:]))
	r.PrevXid = common.TxnID(binary.BigEndian.Uint64(hdr[12:]))
	r.Xid = common.TxnID(binary.BigEndian.Uint64(hdr[20:]))
	r.Cid = common.CommandID(binary.BigEndian.Uint32(hdr[28:]))
}

func (ws *codecWorkspace) applyRelationDetails(r *Record) {
	r.Tablespace = common.TablespaceID(binary.BigEndian.Uint32(ws.rel[0:]))
	r.Fork = common.ForkNumber(ws.rel[4])
}

func (ws *codecWorkspace) applyBlock(r *Record) {
	r.BlkPrev = undolog.UndoRecPtr(binary.BigEndian.Uint64(ws.blk[0:]))
	r.Block = common.PageID(binary.BigEndian.Uint64(ws.blk[8:]))
	r.Offset = common.ItemOffset(binary.BigEndian.Uint16(ws.blk[16:]))
}

func (ws *codecWorkspace) applyTransaction(r *Record) {
	r.Next = undolog.UndoRecPtr(binary.BigEndian.Uint64(ws.txn[nextPtrPos:]))
	r.XidEpoch = common.XIDEpoch(binary.BigEndian.Uint32(ws.txn[8:]))
}

func (ws *codecWorkspace) payloadLengths() (payloadLen, tupleLen int) {
	return int(binary.BigEndian.Uint16(ws.payloadHdr[0:])),
		int(binary.BigEndian.Uint16(ws.payloadHdr[2:]))
}
