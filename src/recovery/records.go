package recovery

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/undo"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// UndoInsertWALRecord is the redo image of one undo record insertion.
// It carries everything the original inserter knew that replay cannot
// rederive: the record's content, where it went, whether it opened a
// transaction chain, and the log-allocator state needed to steer the
// replay allocation into the same log.
//
// PrevLen and Next are deliberately absent: both are recomputed during
// replay from log state, which is what makes the reproduced bytes
// match the original run.
type UndoInsertWALRecord struct {
	Ptr         undolog.UndoRecPtr
	Persistence undolog.PersistenceLevel
	Xid         common.TxnID
	FirstRecord bool
	Epoch       common.XIDEpoch

	LogMeta undolog.XLogMeta

	Kind       undo.RecordKind
	RelFileID  common.FileID
	PrevXid    common.TxnID
	Cid        common.CommandID
	Tablespace common.TablespaceID
	Fork       common.ForkNumber
	BlkPrev    undolog.UndoRecPtr
	Block      common.PageID
	Offset     common.ItemOffset

	Payload []byte
	Tuple   []byte
}

// CaptureInsert builds the redo image of a just-prepared record. Call
// it between Prepare and Insert, with the XLogMeta that Prepare filled
// in. Prepare marks chain starts by setting the record's Next pointer
// to the waiting-for-successor sentinel, which is how replay learns the
// chain-start decision without per-worker state.
func CaptureInsert(
	rec *undo.Record,
	ptr undolog.UndoRecPtr,
	persistence undolog.PersistenceLevel,
	meta undolog.XLogMeta,
) *UndoInsertWALRecord {
	return &UndoInsertWALRecord{
		Ptr:         ptr,
		Persistence: persistence,
		Xid:         rec.Xid,
		FirstRecord: rec.Next == undolog.SpecialUndoRecPtr,
		Epoch:       rec.XidEpoch,
		LogMeta:     meta,
		Kind:        rec.Kind,
		RelFileID:   rec.RelFileID,
		PrevXid:     rec.PrevXid,
		Cid:         rec.Cid,
		Tablespace:  rec.Tablespace,
		Fork:        rec.Fork,
		BlkPrev:     rec.BlkPrev,
		Block:       rec.Block,
		Offset:      rec.Offset,
		Payload:     rec.Payload,
		Tuple:       rec.Tuple,
	}
}

// fixedPartSize is everything before the two length-prefixed byte
// slices.
const fixedPartSize = 8 + 1 + 8 + 1 + 4 + // ptr, persistence, xid, first, epoch
	4 + 8 + 8 + 2 + // log meta: logno, insert, lastxactstart, prevlen
	1 + 8 + 8 + 4 + 4 + 1 + 8 + 8 + 2 + // record fields
	2 + 2 // payload and tuple lengths

func (r *UndoInsertWALRecord) MarshalBinary() ([]byte, error) {
	if len(r.Payload) > int(^uint16(0)) || len(r.Tuple) > int(^uint16(0)) {
		return nil, fmt.Errorf("undo WAL record payload too large: %d/%d",
			len(r.Payload), len(r.Tuple))
	}

	buf := make([]byte, fixedPartSize+len(r.Payload)+len(r.Tuple))
	pos := 0

	put64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[pos:], v)
		pos += 8
	}
	put32 := func(v uint32) {
		binary.BigEndian.PutUint32(buf[pos:], v)
		pos += 4
	}
	put16 := func(v uint16) {
		binary.BigEndian.PutUint16(buf[pos:], v)
		pos += 2
	}
	put8 := func(v byte) {
		buf[pos] = v
		pos++
	}

	put64(uint64(r.Ptr))
	put8(byte(r.Persistence))
	put64(uint64(r.Xid))
	if r.FirstRecord {
		put8(1)
	} else {
		put8(0)
	}
	put32(uint32(r.Epoch))

	put32(uint32(r.LogMeta.LogNo))
	put64(uint64(r.LogMeta.Insert))
	put64(uint64(r.LogMeta.LastXactStart))
	put16(r.LogMeta.PrevLen)

	put8(byte(r.Kind))
	put64(uint64(r.RelFileID))
	put64(uint64(r.PrevXid))
	put32(uint32(r.Cid))
	put32(uint32(r.Tablespace))
	put8(byte(r.Fork))
	put64(uint64(r.BlkPrev))
	put64(uint64(r.Block))
	put16(uint16(r.Offset))

	put16(uint16(len(r.Payload)))
	put16(uint16(len(r.Tuple)))
	pos += copy(buf[pos:], r.Payload)
	pos += copy(buf[pos:], r.Tuple)

	return buf[:pos], nil
}

func (r *UndoInsertWALRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) < fixedPartSize {
		return fmt.Errorf("undo WAL record truncated: %d bytes", len(buf))
	}
	pos := 0

	get64 := func() uint64 {
		v := binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		return v
	}
	get32 := func() uint32 {
		v := binary.BigEndian.Uint32(buf[pos:])
		pos += 4
		return v
	}
	get16 := func() uint16 {
		v := binary.BigEndian.Uint16(buf[pos:])
		pos += 2
		return v
	}
	get8 := func() byte {
		v := buf[pos]
		pos++
		return v
	}

	r.Ptr = undolog.UndoRecPtr(get64())
	r.Persistence = undolog.PersistenceLevel(get8())
	r.Xid = common.TxnID(get64())
	r.FirstRecord = get8() != 0
	r.Epoch = common.XIDEpoch(get32())

	r.LogMeta.LogNo = undolog.LogNumber(get32())
	r.LogMeta.Insert = undolog.UndoLogOffset(get64())
	r.LogMeta.LastXactStart = undolog.UndoLogOffset(get64())
	r.LogMeta.PrevLen = get16()

	r.Kind = undo.RecordKind(get8())
	r.RelFileID = common.FileID(get64())
	r.PrevXid = common.TxnID(get64())
	r.Cid = common.CommandID(get32())
	r.Tablespace = common.TablespaceID(get32())
	r.Fork = common.ForkNumber(get8())
	r.BlkPrev = undolog.UndoRecPtr(get64())
	r.Block = common.PageID(get64())
	r.Offset = common.ItemOffset(get16())

	payloadLen := int(get16())
	tupleLen := int(get16())
	if len(buf)-pos != payloadLen+tupleLen {
		return fmt.Errorf("undo WAL record length mismatch: %d trailing, want %d",
			len(buf)-pos, payloadLen+tupleLen)
	}

	r.Payload = nil
	if payloadLen > 0 {
		r.Payload = make([]byte, payloadLen)
		pos += copy(r.Payload, buf[pos:pos+payloadLen])
	}
	r.Tuple = nil
	if tupleLen > 0 {
		r.Tuple = make([]byte, tupleLen)
		copy(r.Tuple, buf[pos:pos+tupleLen])
	}

	return nil
}

// WriteTo frames the record with a length prefix for streaming.
func (r *UndoInsertWALRecord) WriteTo(w io.Writer) (int64, error) {
	body, err := r.MarshalBinary()
	if err != nil {
		return 0, err
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(body)))
	n1, err := w.Write(frame[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(body)
	return int64(n1 + n2), err
}

// ReadFrom consumes one length-prefixed record. io.EOF before the first
// prefix byte means a clean end of stream.
func (r *UndoInsertWALRecord) ReadFrom(rd io.Reader) (int64, error) {
	var frame [4]byte
	if _, err := io.ReadFull(rd, frame[:]); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(frame[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(rd, body); err != nil {
		return 4, fmt.Errorf("undo WAL record body truncated: %w", err)
	}
	return int64(4 + length), r.UnmarshalBinary(body)
}
