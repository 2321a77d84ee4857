package undolog

import (
	"fmt"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

// UndoRecPtr addresses the first byte of one undo record: the high bits
// carry the log number, the low offsetBits carry the raw byte offset
// within that log. Raw offsets count page headers, so pointer arithmetic
// with recorded record lengths (which also count crossed headers) stays
// plain subtraction.
type UndoRecPtr uint64

type (
	LogNumber     uint32
	UndoLogOffset uint64
)

const (
	offsetBits = 44
	offsetMask = (UndoRecPtr(1) << offsetBits) - 1

	InvalidUndoRecPtr = UndoRecPtr(0)

	// SpecialUndoRecPtr marks a transaction-start record whose successor
	// transaction has not begun yet. It is written to disk as-is and
	// patched in place once the next transaction's first record is known.
	SpecialUndoRecPtr = ^UndoRecPtr(0)

	// MaxLogSize bounds a single log's byte space.
	MaxLogSize = UndoLogOffset(1) << offsetBits
)

func MakeUndoRecPtr(logNo LogNumber, offset UndoLogOffset) UndoRecPtr {
	return UndoRecPtr(logNo)<<offsetBits | UndoRecPtr(offset)&offsetMask
}

func (p UndoRecPtr) LogNo() LogNumber {
	return LogNumber(p >> offsetBits)
}

func (p UndoRecPtr) Offset() UndoLogOffset {
	return UndoLogOffset(p & offsetMask)
}

func (p UndoRecPtr) IsValid() bool {
	return p != InvalidUndoRecPtr
}

// BlockNum converts the pointer to the block holding its first byte.
func (p UndoRecPtr) BlockNum() common.PageID {
	return common.PageID(p.Offset() / page.Size)
}

// PageOffset is the byte offset within that block.
func (p UndoRecPtr) PageOffset() int {
	return int(p.Offset() % page.Size)
}

// PageIdentity locates the pointer's first block in the log's file.
func (p UndoRecPtr) PageIdentity() common.PageIdentity {
	return common.PageIdentity{
		FileID: common.FileID(p.LogNo()),
		PageID: p.BlockNum(),
	}
}

func (p UndoRecPtr) String() string {
	return fmt.Sprintf("%06X.%011X", uint32(p.LogNo()), uint64(p.Offset()))
}

// NormalizeRecordStart bumps an offset sitting inside a page header to
// the page's first usable byte. Records never start inside a header.
func NormalizeRecordStart(off UndoLogOffset) UndoLogOffset {
	if off%page.Size < page.HeaderSize {
		return off - off%page.Size + page.HeaderSize
	}
	return off
}

// OffsetPlusUsableBytes advances off by n record bytes, stepping over
// the header of every page boundary crossed on the way.
func OffsetPlusUsableBytes(off UndoLogOffset, n int) UndoLogOffset {
	for n > 0 {
		off = NormalizeRecordStart(off)
		room := int(page.Size - off%page.Size)
		if n <= room {
			return off + UndoLogOffset(n)
		}
		off += UndoLogOffset(room)
		n -= room
	}
	return off
}

// PrevRecPtr computes the pointer of the record preceding ptr, given the
// preceding record's stored length. Pure arithmetic: lengths recorded at
// insert time already include any page headers the record crossed.
func PrevRecPtr(ptr UndoRecPtr, prevLen uint16) UndoRecPtr {
	return MakeUndoRecPtr(ptr.LogNo(), ptr.Offset()-UndoLogOffset(prevLen))
}
