package undo

import (
	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

// insertBytes copies src into data starting at *writePos, resuming a
// partially written section when *myBytesWritten is non-zero. It
// returns true once the whole of src has been written, possibly by an
// earlier call (then it only consumes the resume counter). On a partial
// write it tops up *totalWritten and leaves *myBytesWritten untouched;
// the caller reloads it from *totalWritten on the next page.
func insertBytes(src []byte, data []byte, writePos, myBytesWritten, totalWritten *int) bool {
	if *myBytesWritten >= len(src) {
		*myBytesWritten -= len(src)
		return true
	}

	remaining := len(src) - *myBytesWritten
	room := len(data) - *writePos
	n := min(remaining, room)
	copy(data[*writePos:], src[*myBytesWritten:*myBytesWritten+n])
	*writePos += n
	*totalWritten += n
	*myBytesWritten = 0
	return n == remaining
}

// readBytes is the decode-side twin of insertBytes. It fills dst from
// data starting at *readPos, resuming via *myBytesRead. With skip set
// it advances the cursors without copying, so chain walks can step over
// sections they do not care about; dst may then be nil and only its
// intended length matters.
func readBytes(dst []byte, length int, data []byte, readPos, myBytesRead, totalRead *int, skip bool) bool {
	if *myBytesRead >= length {
		*myBytesRead -= length
		return true
	}

	remaining := length - *myBytesRead
	avail := len(data) - *readPos
	n := min(remaining, avail)
	if !skip {
		copy(dst[*myBytesRead:], data[*readPos:*readPos+n])
	}
	*readPos += n
	*totalRead += n
	*myBytesRead = 0
	return n == remaining
}

// insertRecord writes rec into pg starting at startingByte, skipping
// the *alreadyWritten bytes emitted by earlier calls on earlier pages.
// It returns true when the record is complete; false means the page
// filled up and the caller must call again with the next page,
// startingByte = page.HeaderSize and *alreadyWritten carried over.
//
// The caller holds the page latch exclusively.
func insertRecord(ws *codecWorkspace, rec *Record, pg *page.UndoPage, startingByte int, alreadyWritten *int) bool {
	if rec.Info == 0 {
		rec.SetInfo()
	}

	if *alreadyWritten == 0 {
		ws.fill(rec)
	} else {
		assert.Assert(ws.matches(rec), "record changed between resumed encode calls")
	}

	data := pg.Data()
	writePos := startingByte
	myBytes := *alreadyWritten

	if !insertBytes(ws.hdr[:], data, &writePos, &myBytes, alreadyWritten) {
		return false
	}
	if rec.Info&InfoRelationDetails != 0 &&
		!insertBytes(ws.rel[:], data, &writePos, &myBytes, alreadyWritten) {
		return false
	}
	if rec.Info&InfoBlock != 0 &&
		!insertBytes(ws.blk[:], data, &writePos, &myBytes, alreadyWritten) {
		return false
	}
	if rec.Info&InfoTransaction != 0 &&
		!insertBytes(ws.txn[:], data, &writePos, &myBytes, alreadyWritten) {
		return false
	}
	if rec.Info&InfoPayload != 0 {
		if !insertBytes(ws.payloadHdr[:], data, &writePos, &myBytes, alreadyWritten) {
			return false
		}
		if len(rec.Payload) > 0 &&
			!insertBytes(rec.Payload, data, &writePos, &myBytes, alreadyWritten) {
			return false
		}
		if len(rec.Tuple) > 0 &&
			!insertBytes(rec.Tuple, data, &writePos, &myBytes, alreadyWritten) {
			return false
		}
	}

	return true
}

// unpackRecord decodes one record from pg into rec, resuming across
// pages the same way insertRecord does. When the whole record sits on
// this single page (no earlier partial call), Payload and Tuple are
// returned as aliases into the page's memory; the caller must keep the
// page pinned for as long as it uses them. A record that spans pages is
// decoded into freshly allocated slices instead.
//
// The caller holds the page latch at least shared.
func unpackRecord(ws *codecWorkspace, rec *Record, pg *page.UndoPage, startingByte int, alreadyDecoded *int) bool {
	split := *alreadyDecoded > 0

	data := pg.Data()
	readPos := startingByte
	myBytes := *alreadyDecoded

	if !readBytes(ws.hdr[:], headerSize, data, &readPos, &myBytes, alreadyDecoded, false) {
		return false
	}
	ws.applyHeader(rec)

	// Omitted sections decode to their defaults.
	if rec.Info&InfoRelationDetails == 0 {
		rec.Tablespace = common.DefaultTablespaceID
		rec.Fork = common.MainFork
	}
	if rec.Info&InfoBlock == 0 {
		rec.Block = common.InvalidPageID
	}

	if rec.Info&InfoRelationDetails != 0 {
		if !readBytes(ws.rel[:], relationDetailsSize, data, &readPos, &myBytes, alreadyDecoded, false) {
			return false
		}
		ws.applyRelationDetails(rec)
	}
	if rec.Info&InfoBlock != 0 {
		if !readBytes(ws.blk[:], blockSize, data, &readPos, &myBytes, alreadyDecoded, false) {
			return false
		}
		ws.applyBlock(rec)
	}
	if rec.Info&InfoTransaction != 0 {
		if !readBytes(ws.txn[:], transactionSize, data, &readPos, &myBytes, alreadyDecoded, false) {
			return false
		}
		ws.applyTransaction(rec)
	}

	if rec.Info&InfoPayload == 0 {
		return true
	}

	if !readBytes(ws.payloadHdr[:], payloadHeaderSize, data, &readPos, &myBytes, alreadyDecoded, false) {
		return false
	}
	payloadLen, tupleLen := ws.payloadLengths()

	if !split && payloadLen+tupleLen <= len(data)-readPos {
		// Fast path: everything is on this page, hand out views.
		rec.Payload = data[readPos : readPos+payloadLen : readPos+payloadLen]
		readPos += payloadLen
		rec.Tuple = data[readPos : readPos+tupleLen : readPos+tupleLen]
		return true
	}

	if rec.Payload == nil && payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
	}
	if rec.Tuple == nil && tupleLen > 0 {
		rec.Tuple = make([]byte, tupleLen)
	}
	if payloadLen > 0 &&
		!readBytes(rec.Payload, payloadLen, data, &readPos, &myBytes, alreadyDecoded, false) {
		return false
	}
	if tupleLen > 0 &&
		!readBytes(rec.Tuple, tupleLen, data, &readPos, &myBytes, alreadyDecoded, false) {
		return false
	}

	return true
}
