package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/Blackdeer1524/UndoDB/src/bufferpool"
	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// prepareChainPatch locates the next-transaction pointer inside the
// previous transaction's start record and pins the page(s) holding it
// into the batch, so Insert can overwrite it without doing I/O.
//
// Temporary logs are skipped entirely: their records die with the
// session, nobody ever follows their transaction chain.
func (b *Batch) prepareChainPatch(newStart undolog.UndoRecPtr, log *undolog.Log) error {
	if log.Persistence() == undolog.Temporary {
		return nil
	}

	meta := log.Meta()
	assert.Assert(meta.LastXactStart != 0, "chain patch without a previous transaction")
	prevStart := undolog.MakeUndoRecPtr(log.No, meta.LastXactStart)

	// The previous transaction may already be gone. Holding the shared
	// discard lock across the walk keeps the discard worker from
	// reclaiming the record under our feet.
	log.AcquireDiscardShared()
	if log.IsDiscardedAssumeShared(prevStart, b.mgr.logs.IsDiscarded) {
		return nil
	}
	defer log.ReleaseDiscardShared()

	patchPos, patchBlk, err := b.locateNextPtr(prevStart)
	if err != nil {
		return err
	}

	patch := &chainPatch{
		newStart:  newStart,
		prevStart: prevStart,
		patchPos:  patchPos,
	}

	ident := common.PageIdentity{
		FileID: common.FileID(prevStart.LogNo()),
		PageID: patchBlk,
	}
	idx, err := b.findBufferSlot(ident, bufferpool.ReadModeNormal)
	if err != nil {
		return err
	}
	patch.bufIdx[patch.nbuf] = idx
	patch.nbuf++

	if page.Size-patchPos < sizeOfNextPtr {
		ident.PageID++
		idx, err := b.findBufferSlot(ident, bufferpool.ReadModeNormal)
		if err != nil {
			return err
		}
		patch.bufIdx[patch.nbuf] = idx
		patch.nbuf++
	}

	b.patch = patch
	return nil
}

// locateNextPtr walks the start record's sections until it reaches the
// transaction section and returns the in-page position of the
// next-transaction pointer plus the block holding it. Only the header
// is actually decoded; the optional sections before the transaction one
// are skipped without copying.
func (b *Batch) locateNextPtr(
	start undolog.UndoRecPtr,
) (patchPos int, patchBlk common.PageID, err error) {
	var ws codecWorkspace

	ident := start.PageIdentity()
	startingByte := start.PageOffset()
	totalRead := 0

	for {
		pg, err := b.mgr.pool.GetPage(ident, bufferpool.ReadModeNormal)
		if err != nil {
			return 0, 0, fmt.Errorf("reading chain start %s: %w", start.String(), err)
		}

		pos, found := scanToNextPtr(&ws, pg, startingByte, &totalRead)
		b.mgr.pool.Unpin(ident)
		if found {
			return pos, ident.PageID, nil
		}

		ident.PageID++
		startingByte = page.HeaderSize
	}
}

// scanToNextPtr advances through one page of the start record. It
// reports the pointer's position when the transaction section begins on
// this page; false means the caller must continue on the next page.
func scanToNextPtr(
	ws *codecWorkspace,
	pg *page.UndoPage,
	startingByte int,
	totalRead *int,
) (int, bool) {
	pg.RLock()
	defer pg.RUnlock()

	data := pg.Data()
	readPos := startingByte
	myBytes := *totalRead

	if !readBytes(ws.hdr[:], headerSize, data, &readPos, &myBytes, totalRead, false) {
		return 0, false
	}
	info := Info(ws.hdr[1])
	assert.Assert(info&InfoTransaction != 0,
		"transaction start record lacks a transaction section")

	if info&InfoRelationDetails != 0 &&
		!readBytes(nil, relationDetailsSize, data, &readPos, &myBytes, totalRead, true) {
		return 0, false
	}
	if info&InfoBlock != 0 &&
		!readBytes(nil, blockSize, data, &readPos, &myBytes, totalRead, true) {
		return 0, false
	}

	// The transaction section (and with it the pointer, its first
	// field) may start exactly at the page boundary.
	if readPos >= len(data) {
		return 0, false
	}
	return readPos + nextPtrPos, true
}

// applyChainPatch overwrites the previous transaction's
// next-transaction pointer with the new chain start. Runs during
// Insert with every involved page already latched exclusively.
//
// The previous record can get discarded between Prepare and Insert;
// the patch is then dropped silently, exactly like a pre-discarded
// record is skipped in Prepare.
func (b *Batch) applyChainPatch() {
	patch := b.patch

	log, err := b.mgr.logs.GetLog(patch.prevStart.LogNo())
	assert.NoError(err, "chain patch into a missing log")

	log.AcquireDiscardShared()
	if log.IsDiscardedAssumeShared(patch.prevStart, b.mgr.logs.IsDiscarded) {
		return
	}
	defer log.ReleaseDiscardShared()

	var next [sizeOfNextPtr]byte
	binary.BigEndian.PutUint64(next[:], uint64(patch.newStart))

	startingByte := patch.patchPos
	written := 0
	for seq := 0; ; seq++ {
		assert.Assert(seq < patch.nbuf, "chain patch overran its pinned pages")
		slot := &b.buffers[patch.bufIdx[seq]]

		data := slot.pg.Data()
		writePos := startingByte
		myBytes := written
		done := insertBytes(next[:], data, &writePos, &myBytes, &written)
		b.mgr.pool.MarkDirty(slot.ident)
		if done {
			break
		}
		startingByte = page.HeaderSize
	}
	assert.Assert(written == sizeOfNextPtr, "short chain patch write")

	if b.mgr.logger != nil {
		b.mgr.logger.Debugw("patched transaction chain",
			"prev_start", patch.prevStart.String(),
			"new_start", patch.newStart.String(),
		)
	}
}
