package undo

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/UndoDB/src/bufferpool"
	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// Predicate decides whether a record fetched during a chain walk is the
// one the caller wants. blk, offset and xid are the caller's search
// arguments, passed back so one closure can serve many walks.
type Predicate func(rec *Record, blk common.PageID, offset common.ItemOffset, xid common.TxnID) bool

// FetchRecord reads the record at ptr. With blk == common.InvalidPageID
// it returns that single record. Otherwise it walks the block's undo
// chain backwards through BlkPrev until predicate approves a record,
// and returns it together with its actual location.
//
// The returned record may alias a pinned page; the caller must hand it
// back via ReleaseRecord when done. On any error nothing stays pinned.
func (m *Manager) FetchRecord(
	ptr undolog.UndoRecPtr,
	blk common.PageID,
	offset common.ItemOffset,
	xid common.TxnID,
	predicate Predicate,
) (*Record, undolog.UndoRecPtr, error) {
	assert.Assert(blk == common.InvalidPageID || predicate != nil,
		"chain walk requested without a predicate")

	rec := &Record{}

	fail := func(err error) (*Record, undolog.UndoRecPtr, error) {
		m.ReleaseRecord(rec)
		return nil, undolog.InvalidUndoRecPtr, err
	}

	for {
		// Chains walk backwards within one block, so the previous
		// record often sits on the very page we already hold. Keep the
		// pin in that case; drop it only when the walk leaves the page.
		if rec.buf.held && rec.buf.ident != ptr.PageIdentity() {
			m.pool.Unpin(rec.buf.ident)
			rec.buf = bufferRef{}
		}
		rec.resetForFetch()

		log, err := m.logs.GetLog(ptr.LogNo())
		if err != nil {
			// The whole log is gone: everything in it was discarded.
			return fail(fmt.Errorf("%w: %s", ErrRecordDiscarded, ptr.String()))
		}

		log.AcquireDiscardShared()
		if log.IsDiscardedAssumeShared(ptr, m.logs.IsDiscarded) {
			return fail(fmt.Errorf("%w: %s", ErrRecordDiscarded, ptr.String()))
		}
		err = m.getOneRecord(rec, ptr)
		log.ReleaseDiscardShared()
		if err != nil {
			return fail(err)
		}

		if blk == common.InvalidPageID {
			return rec, ptr, nil
		}
		if predicate(rec, blk, offset, xid) {
			return rec, ptr, nil
		}

		ptr = rec.BlkPrev
		if !ptr.IsValid() {
			return fail(fmt.Errorf("%w: block %d offset %d", ErrRecordNotFound, blk, offset))
		}
	}
}

// ScanLog visits every live record of one log, newest first, walking
// backwards from the insertion point through the recorded
// previous-record lengths. The walk ends at the discard watermark or at
// the log's first record. The visited record is released after each
// call; visit must not retain it.
func (m *Manager) ScanLog(
	log *undolog.Log,
	visit func(ptr undolog.UndoRecPtr, rec *Record) error,
) error {
	meta := log.Meta()
	if meta.Insert == page.HeaderSize || meta.PrevLen == 0 {
		return nil
	}

	ptr := undolog.PrevRecPtr(undolog.MakeUndoRecPtr(log.No, meta.Insert), meta.PrevLen)
	for {
		rec, at, err := m.FetchRecord(
			ptr, common.InvalidPageID, common.InvalidItemOffset, common.NilTxnID, nil,
		)
		if errors.Is(err, ErrRecordDiscarded) {
			return nil
		}
		if err != nil {
			return err
		}

		visitErr := visit(at, rec)
		prevLen := rec.PrevLen
		m.ReleaseRecord(rec)
		if visitErr != nil {
			return visitErr
		}
		if prevLen == 0 {
			return nil
		}
		ptr = undolog.PrevRecPtr(ptr, prevLen)
	}
}

// getOneRecord decodes the record at ptr into rec. A record confined to
// one page keeps that page pinned in rec.buf with Payload/Tuple
// aliasing it; a record spanning pages is copied out and holds nothing.
//
// Caller holds the log's discard lock shared, so the bytes cannot be
// reclaimed mid-read.
func (m *Manager) getOneRecord(rec *Record, ptr undolog.UndoRecPtr) error {
	var ws codecWorkspace

	ident := ptr.PageIdentity()
	startingByte := ptr.PageOffset()
	alreadyDecoded := 0

	pg := rec.buf.pg
	if !rec.buf.held {
		var err error
		pg, err = m.pool.GetPage(ident, bufferpool.ReadModeNormal)
		if err != nil {
			return fmt.Errorf("reading undo record %s: %w", ptr.String(), err)
		}
		rec.buf = bufferRef{pg: pg, ident: ident, held: true}
	}

	split := false
	for {
		pg.RLock()
		done := unpackRecord(&ws, rec, pg, startingByte, &alreadyDecoded)
		pg.RUnlock()
		if done {
			break
		}

		// The record continues on the next page. From here on the
		// decode copies into owned memory, so no page stays pinned.
		split = true
		m.pool.Unpin(ident)
		rec.buf = bufferRef{}

		ident.PageID++
		startingByte = page.HeaderSize

		var err error
		pg, err = m.pool.GetPage(ident, bufferpool.ReadModeNormal)
		if err != nil {
			return fmt.Errorf("reading undo record %s: %w", ptr.String(), err)
		}
	}

	if split {
		m.pool.Unpin(ident)
	}
	return nil
}

// ReleaseRecord drops whatever page pin the record borrows. Idempotent.
func (m *Manager) ReleaseRecord(rec *Record) {
	if rec == nil {
		return
	}
	if rec.buf.held {
		m.pool.Unpin(rec.buf.ident)
		rec.buf = bufferRef{}
	}
	rec.Payload = nil
	rec.Tuple = nil
}
