package undo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

func minimalRecord() *Record {
	return &Record{
		Kind:       KindDelete,
		RelFileID:  42,
		Xid:        7,
		Cid:        common.FirstCommandID,
		Tablespace: common.DefaultTablespaceID,
		Fork:       common.MainFork,
		Block:      common.InvalidPageID,
	}
}

func fullRecord(payloadLen, tupleLen int) *Record {
	rec := minimalRecord()
	rec.PrevXid = 6
	rec.Tablespace = 1700
	rec.BlkPrev = undolog.MakeUndoRecPtr(1, 5000)
	rec.Block = 12
	rec.Offset = 3
	rec.Next = undolog.SpecialUndoRecPtr
	rec.XidEpoch = 2

	rec.Payload = bytes.Repeat([]byte{0xAB}, payloadLen)
	rec.Tuple = bytes.Repeat([]byte{0xCD}, tupleLen)
	for i := range rec.Payload {
		rec.Payload[i] = byte(i)
	}
	return rec
}

func TestExpectedSizeFollowsFlags(t *testing.T) {
	rec := minimalRecord()
	assert.Equal(t, headerSize, rec.ExpectedSize())
	assert.Equal(t, Info(0), rec.Info)

	rec = minimalRecord()
	rec.Block = 9
	assert.Equal(t, headerSize+blockSize, rec.ExpectedSize())
	assert.Equal(t, InfoBlock, rec.Info)

	rec = fullRecord(10, 20)
	assert.Equal(t,
		headerSize+relationDetailsSize+blockSize+transactionSize+payloadHeaderSize+30,
		rec.ExpectedSize(),
	)
	assert.Equal(t,
		InfoRelationDetails|InfoBlock|InfoTransaction|InfoPayload,
		rec.Info,
	)
}

func TestEmptyPayloadSetsNoFlag(t *testing.T) {
	rec := minimalRecord()
	rec.Payload = []byte{}
	rec.Tuple = []byte{}
	rec.SetInfo()
	assert.Zero(t, rec.Info&InfoPayload)
}

func assertSameRecord(t *testing.T, want, got *Record) {
	t.Helper()
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Info, got.Info)
	assert.Equal(t, want.RelFileID, got.RelFileID)
	assert.Equal(t, want.PrevXid, got.PrevXid)
	assert.Equal(t, want.Xid, got.Xid)
	assert.Equal(t, want.Cid, got.Cid)
	assert.Equal(t, want.Tablespace, got.Tablespace)
	assert.Equal(t, want.Fork, got.Fork)
	assert.Equal(t, want.BlkPrev, got.BlkPrev)
	assert.Equal(t, want.Block, got.Block)
	assert.Equal(t, want.Offset, got.Offset)
	assert.Equal(t, want.Next, got.Next)
	assert.Equal(t, want.XidEpoch, got.XidEpoch)
	assert.Equal(t, want.Payload, got.Payload)
	assert.Equal(t, want.Tuple, got.Tuple)
}

func TestSinglePageRoundTrip(t *testing.T) {
	rec := fullRecord(100, 40)
	pg := page.NewUndoPage()

	written := 0
	require.True(t, insertRecord(&codecWorkspace{}, rec, pg, page.HeaderSize, &written))
	require.Equal(t, rec.ExpectedSize(), written)

	got := &Record{}
	decoded := 0
	require.True(t, unpackRecord(&codecWorkspace{}, got, pg, page.HeaderSize, &decoded))
	assertSameRecord(t, rec, got)

	// Unsplit decodes alias the page's memory instead of copying.
	pg.Data()[page.HeaderSize+rec.ExpectedSize()-len(rec.Tuple)-len(rec.Payload)] = 0x77
	assert.Equal(t, byte(0x77), got.Payload[0])
}

func TestDecodeDefaultsForOmittedSections(t *testing.T) {
	rec := minimalRecord()
	pg := page.NewUndoPage()

	written := 0
	require.True(t, insertRecord(&codecWorkspace{}, rec, pg, page.HeaderSize, &written))

	got := &Record{}
	decoded := 0
	require.True(t, unpackRecord(&codecWorkspace{}, got, pg, page.HeaderSize, &decoded))

	assert.Equal(t, common.DefaultTablespaceID, got.Tablespace)
	assert.Equal(t, common.MainFork, got.Fork)
	assert.Equal(t, common.PageID(common.InvalidPageID), got.Block)
	assert.Equal(t, undolog.InvalidUndoRecPtr, got.Next)
}

// Every interior byte of the record is a legal split point: the encoded
// bytes and the decoded record must not depend on where the page
// boundary fell.
func TestSplitPointIndependence(t *testing.T) {
	rec := fullRecord(120, 30)
	size := rec.ExpectedSize()

	// Reference image from an unsplit write.
	wholePg := page.NewUndoPage()
	written := 0
	require.True(t, insertRecord(&codecWorkspace{}, rec, wholePg, page.HeaderSize, &written))
	wantImage := wholePg.Data()[page.HeaderSize : page.HeaderSize+size]

	for firstPart := 1; firstPart < size; firstPart++ {
		start := page.Size - firstPart

		pgA, pgB := page.NewUndoPage(), page.NewUndoPage()
		ws := codecWorkspace{}
		written := 0
		require.False(t, insertRecord(&ws, rec, pgA, start, &written),
			"split %d: record unexpectedly fit", firstPart)
		require.Equal(t, firstPart, written)
		require.True(t, insertRecord(&ws, rec, pgB, page.HeaderSize, &written))
		require.Equal(t, size, written)

		image := append([]byte{}, pgA.Data()[start:]...)
		image = append(image, pgB.Data()[page.HeaderSize:page.HeaderSize+size-firstPart]...)
		require.Equal(t, wantImage, image, "split %d: byte image differs", firstPart)

		got := &Record{}
		wsDec := codecWorkspace{}
		decoded := 0
		require.False(t, unpackRecord(&wsDec, got, pgA, start, &decoded))
		require.True(t, unpackRecord(&wsDec, got, pgB, page.HeaderSize, &decoded))
		assertSameRecord(t, rec, got)
	}
}

// A payload larger than a page forces the record across two boundaries;
// encode and decode must resume cleanly on every page involved.
func TestThreePageRoundTrip(t *testing.T) {
	rec := fullRecord(page.UsableBytesPerPage+500, 0)
	size := rec.ExpectedSize()

	pages := []*page.UndoPage{
		page.NewUndoPage(), page.NewUndoPage(), page.NewUndoPage(),
	}
	start := page.Size - 100 // 100 bytes left on the first page
	require.Greater(t, size, 100+page.UsableBytesPerPage)

	ws := codecWorkspace{}
	written := 0
	require.False(t, insertRecord(&ws, rec, pages[0], start, &written))
	require.Equal(t, 100, written)
	require.False(t, insertRecord(&ws, rec, pages[1], page.HeaderSize, &written))
	require.Equal(t, 100+page.UsableBytesPerPage, written)
	require.True(t, insertRecord(&ws, rec, pages[2], page.HeaderSize, &written))
	require.Equal(t, size, written)

	got := &Record{}
	wsDec := codecWorkspace{}
	decoded := 0
	require.False(t, unpackRecord(&wsDec, got, pages[0], start, &decoded))
	require.False(t, unpackRecord(&wsDec, got, pages[1], page.HeaderSize, &decoded))
	require.True(t, unpackRecord(&wsDec, got, pages[2], page.HeaderSize, &decoded))
	assertSameRecord(t, rec, got)
}

func TestResumedEncodeDetectsShapeChange(t *testing.T) {
	rec := fullRecord(200, 0)

	pgA := page.NewUndoPage()
	ws := codecWorkspace{}
	written := 0
	start := page.Size - 50
	require.False(t, insertRecord(&ws, rec, pgA, start, &written))

	rec.Xid = 999

	pgB := page.NewUndoPage()
	assert.Panics(t, func() {
		insertRecord(&ws, rec, pgB, page.HeaderSize, &written)
	})
}
