package undolog

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/disk"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	return NewAllocator(disk.New(afero.NewMemMapFs(), "data"))
}

func TestAllocateAdvanceMonotonic(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, UndoLogOffset(page.HeaderSize), first.Offset())

	// The cursor only moves on Advance; re-allocation before that
	// hands out the same spot (the record may get resized in between).
	again, err := a.Allocate(120, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	a.Advance(first, 120)

	second, err := a.Allocate(50, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Offset()+120, second.Offset())
	assert.Greater(t, second, first)
}

func TestAllocateFillsWALMeta(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.Allocate(64, Permanent, nil)
	require.NoError(t, err)
	a.Advance(first, 64)
	a.SetLastXactStartPoint(first)
	a.SetPrevLen(first.LogNo(), 64)

	var meta XLogMeta
	second, err := a.Allocate(32, Permanent, &meta)
	require.NoError(t, err)

	assert.Equal(t, second.LogNo(), meta.LogNo)
	assert.Equal(t, second.Offset(), meta.Insert)
	assert.Equal(t, first.Offset(), meta.LastXactStart)
	assert.Equal(t, uint16(64), meta.PrevLen)
}

func TestAllocateSkipsPageHeaders(t *testing.T) {
	a := newTestAllocator(t)

	// Fill page 0 except for 10 usable bytes.
	first, err := a.Allocate(page.UsableBytesPerPage-10, Permanent, nil)
	require.NoError(t, err)
	a.Advance(first, page.UsableBytesPerPage-10)

	// The next record straddles the boundary; its successor must land
	// past the second page's header.
	second, err := a.Allocate(30, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, UndoLogOffset(page.Size-10), second.Offset())
	a.Advance(second, 30)

	third, err := a.Allocate(10, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, UndoLogOffset(page.Size+page.HeaderSize+20), third.Offset())
}

func TestRewindReusesSpace(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	a.Advance(first, 100)
	a.SetPrevLen(first.LogNo(), 100)

	second, err := a.Allocate(40, Permanent, nil)
	require.NoError(t, err)
	a.Advance(second, 40)
	a.SetPrevLen(second.LogNo(), 40)

	// Rolling back the second record hands its bytes back to the next
	// allocation and restores the predecessor's length.
	a.Rewind(second, 100)

	again, err := a.Allocate(40, Permanent, nil)
	require.NoError(t, err)
	assert.Equal(t, second, again)

	log, err := a.GetLog(second.LogNo())
	require.NoError(t, err)
	assert.Equal(t, uint16(100), log.Meta().PrevLen)
}

func TestPersistenceLevelsGetSeparateLogs(t *testing.T) {
	a := newTestAllocator(t)

	perm, err := a.Allocate(10, Permanent, nil)
	require.NoError(t, err)
	temp, err := a.Allocate(10, Temporary, nil)
	require.NoError(t, err)

	assert.NotEqual(t, perm.LogNo(), temp.LogNo())
}

func TestDiscardWatermark(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	a.Advance(first, 100)

	second, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	a.Advance(second, 100)

	assert.False(t, a.IsDiscarded(first))

	// Discard everything before the second record.
	require.NoError(t, a.Discard(second))
	assert.True(t, a.IsDiscarded(first))
	assert.False(t, a.IsDiscarded(second))

	log, err := a.GetLog(second.LogNo())
	require.NoError(t, err)
	assert.Equal(t, second.Offset(), log.Meta().Discard)

	// The watermark never moves backwards.
	require.NoError(t, a.Discard(first))
	assert.True(t, a.IsDiscarded(first))
}

func TestIsDiscardedForDroppedLog(t *testing.T) {
	a := newTestAllocator(t)
	assert.True(t, a.IsDiscarded(MakeUndoRecPtr(999, page.HeaderSize)))
}

func TestRecoveryAllocationReproducesPointers(t *testing.T) {
	live := newTestAllocator(t)

	var meta XLogMeta
	ptr, err := live.Allocate(80, Permanent, &meta)
	require.NoError(t, err)
	live.Advance(ptr, 80)

	replay := newTestAllocator(t)
	xid := common.TxnID(42)

	require.NoError(t, replay.RegisterXidLog(xid, meta, Permanent))
	got, err := replay.AllocateInRecovery(xid, 80, Permanent)
	require.NoError(t, err)
	assert.Equal(t, ptr, got)
}

func TestRecoveryAllocationRejections(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.AllocateInRecovery(7, 10, Permanent)
	assert.ErrorIs(t, err, ErrUnknownXid)

	_, err = a.AllocateInRecovery(7, 10, Temporary)
	assert.Error(t, err)
}

func TestDiscardCheckFastPathUnderSharedLock(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	a.Advance(first, 100)
	second, err := a.Allocate(100, Permanent, nil)
	require.NoError(t, err)
	a.Advance(second, 100)

	log, err := a.GetLog(first.LogNo())
	require.NoError(t, err)

	// Nothing discarded yet: the check falls back to the allocator's
	// cheap path and keeps the lock.
	log.AcquireDiscardShared()
	assert.False(t, log.IsDiscardedAssumeShared(first, a.IsDiscarded))
	log.ReleaseDiscardShared()

	require.NoError(t, a.Discard(second))

	// Now the in-memory watermark answers directly. A true verdict
	// hands the lock back released.
	log.AcquireDiscardShared()
	assert.True(t, log.IsDiscardedAssumeShared(first, a.IsDiscarded))

	log.AcquireDiscardShared()
	assert.False(t, log.IsDiscardedAssumeShared(second, a.IsDiscarded))
	log.ReleaseDiscardShared()
}
