package bufferpool

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/disk"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

func newTestPool(t *testing.T, poolSize uint64) *Manager {
	t.Helper()

	diskManager := disk.New(afero.NewMemMapFs(), "data")
	require.NoError(t, diskManager.CreateLogFile(1))
	return New(poolSize, NewLRUReplacer(), diskManager)
}

func ident(pageID common.PageID) common.PageIdentity {
	return common.PageIdentity{FileID: 1, PageID: pageID}
}

func TestGetPageSharesFrames(t *testing.T) {
	pool := newTestPool(t, 4)

	first, err := pool.GetPage(ident(0), ReadModeZero)
	require.NoError(t, err)
	second, err := pool.GetPage(ident(0), ReadModeNormal)
	require.NoError(t, err)

	assert.Same(t, first, second)

	pool.Unpin(ident(0))
	pool.Unpin(ident(0))
	assert.NoError(t, pool.EnsureAllPagesUnpinned())
}

func TestZeroModeSkipsDisk(t *testing.T) {
	// File 2 was never created; a zero-mode read must still succeed.
	pool := newTestPool(t, 4)

	pg, err := pool.GetPage(common.PageIdentity{FileID: 2, PageID: 0}, ReadModeZero)
	require.NoError(t, err)
	for _, b := range pg.Data() {
		if b != 0 {
			t.Fatal("zero-mode page is not zeroed")
		}
	}
	pool.Unpin(common.PageIdentity{FileID: 2, PageID: 0})
}

func TestPinnedPagesAreNotEvicted(t *testing.T) {
	pool := newTestPool(t, 2)

	_, err := pool.GetPage(ident(0), ReadModeZero)
	require.NoError(t, err)
	_, err = pool.GetPage(ident(1), ReadModeZero)
	require.NoError(t, err)

	_, err = pool.GetPage(ident(2), ReadModeZero)
	assert.ErrorIs(t, err, ErrNoFreeFrames)

	pool.Unpin(ident(0))
	_, err = pool.GetPage(ident(2), ReadModeZero)
	assert.NoError(t, err)
}

func TestEvictionFlushesDirtyPage(t *testing.T) {
	pool := newTestPool(t, 1)

	pg, err := pool.GetPage(ident(0), ReadModeZero)
	require.NoError(t, err)
	pg.Lock()
	copy(pg.Data()[page.HeaderSize:], []byte("dirty page content"))
	pg.Unlock()
	pool.MarkDirty(ident(0))
	pool.Unpin(ident(0))

	// Push the only frame to another page, evicting page 0 to disk.
	_, err = pool.GetPage(ident(1), ReadModeZero)
	require.NoError(t, err)
	pool.Unpin(ident(1))

	// Reading page 0 back must go through the disk copy.
	back, err := pool.GetPage(ident(0), ReadModeNormal)
	require.NoError(t, err)
	assert.Equal(t,
		[]byte("dirty page content"),
		back.Data()[page.HeaderSize:page.HeaderSize+18],
	)
	pool.Unpin(ident(0))
}

func TestFlushPage(t *testing.T) {
	diskManager := disk.New(afero.NewMemMapFs(), "data")
	require.NoError(t, diskManager.CreateLogFile(1))
	pool := New(4, NewLRUReplacer(), diskManager)

	pg, err := pool.GetPage(ident(0), ReadModeZero)
	require.NoError(t, err)
	pg.Lock()
	copy(pg.Data()[page.HeaderSize:], []byte("single flush"))
	pg.Unlock()
	pool.MarkDirty(ident(0))

	require.NoError(t, pool.FlushPage(ident(0)))

	fromDisk := page.NewUndoPage()
	require.NoError(t, diskManager.ReadPage(fromDisk, ident(0)))
	assert.Equal(t,
		[]byte("single flush"),
		fromDisk.Data()[page.HeaderSize:page.HeaderSize+12],
	)
	pool.Unpin(ident(0))

	assert.Error(t, pool.FlushPage(ident(9)), "flushing an uncached page")
}

func TestFlushAllPages(t *testing.T) {
	diskManager := disk.New(afero.NewMemMapFs(), "data")
	require.NoError(t, diskManager.CreateLogFile(1))
	pool := New(4, NewLRUReplacer(), diskManager)

	pg, err := pool.GetPage(ident(0), ReadModeZero)
	require.NoError(t, err)
	pg.Lock()
	copy(pg.Data()[page.HeaderSize:], []byte("flushed"))
	pg.Unlock()
	pool.MarkDirty(ident(0))
	pool.Unpin(ident(0))

	require.NoError(t, pool.FlushAllPages())

	fromDisk := page.NewUndoPage()
	require.NoError(t, diskManager.ReadPage(fromDisk, ident(0)))
	assert.Equal(t,
		[]byte("flushed"),
		fromDisk.Data()[page.HeaderSize:page.HeaderSize+7],
	)
}
