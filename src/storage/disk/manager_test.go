package disk

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

func TestCreateLogFileIsExclusive(t *testing.T) {
	m := New(afero.NewMemMapFs(), "data")

	require.NoError(t, m.CreateLogFile(1))
	assert.Error(t, m.CreateLogFile(1))
}

func TestPageRoundTrip(t *testing.T) {
	m := New(afero.NewMemMapFs(), "data")
	require.NoError(t, m.CreateLogFile(1))

	ident := common.PageIdentity{FileID: 1, PageID: 3}

	src := page.NewUndoPage()
	copy(src.Data()[page.HeaderSize:], []byte("undo bytes"))
	require.NoError(t, m.WritePage(src, ident))

	dst := page.NewUndoPage()
	require.NoError(t, m.ReadPage(dst, ident))
	assert.Equal(t, src.Data(), dst.Data())
}

func TestReadPastEOFYieldsZeroPage(t *testing.T) {
	m := New(afero.NewMemMapFs(), "data")
	require.NoError(t, m.CreateLogFile(1))

	pg := page.NewUndoPage()
	pg.Data()[100] = 0xFF // stale content must not survive the read

	require.NoError(t, m.ReadPage(pg, common.PageIdentity{FileID: 1, PageID: 7}))
	for _, b := range pg.Data() {
		if b != 0 {
			t.Fatal("page read past EOF is not zero-filled")
		}
	}
}

func TestRemoveLogFile(t *testing.T) {
	m := New(afero.NewMemMapFs(), "data")
	require.NoError(t, m.CreateLogFile(1))
	require.NoError(t, m.RemoveLogFile(1))

	err := m.ReadPage(page.NewUndoPage(), common.PageIdentity{FileID: 1, PageID: 0})
	assert.ErrorIs(t, err, ErrNoSuchLogFile)

	// A removed log number can be recreated from scratch.
	assert.NoError(t, m.CreateLogFile(1))
}

func TestReadFromMissingLog(t *testing.T) {
	m := New(afero.NewMemMapFs(), "data")

	err := m.ReadPage(page.NewUndoPage(), common.PageIdentity{FileID: 9, PageID: 0})
	assert.ErrorIs(t, err, ErrNoSuchLogFile)
}
