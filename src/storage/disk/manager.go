package disk

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
	"github.com/Blackdeer1524/UndoDB/src/storage/page"
)

var ErrNoSuchLogFile = errors.New("no such undo log file")

// Manager reads and writes fixed-size undo pages. Every undo log lives
// in its own file under <dataDir>/undo; a log's FileID is its log number.
type Manager struct {
	mu      sync.RWMutex
	fs      afero.Fs
	dataDir string
}

func New(fs afero.Fs, dataDir string) *Manager {
	return &Manager{
		fs:      fs,
		dataDir: dataDir,
	}
}

func (m *Manager) LogFilePath(fileID common.FileID) string {
	return filepath.Join(m.dataDir, "undo", fmt.Sprintf("%06X.ulog", uint64(fileID)))
}

func (m *Manager) CreateLogFile(fileID common.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.LogFilePath(fileID)
	if err := m.fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create undo directory: %w", err)
	}

	file, err := m.fs.OpenFile(path, flagsCreate, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create undo log file %s: %w", path, err)
	}
	return file.Close()
}

func (m *Manager) RemoveLogFile(fileID common.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fs.Remove(m.LogFilePath(fileID))
}

// ReadPage fills pg with the block's bytes. Undo files grow lazily, so a
// read past the current end of file yields a zero-filled page rather
// than an error: the allocator may hand out space on a block that no
// insert has flushed yet.
func (m *Manager) ReadPage(pg *page.UndoPage, pageIdent common.PageIdentity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, err := m.fs.Open(m.LogFilePath(pageIdent.FileID))
	if err != nil {
		return errors.Join(ErrNoSuchLogFile, err)
	}
	defer file.Close()

	//nolint:gosec
	offset := int64(pageIdent.PageID) * page.Size
	data := make([]byte, page.Size)

	// afero's MemMapFs reports a short ReadAt as io.ErrUnexpectedEOF
	// where the OS filesystem reports io.EOF; both mean the same thing
	// here.
	n, err := file.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read page %+v: %w", pageIdent, err)
	}
	clear(data[n:])

	pg.SetData(data)
	pg.UnsafeInitLatch()
	return nil
}

func (m *Manager) WritePage(lockedPage *page.UndoPage, pageIdent common.PageIdentity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, err := m.fs.OpenFile(m.LogFilePath(pageIdent.FileID), flagsWrite, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open undo log file for %+v: %w", pageIdent, err)
	}
	defer file.Close()

	//nolint:gosec
	offset := int64(pageIdent.PageID) * page.Size

	if _, err := file.WriteAt(lockedPage.Data(), offset); err != nil {
		return fmt.Errorf("failed to write page %+v: %w", pageIdent, err)
	}

	return nil
}
