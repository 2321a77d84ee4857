package discard

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/UndoDB/src/storage/disk"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

func newTestLogs(t *testing.T) *undolog.Allocator {
	t.Helper()
	return undolog.NewAllocator(disk.New(afero.NewMemMapFs(), "data"))
}

func TestSweepAdvancesWatermark(t *testing.T) {
	logs := newTestLogs(t)

	old, err := logs.Allocate(100, undolog.Permanent, nil)
	require.NoError(t, err)
	logs.Advance(old, 100)
	keep, err := logs.Allocate(100, undolog.Permanent, nil)
	require.NoError(t, err)
	logs.Advance(keep, 100)

	// Keep only the newest record of each log.
	w, err := NewWorker(logs, func(log *undolog.Log) undolog.UndoRecPtr {
		return keep
	}, time.Second, 2, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, w.SweepOnce(context.Background()))

	assert.True(t, logs.IsDiscarded(old))
	assert.False(t, logs.IsDiscarded(keep))
}

func TestSweepKeepsEverythingWithoutHorizon(t *testing.T) {
	logs := newTestLogs(t)

	ptr, err := logs.Allocate(100, undolog.Permanent, nil)
	require.NoError(t, err)
	logs.Advance(ptr, 100)

	w, err := NewWorker(logs, func(*undolog.Log) undolog.UndoRecPtr {
		return undolog.InvalidUndoRecPtr
	}, time.Second, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, w.SweepOnce(context.Background()))
	assert.False(t, logs.IsDiscarded(ptr))
}

func TestSweepRejectsForeignHorizon(t *testing.T) {
	logs := newTestLogs(t)

	ptr, err := logs.Allocate(100, undolog.Permanent, nil)
	require.NoError(t, err)
	logs.Advance(ptr, 100)

	w, err := NewWorker(logs, func(log *undolog.Log) undolog.UndoRecPtr {
		return undolog.MakeUndoRecPtr(log.No+1, 100)
	}, time.Second, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Error(t, w.SweepOnce(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	logs := newTestLogs(t)

	w, err := NewWorker(logs, func(*undolog.Log) undolog.UndoRecPtr {
		return undolog.InvalidUndoRecPtr
	}, time.Millisecond, 1, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
