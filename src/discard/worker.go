package discard

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// Horizon reports, for one undo log, the oldest record pointer that is
// still needed. Everything before it may be reclaimed. Returning
// InvalidUndoRecPtr keeps the whole log.
//
// The engine derives the horizon from the oldest transaction whose
// effects may still need undoing or reading; this package only consumes
// the verdict.
type Horizon func(log *undolog.Log) undolog.UndoRecPtr

// Worker periodically advances the discard watermark of every undo log
// up to the horizon. Discarding is watermark movement only; readers are
// fenced off by the per-log discard lock, and page frames behind the
// watermark age out of the buffer pool on their own.
type Worker struct {
	logs     *undolog.Allocator
	horizon  Horizon
	interval time.Duration
	workers  *ants.Pool
	logger   *zap.SugaredLogger
}

func NewWorker(
	logs *undolog.Allocator,
	horizon Horizon,
	interval time.Duration,
	workerCount int,
	logger *zap.SugaredLogger,
) (*Worker, error) {
	pool, err := ants.NewPool(workerCount)
	if err != nil {
		return nil, fmt.Errorf("creating discard worker pool: %w", err)
	}
	return &Worker{
		logs:     logs,
		horizon:  horizon,
		interval: interval,
		workers:  pool,
		logger:   logger,
	}, nil
}

// Run loops until the context is canceled, sweeping all logs once per
// interval. A failed sweep is logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.workers.Release()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Errorw("undo discard sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce discards every log up to its horizon, fanning the per-log
// work out over the worker pool.
func (w *Worker) SweepOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, log := range w.logs.Logs() {
		log := log
		g.Go(func() error {
			done := make(chan error, 1)
			if err := w.workers.Submit(func() {
				done <- w.discardLog(log)
			}); err != nil {
				return fmt.Errorf("scheduling discard of log %d: %w", log.No, err)
			}
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	return g.Wait()
}

func (w *Worker) discardLog(log *undolog.Log) error {
	ptr := w.horizon(log)
	if !ptr.IsValid() {
		return nil
	}
	if ptr.LogNo() != log.No {
		return fmt.Errorf("horizon for log %d points into log %d", log.No, ptr.LogNo())
	}
	if ptr.Offset() <= log.Meta().Discard {
		return nil
	}

	if err := w.logs.Discard(ptr); err != nil {
		return fmt.Errorf("discarding log %d up to %s: %w", log.No, ptr.String(), err)
	}
	w.logger.Debugw("advanced discard watermark",
		"log", log.No,
		"up_to", ptr.String(),
	)
	return nil
}
