package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/UndoDB/src/bufferpool"
	"github.com/Blackdeer1524/UndoDB/src/discard"
	"github.com/Blackdeer1524/UndoDB/src/pkg/utils"
	"github.com/Blackdeer1524/UndoDB/src/storage/disk"
	"github.com/Blackdeer1524/UndoDB/src/undo"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

const CloseTimeout = 15 * time.Second

const instanceIDFile = "instance_id"

// Entrypoint assembles the undo engine: disk manager, buffer pool, log
// allocator, record manager and the background discard worker.
type Entrypoint struct {
	Env envVars

	// Horizon tells the discard worker what is still needed; nil keeps
	// every record. Set it before Init.
	Horizon discard.Horizon

	Pool *bufferpool.Manager
	Logs *undolog.Allocator
	Undo *undo.Manager

	fs      afero.Fs
	worker  *discard.Worker
	log     *zap.SugaredLogger
	stopRun context.CancelFunc
}

func (e *Entrypoint) Init(_ context.Context) error {
	e.Env = mustLoadEnv()

	if e.Env.Environment == EnvDev {
		e.log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		e.log = utils.Must(zap.NewProduction()).Sugar()
	}

	e.fs = afero.NewOsFs()
	instanceID, err := e.ensureInstanceID()
	if err != nil {
		return err
	}

	diskManager := disk.New(e.fs, e.Env.DataDir)
	e.Pool = bufferpool.New(e.Env.PoolSize, bufferpool.NewLRUReplacer(), diskManager)
	e.Logs = undolog.NewAllocator(diskManager)
	e.Undo = undo.NewManager(e.Pool, e.Logs, e.log, nil)

	horizon := e.Horizon
	if horizon == nil {
		horizon = func(*undolog.Log) undolog.UndoRecPtr {
			return undolog.InvalidUndoRecPtr
		}
	}
	e.worker, err = discard.NewWorker(
		e.Logs,
		horizon,
		e.Env.DiscardInterval,
		e.Env.DiscardWorkers,
		e.log,
	)
	if err != nil {
		return err
	}

	e.log.Infow("undo engine initialized",
		"instance_id", instanceID,
		"data_dir", e.Env.DataDir,
		"pool_size", e.Env.PoolSize,
	)
	return nil
}

// ensureInstanceID reads the data directory's identity file, minting a
// fresh id on first boot. The id ties log files to the instance that
// produced them in multi-instance deployments.
func (e *Entrypoint) ensureInstanceID() (string, error) {
	if err := e.fs.MkdirAll(e.Env.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir %q: %w", e.Env.DataDir, err)
	}

	path := filepath.Join(e.Env.DataDir, instanceIDFile)
	existing, err := afero.ReadFile(e.fs, path)
	if err == nil && len(existing) > 0 {
		return string(existing), nil
	}

	id := uuid.NewString()
	if err := afero.WriteFile(e.fs, path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("writing instance id: %w", err)
	}
	return id, nil
}

// Run drives the discard worker until the context is canceled.
func (e *Entrypoint) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.stopRun = cancel

	err := e.worker.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Entrypoint) Close() (err error) {
	if e.stopRun != nil {
		e.stopRun()
	}

	if e.Pool != nil {
		err = e.Pool.FlushAllPages()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to flush undo pages", "error", err)
		}

		logErr := e.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}

// Logger exposes the configured logger for subcommands that reuse the
// entrypoint's wiring.
func (e *Entrypoint) Logger() *zap.SugaredLogger {
	return e.log
}
