package recovery

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/UndoDB/src/undo"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

// Replayer re-executes undo insertions from WAL records. Because every
// insertion is deterministic given the allocator state captured in the
// record, replay reproduces each undo record at exactly the pointer the
// original run reported; a mismatch means corrupt WAL or a torn log.
type Replayer struct {
	mgr    *undo.Manager
	logs   *undolog.Allocator
	logger *zap.SugaredLogger
}

func NewReplayer(
	mgr *undo.Manager,
	logs *undolog.Allocator,
	logger *zap.SugaredLogger,
) *Replayer {
	return &Replayer{mgr: mgr, logs: logs, logger: logger}
}

// Apply re-inserts one undo record.
func (r *Replayer) Apply(walRec *UndoInsertWALRecord) error {
	if walRec.Persistence == undolog.Temporary {
		return fmt.Errorf("replaying a temporary-log undo record at %s",
			walRec.Ptr.String())
	}

	err := r.logs.RegisterXidLog(walRec.Xid, walRec.LogMeta, walRec.Persistence)
	if err != nil {
		return fmt.Errorf("registering log for xid %d: %w", walRec.Xid, err)
	}

	rec := &undo.Record{
		Kind:       walRec.Kind,
		RelFileID:  walRec.RelFileID,
		PrevXid:    walRec.PrevXid,
		Xid:        walRec.Xid,
		Cid:        walRec.Cid,
		Tablespace: walRec.Tablespace,
		Fork:       walRec.Fork,
		BlkPrev:    walRec.BlkPrev,
		Block:      walRec.Block,
		Offset:     walRec.Offset,
		Payload:    walRec.Payload,
		Tuple:      walRec.Tuple,
	}
	batch := r.mgr.NewBatch()
	defer batch.Cleanup()

	ptr, err := batch.PrepareInRecovery(rec, walRec.Persistence, walRec.Xid, undo.ReplayInfo{
		FirstRecord: walRec.FirstRecord,
		Epoch:       walRec.Epoch,
	})
	if err != nil {
		return fmt.Errorf("preparing replay of %s: %w", walRec.Ptr.String(), err)
	}
	if ptr != walRec.Ptr {
		return fmt.Errorf("replay diverged: record landed at %s, WAL says %s",
			ptr.String(), walRec.Ptr.String())
	}

	batch.Insert()
	return nil
}

// Replay consumes a stream of length-prefixed records until EOF and
// applies each in order.
func (r *Replayer) Replay(rd io.Reader) (int, error) {
	applied := 0
	for {
		var walRec UndoInsertWALRecord
		if _, err := walRec.ReadFrom(rd); err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Infow("undo replay finished", "records", applied)
				return applied, nil
			}
			return applied, fmt.Errorf("reading WAL record %d: %w", applied, err)
		}
		if err := r.Apply(&walRec); err != nil {
			return applied, err
		}
		applied++
	}
}
