package undo

import "errors"

var (
	// ErrBatchFull means the batch already holds as many prepared
	// records as SetCapacity allowed.
	ErrBatchFull = errors.New("undo batch is at capacity")

	// ErrRecordDiscarded means the requested record sits behind the
	// log's discard watermark and its bytes may no longer exist.
	ErrRecordDiscarded = errors.New("undo record has been discarded")

	// ErrRecordNotFound means a predicate walk ran off the front of a
	// block's undo chain without a match.
	ErrRecordNotFound = errors.New("no matching undo record in chain")
)
