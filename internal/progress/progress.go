// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package progress tracks in-flight file creation: per-file reserved
// block ids and next sequence number, plus a global replication counter
// per block id.
package progress

import (
	"sync"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
)

type fileState struct {
	reserved []ids.BlockID
	nextSeq  uint64
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	files map[string]*fileState

	repMu sync.Mutex
	repl  map[ids.BlockID]uint64
}

func New() *Tracker {
	return &Tracker{
		files: make(map[string]*fileState),
		repl:  make(map[ids.BlockID]uint64),
	}
}

// AddFile creates in-flight state for path. Fails if path is already
// in-flight.
func (t *Tracker) AddFile(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[path]; ok {
		return errs.New(errs.FSError, "%v is already being created", path)
	}
	t.files[path] = &fileState{}
	return nil
}

// AddBlock reserves id as the next block of path, returning its assigned
// sequence number. Fails if path is not in-flight.
func (t *Tracker) AddBlock(path string, id ids.BlockID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	if !ok {
		return 0, errs.New(errs.FSError, "%v is not being created", path)
	}
	seq := f.nextSeq
	f.nextSeq++
	f.reserved = append(f.reserved, id)
	return seq, nil
}

// RemoveBlock removes id from path's in-flight reserved list (used by
// AbortBlock; does not roll back next_seq or the replication counter).
func (t *Tracker) RemoveBlock(path string, id ids.BlockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	if !ok {
		return
	}
	for i, b := range f.reserved {
		if b == id {
			f.reserved = append(f.reserved[:i], f.reserved[i+1:]...)
			return
		}
	}
}

// RemoveFile destroys in-flight state for path (used by FinishCreate and
// AbortCreate).
func (t *Tracker) RemoveFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
}

// BlockIDs returns a copy of path's reserved block ids in reservation
// order.
func (t *Tracker) BlockIDs(path string) ([]ids.BlockID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	if !ok {
		return nil, errs.New(errs.FSError, "%v is not being created", path)
	}
	out := make([]ids.BlockID, len(f.reserved))
	copy(out, f.reserved)
	return out, nil
}

// ContainsBlock reports whether id is currently reserved by any in-flight
// file.
func (t *Tracker) ContainsBlock(id ids.BlockID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.files {
		for _, b := range f.reserved {
			if b == id {
				return true
			}
		}
	}
	return false
}

// InFlight reports whether path has in-flight (uncommitted) state.
func (t *Tracker) InFlight(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[path]
	return ok
}

// IncrementReplication bumps id's counter by one on every call. It is
// called when a data service reports holding a block; the caller only
// calls it when the bimap's RecordReplica reports a new replica, which is
// what makes the count one per reporting server.
func (t *Tracker) IncrementReplication(id ids.BlockID) {
	t.repMu.Lock()
	defer t.repMu.Unlock()
	t.repl[id]++
}

// ReplicationCount returns a snapshot of the replication counter for id.
func (t *Tracker) ReplicationCount(id ids.BlockID) uint64 {
	t.repMu.Lock()
	defer t.repMu.Unlock()
	return t.repl[id]
}
