// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package blockstore implements a data service's on-disk block registry:
// one file per block under a blocks/ subdirectory, named by block id,
// written via a <id>.tmp staging file and committed with an atomic
// rename.
package blockstore

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
)

// Store is safe for concurrent use.
type Store struct {
	dir string

	mu         sync.Mutex
	inProgress map[ids.BlockID]struct{}
}

// New opens (creating if absent) the blocks/ subdirectory under dataDir.
func New(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "blocks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "creating block store directory %v", dir)
	}
	return &Store{dir: dir, inProgress: make(map[ids.BlockID]struct{})}, nil
}

func (s *Store) finalPath(block ids.BlockID) string { return filepath.Join(s.dir, block.String()) }
func (s *Store) tempPath(block ids.BlockID) string {
	return filepath.Join(s.dir, block.String()+".tmp")
}

// StartBlock opens a writable handle for block's temp file. Fails if the
// block already exists on disk or is already being written.
func (s *Store) StartBlock(block ids.BlockID) (*os.File, error) {
	s.mu.Lock()
	if _, ok := s.inProgress[block]; ok {
		s.mu.Unlock()
		return nil, errs.New(errs.IOError, "block %v is already being created", block)
	}
	if _, err := os.Stat(s.finalPath(block)); err == nil {
		s.mu.Unlock()
		return nil, errs.New(errs.IOError, "block %v already exists", block)
	}
	s.inProgress[block] = struct{}{}
	s.mu.Unlock()

	f, err := os.Create(s.tempPath(block))
	if err != nil {
		s.mu.Lock()
		delete(s.inProgress, block)
		s.mu.Unlock()
		return nil, errs.Wrap(errs.IOError, err, "creating temp file for block %v", block)
	}
	return f, nil
}

// CommitBlock atomically renames block's temp file into place and removes
// it from the in-progress set. The caller must have already closed the
// handle returned by StartBlock.
func (s *Store) CommitBlock(block ids.BlockID) error {
	tmp := s.tempPath(block)
	final := s.finalPath(block)
	if err := os.Rename(tmp, final); err != nil {
		return errs.Wrap(errs.IOError, err, "committing block %v", block)
	}

	s.mu.Lock()
	delete(s.inProgress, block)
	s.mu.Unlock()
	return nil
}

// AbortBlock removes block from the in-progress set and best-effort deletes
// its temp file.
func (s *Store) AbortBlock(block ids.BlockID) {
	s.mu.Lock()
	delete(s.inProgress, block)
	s.mu.Unlock()
	os.Remove(s.tempPath(block))
}

// OpenBlockForRead opens block's committed file for reading. Returns an
// IOError-tagged not-found error if it is missing.
func (s *Store) OpenBlockForRead(block ids.BlockID) (io.ReadCloser, error) {
	f, err := os.Open(s.finalPath(block))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.IOError, "block %v not found", block)
		}
		return nil, errs.Wrap(errs.IOError, err, "opening block %v", block)
	}
	return f, nil
}

// Contains reports whether block's committed file exists on disk.
func (s *Store) Contains(block ids.BlockID) bool {
	_, err := os.Stat(s.finalPath(block))
	return err == nil
}

// List returns the ids of every committed block on disk.
func (s *Store) List() ([]ids.BlockID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "listing block store directory %v", s.dir)
	}
	var out []ids.BlockID
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		out = append(out, ids.BlockID(id))
	}
	return out, nil
}
