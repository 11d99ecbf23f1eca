// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package blockstore

import (
	"io"
	"testing"

	"github.com/minimega-labs/blockfs/internal/ids"
)

func TestStartWriteCommitThenRead(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	blk := ids.NewBlockID()

	f, err := s.StartBlock(blk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.CommitBlock(blk); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !s.Contains(blk) {
		t.Fatalf("expected committed block to be present")
	}

	rc, err := s.OpenBlockForRead(blk)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read %q, want %q", got, "hello")
	}
}

func TestStartBlockRejectsDuplicateInProgress(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	blk := ids.NewBlockID()

	if _, err := s.StartBlock(blk); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.StartBlock(blk); err == nil {
		t.Fatalf("expected error starting an already-in-progress block")
	}
}

func TestAbortBlockClearsInProgressAndDeletesTemp(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	blk := ids.NewBlockID()

	f, err := s.StartBlock(blk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.Close()

	s.AbortBlock(blk)

	if s.Contains(blk) {
		t.Fatalf("expected aborted block to not be committed")
	}
	// Starting again should now succeed since the in-progress entry is gone.
	f2, err := s.StartBlock(blk)
	if err != nil {
		t.Fatalf("restart after abort: %v", err)
	}
	f2.Close()
}

func TestOpenBlockForReadMissingReturnsError(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.OpenBlockForRead(ids.NewBlockID()); err == nil {
		t.Fatalf("expected error reading missing block")
	}
}

func TestListReturnsOnlyCommittedBlocks(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	committed := ids.NewBlockID()
	f, _ := s.StartBlock(committed)
	f.Close()
	if err := s.CommitBlock(committed); err != nil {
		t.Fatalf("commit: %v", err)
	}

	inProgress := ids.NewBlockID()
	f2, _ := s.StartBlock(inProgress)
	f2.Close()

	got, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0] != committed {
		t.Fatalf("list = %v, want [%v]", got, committed)
	}
}
