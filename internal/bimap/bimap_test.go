// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bimap

import (
	"testing"

	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
)

func TestRecordReplicaIsIdempotentAndBidirectional(t *testing.T) {
	b := New()
	s1 := ids.NewServerID()
	b.InsertServer(model.ServerInfo{ID: s1, Endpoint: "h1:9000", TotalCapacity: 100})

	blk := model.Block{ID: ids.NewBlockID(), Length: 10, Seq: 0}

	if !b.RecordReplica(blk, s1) {
		t.Fatalf("expected first record to be new")
	}
	if b.RecordReplica(blk, s1) {
		t.Fatalf("expected second record to be a duplicate")
	}
	if got := b.ReplicaCount(blk.ID); got != 1 {
		t.Fatalf("replica count = %d, want 1", got)
	}
}

func TestRemoveServerClearsReplicaSets(t *testing.T) {
	b := New()
	s1 := ids.NewServerID()
	b.InsertServer(model.ServerInfo{ID: s1, Endpoint: "h1:9000", TotalCapacity: 100})
	blk := model.Block{ID: ids.NewBlockID()}
	b.RecordReplica(blk, s1)

	b.RemoveServer(s1)

	if got := b.ReplicaCount(blk.ID); got != 0 {
		t.Fatalf("replica count after removal = %d, want 0", got)
	}
	if _, ok := b.ServerInfo(s1); ok {
		t.Fatalf("server info should be gone after removal")
	}
}

func TestFreeCapacity(t *testing.T) {
	si := model.ServerInfo{TotalCapacity: 100, UsedCapacity: 40}
	if got := si.FreeCapacity(); got != 60 {
		t.Fatalf("free capacity = %d, want 60", got)
	}
	si.UsedCapacity = 150
	if got := si.FreeCapacity(); got != 0 {
		t.Fatalf("free capacity with overcommit = %d, want 0", got)
	}
}
