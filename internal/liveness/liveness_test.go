// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package liveness

import (
	"testing"
	"time"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
)

func TestAliveBeforeTimeout(t *testing.T) {
	bm := bimap.New()
	m := New(bm, 50*time.Millisecond, time.Hour)
	s := ids.NewServerID()

	m.Heartbeat(s, time.Now())
	if !m.Alive(s) {
		t.Fatalf("expected server to be alive right after heartbeat")
	}
}

func TestUnknownServerIsNotAlive(t *testing.T) {
	bm := bimap.New()
	m := New(bm, time.Hour, time.Hour)
	if m.Alive(ids.NewServerID()) {
		t.Fatalf("expected unknown server to be not alive")
	}
}

func TestSweepEvictsStaleServerAndRemovesFromBimap(t *testing.T) {
	bm := bimap.New()
	s := ids.NewServerID()
	bm.InsertServer(model.ServerInfo{ID: s, Endpoint: "h1:9000", TotalCapacity: 100})
	blk := model.Block{ID: ids.NewBlockID()}
	bm.RecordReplica(blk, s)

	m := New(bm, 10*time.Millisecond, time.Hour)
	m.Heartbeat(s, time.Now().Add(-time.Second))

	m.sweep()

	if m.Alive(s) {
		t.Fatalf("expected server to be evicted as stale")
	}
	if _, ok := bm.ServerInfo(s); ok {
		t.Fatalf("expected server to be removed from bimap after sweep")
	}
	if got := bm.ReplicaCount(blk.ID); got != 0 {
		t.Fatalf("replica count after sweep = %d, want 0", got)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	bm := bimap.New()
	m := New(bm, time.Hour, time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
