// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package datanode

import (
	"net"
	"testing"
	"time"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/blockstore"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/diskprobe"
	"github.com/minimega-labs/blockfs/internal/editlog"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/liveness"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/namespace"
	"github.com/minimega-labs/blockfs/internal/progress"
	"github.com/minimega-labs/blockfs/internal/wire"
)

func startCoordinator(t *testing.T, replicationFactor int) (addr string, client *nameservice.Client) {
	t.Helper()
	log, err := editlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("editlog open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	cfg := &config.Config{ReplicationFactor: replicationFactor, BlockSize: 64 << 20}
	bm := bimap.New()
	lv := liveness.New(bm, time.Hour, time.Hour)
	reg := nameservice.New(cfg, namespace.New(), bm, progress.New(), lv, log)
	srv := nameservice.NewServer(reg)

	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String(), nameservice.NewClient(ln.Addr().String())
}

func startDataService(t *testing.T, coordAddr string) (endpoint string, store *blockstore.Store) {
	t.Helper()
	store, err := blockstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blockstore new: %v", err)
	}
	probe, err := diskprobe.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("diskprobe new: %v", err)
	}
	client := nameservice.NewClient(coordAddr)
	id := ids.NewServerID()

	srv := New(id, "", &config.Config{PacketSize: 4}, store, probe, client)
	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.endpoint = ln.Addr().String()
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Stop() })

	if err := client.Heartbeat(id, srv.endpoint, 1<<30, 0); err != nil {
		t.Fatalf("initial heartbeat: %v", err)
	}
	return srv.endpoint, store
}

// TestChainReplicationTwoHops writes a block through a two-server chain
// and verifies both data services end up with the committed payload and
// the coordinator's write-pipeline contract (WriteBlockResponse) is
// satisfied.
func TestChainReplicationTwoHops(t *testing.T) {
	coordAddr, _ := startCoordinator(t, 2)
	ep1, store1 := startDataService(t, coordAddr)
	ep2, store2 := startDataService(t, coordAddr)

	block := ids.NewBlockID()
	conn, err := net.Dial("tcp", ep1)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fr := wire.New(conn)
	if err := fr.WriteOperation(&wire.Operation{Op: wire.OpWriteBlock}); err != nil {
		t.Fatalf("write operation: %v", err)
	}
	if err := fr.WriteWriteBlockOp(&wire.WriteBlockOp{Block: block, Targets: []string{ep1, ep2}}); err != nil {
		t.Fatalf("write write-block op: %v", err)
	}
	if err := fr.WritePacket([]byte("hell"), false); err != nil {
		t.Fatalf("write packet 1: %v", err)
	}
	if err := fr.WritePacket([]byte("o!!!"), true); err != nil {
		t.Fatalf("write packet 2: %v", err)
	}

	resp, err := fr.ReadWriteBlockResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected chain write success")
	}

	// Give the asynchronous BlockReceived notifications a moment to land.
	time.Sleep(50 * time.Millisecond)

	if !store1.Contains(block) {
		t.Fatalf("expected block committed on first replica")
	}
	if !store2.Contains(block) {
		t.Fatalf("expected block committed on second replica")
	}
}

// TestReadBlockStreamsPacketsWithTerminalFlag checks that an 8-byte block
// read with packet_size=4 comes back as two packets, with last set only
// on the final one.
func TestReadBlockStreamsPacketsWithTerminalFlag(t *testing.T) {
	coordAddr, _ := startCoordinator(t, 1)
	ep, store := startDataService(t, coordAddr)

	block := ids.NewBlockID()
	f, err := store.StartBlock(block)
	if err != nil {
		t.Fatalf("start block: %v", err)
	}
	if _, err := f.WriteString("hello!!!"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := store.CommitBlock(block); err != nil {
		t.Fatalf("commit: %v", err)
	}

	conn, err := net.Dial("tcp", ep)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fr := wire.New(conn)
	if err := fr.WriteOperation(&wire.Operation{Op: wire.OpReadBlock}); err != nil {
		t.Fatalf("write operation: %v", err)
	}
	if err := fr.WriteReadBlockOp(&wire.ReadBlockOp{Block: block}); err != nil {
		t.Fatalf("write read-block op: %v", err)
	}

	var got []byte
	packets := 0
	for {
		payload, last, err := fr.ReadPacket()
		if err != nil {
			t.Fatalf("read packet: %v", err)
		}
		packets++
		got = append(got, payload...)
		if last {
			break
		}
	}
	if packets != 2 {
		t.Fatalf("read %d packets, want 2", packets)
	}
	if string(got) != "hello!!!" {
		t.Fatalf("read %q, want %q", got, "hello!!!")
	}
}
