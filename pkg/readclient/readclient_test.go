// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package readclient

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/blockstore"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/datanode"
	"github.com/minimega-labs/blockfs/internal/diskprobe"
	"github.com/minimega-labs/blockfs/internal/editlog"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/liveness"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/namespace"
	"github.com/minimega-labs/blockfs/internal/progress"
	"github.com/minimega-labs/blockfs/pkg/writeclient"
)

func startCluster(t *testing.T, replicationFactor, numServers int) *nameservice.Client {
	t.Helper()
	log, err := editlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("editlog open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	cfg := &config.Config{ReplicationFactor: replicationFactor, BlockSize: 1 << 20, PacketSize: 4 << 10}
	bm := bimap.New()
	lv := liveness.New(bm, time.Hour, time.Hour)
	reg := nameservice.New(cfg, namespace.New(), bm, progress.New(), lv, log)
	srv := nameservice.NewServer(reg)

	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("coordinator listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	coordAddr := ln.Addr().String()
	client := nameservice.NewClient(coordAddr)

	for i := 0; i < numServers; i++ {
		store, err := blockstore.New(t.TempDir())
		if err != nil {
			t.Fatalf("blockstore new: %v", err)
		}
		probe, err := diskprobe.New(t.TempDir(), time.Hour)
		if err != nil {
			t.Fatalf("diskprobe new: %v", err)
		}
		dnClient := nameservice.NewClient(coordAddr)
		id := ids.NewServerID()
		dn := datanode.New(id, "", cfg, store, probe, dnClient)
		dln, err := dn.Listen("127.0.0.1:0")
		if err != nil {
			t.Fatalf("datanode listen: %v", err)
		}
		go dn.Serve(dln)
		t.Cleanup(func() { dn.Stop() })

		endpoint := dln.Addr().String()
		if err := dnClient.Heartbeat(id, endpoint, 1<<30, 0); err != nil {
			t.Fatalf("initial heartbeat: %v", err)
		}
	}

	return client
}

func writeFile(t *testing.T, client *nameservice.Client, path string, blockSize int64, contents []byte) {
	t.Helper()
	w, err := writeclient.Create(client, path, blockSize)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Write(contents); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReadBackSingleBlockFile(t *testing.T) {
	client := startCluster(t, 1, 1)
	want := []byte("the quick brown fox")
	writeFile(t, client, "/f", 1<<20, want)

	r, err := Open(client, "/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadBackMultiBlockFileInOrder(t *testing.T) {
	client := startCluster(t, 1, 1)
	const blockSize = 8
	want := bytes.Repeat([]byte("0123456789"), 5)
	writeFile(t, client, "/multi", blockSize, want)

	r, err := Open(client, "/multi")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadEmptyFileReturnsEOFImmediately(t *testing.T) {
	client := startCluster(t, 1, 1)
	writeFile(t, client, "/empty", 1<<20, nil)

	r, err := Open(client, "/empty")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("read = (%d, %v), want (0, io.EOF)", n, err)
	}
}

func TestOpenUnknownPathFails(t *testing.T) {
	client := startCluster(t, 1, 1)
	if _, err := Open(client, "/does/not/exist"); err == nil {
		t.Fatalf("expected error opening unknown path")
	}
}

// TestReadFallsBackToSecondEndpointOnDialFailure exercises the retry path
// by pointing a block's replica list at a closed port before a live one.
func TestReadFallsBackToSecondEndpointOnDialFailure(t *testing.T) {
	client := startCluster(t, 2, 2)
	writeFile(t, client, "/chain", 1<<20, []byte("replicated bytes"))

	locs, err := client.OpenFile("/chain")
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if len(locs[0].Endpoints) != 2 {
		t.Fatalf("endpoints = %v, want 2", locs[0].Endpoints)
	}

	bogus := nameservice.BlockLocation{
		Block:     locs[0].Block,
		Endpoints: []string{"127.0.0.1:1", locs[0].Endpoints[0]},
	}
	r := &Reader{client: client, blocks: []nameservice.BlockLocation{bogus}}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(got) != "replicated bytes" {
		t.Fatalf("got %q", got)
	}
}
