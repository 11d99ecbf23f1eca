// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package readclient is the reference implementation of the read side of
// the protocol: open_file resolves a path to its ordered block list and
// replica endpoints, and each block is streamed in sequence order,
// retrying against a different endpoint on a mid-stream error.
package readclient

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/wire"
)

// dialTimeout bounds connecting to a block's replica.
const dialTimeout = 5 * time.Second

// Reader streams a committed file's blocks in sequence order. Because a
// block is idempotent and non-partial, a stream error mid-block is
// recovered by discarding whatever was read so far and re-reading the
// whole block from a different replica, not by resuming a partial read.
type Reader struct {
	client *nameservice.Client
	blocks []nameservice.BlockLocation

	idx int
	cur *bytes.Reader
}

// Open resolves path via open_file and returns a Reader positioned at the
// first block.
func Open(client *nameservice.Client, path string) (*Reader, error) {
	blocks, err := client.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &Reader{client: client, blocks: blocks}, nil
}

// Read streams the file's blocks in order, transparently advancing to the
// next block at a block boundary. It implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.idx >= len(r.blocks) {
			return 0, io.EOF
		}
		if r.cur == nil {
			data, err := readBlock(r.blocks[r.idx])
			if err != nil {
				return 0, err
			}
			r.cur = bytes.NewReader(data)
		}
		n, err := r.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			r.cur = nil
			r.idx++
			continue
		}
		return 0, err
	}
}

// Close is a no-op; Reader holds no persistent connection between Read
// calls.
func (r *Reader) Close() error { return nil }

// readBlock tries every known replica endpoint for loc in order, fully
// reading the block into memory before returning so a failure partway
// through discards the attempt cleanly rather than handing the caller a
// truncated block.
func readBlock(loc nameservice.BlockLocation) ([]byte, error) {
	if len(loc.Endpoints) == 0 {
		return nil, errs.New(errs.FSError, "no known replicas for block %v", loc.Block.ID)
	}
	var lastErr error
	for _, endpoint := range loc.Endpoints {
		data, err := readBlockFrom(endpoint, loc)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.IOError, lastErr, "reading block %v from any of %v", loc.Block.ID, loc.Endpoints)
}

func readBlockFrom(endpoint string, loc nameservice.BlockLocation) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fr := wire.New(conn)
	if err := fr.WriteOperation(&wire.Operation{Op: wire.OpReadBlock}); err != nil {
		return nil, err
	}
	if err := fr.WriteReadBlockOp(&wire.ReadBlockOp{Block: loc.Block.ID}); err != nil {
		return nil, err
	}

	var out []byte
	for {
		payload, last, err := fr.ReadPacket()
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
		if last {
			return out, nil
		}
	}
}
