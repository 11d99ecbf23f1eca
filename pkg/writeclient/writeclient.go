// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package writeclient is the reference implementation of the write side
// of the three-phase reserve/stream/commit protocol: buffer up to a
// block's worth of bytes into a local temp file, reserve a block and a
// replica chain, stream the buffered bytes into the chain, and retry a
// failed block before finally closing out the file with the
// coordinator.
package writeclient

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/wire"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

// maxBlockRetries bounds how many reserve-and-stream attempts a single
// block gets, the first one included, before giving up.
const maxBlockRetries = 5

// finishCreateMaxAttempts and finishCreateBaseDelay implement the
// exponential backoff a client must apply to a WaitingForReplication
// error from finish_create: 500ms, 1s, 2s, ... up to 10 attempts.
const (
	finishCreateMaxAttempts = 10
	finishCreateBaseDelay   = 500 * time.Millisecond
)

// dialTimeout bounds connecting to the first replica of a chain.
const dialTimeout = 5 * time.Second

// Writer buffers one file's worth of bytes into successive blocks and
// drives the reserve/stream/commit pipeline against a coordinator.
type Writer struct {
	client    *nameservice.Client
	path      string
	blockSize int64

	tmp     *os.File
	buf     int64
	started bool
	closed  bool
}

// Create opens a new file for writing against the given coordinator
// client. blockSize bounds how many bytes are buffered locally before a
// block is reserved and streamed.
func Create(client *nameservice.Client, path string, blockSize int64) (*Writer, error) {
	tmp, err := os.CreateTemp("", "blockfs-write-*")
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "opening local temp backup file")
	}
	return &Writer{client: client, path: path, blockSize: blockSize, tmp: tmp}, nil
}

// Write buffers p into the current block, flushing completed blocks
// through the pipeline as the buffer fills.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errs.New(errs.ArgMissingError, "write to closed writer for %v", w.path)
	}
	total := 0
	for len(p) > 0 {
		room := w.blockSize - w.buf
		n := int64(len(p))
		if n > room {
			n = room
		}
		if _, err := w.tmp.Write(p[:n]); err != nil {
			return total, errs.Wrap(errs.IOError, err, "buffering to local temp file")
		}
		w.buf += n
		total += int(n)
		p = p[n:]
		if w.buf == w.blockSize {
			if err := w.flushBlock(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Close flushes any residual buffered bytes as a final block, then calls
// finish_create, retrying WaitingForReplication with exponential backoff.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer os.Remove(w.tmp.Name())
	defer w.tmp.Close()

	if w.buf > 0 || !w.started {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	delay := finishCreateBaseDelay
	for attempt := 1; attempt <= finishCreateMaxAttempts; attempt++ {
		err := w.client.FinishCreate(w.path)
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.WaitingForReplication) {
			return err
		}
		mlog.Debug("writeclient: finish_create waiting for replication (attempt %d/%d)", attempt, finishCreateMaxAttempts)
		time.Sleep(delay)
		delay *= 2
	}
	return errs.New(errs.WaitingForReplication, "finish_create for %v: replication not satisfied after %d attempts", w.path, finishCreateMaxAttempts)
}

// flushBlock reserves a block (start_create for the first, add_block for
// the rest), streams the buffered temp-file contents into its replica
// chain, and retries on failure with a fresh reservation.
func (w *Writer) flushBlock() error {
	n := w.buf
	w.buf = 0
	defer func() {
		w.tmp.Seek(0, io.SeekStart)
		w.tmp.Truncate(0)
	}()

	var lastErr error
	for attempt := 0; attempt < maxBlockRetries; attempt++ {
		blockID, targets, err := w.nextBlock()
		if err != nil {
			return err
		}

		if err := w.streamBlock(blockID, targets, n); err != nil {
			lastErr = err
			mlog.Warn("writeclient: streaming block %v (attempt %d/%d): %v", blockID, attempt+1, maxBlockRetries, err)
			w.client.AbortBlock(w.path, blockID)
			continue
		}
		return nil
	}
	return errs.Wrap(errs.IOError, lastErr, "streaming block for %v after %d attempts", w.path, maxBlockRetries)
}

// nextBlock reserves the next block of the file: start_create for the
// first block, add_block thereafter.
func (w *Writer) nextBlock() (ids.BlockID, []string, error) {
	if !w.started {
		w.started = true
		b, t, err := w.client.StartCreate(w.path)
		return b.ID, t, err
	}
	b, t, err := w.client.AddBlock(w.path)
	return b.ID, t, err
}

// streamBlock sends length bytes from the start of the temp file to
// targets[0], which chain-forwards to the rest, and waits for the
// end-to-end WriteBlockResponse.
func (w *Writer) streamBlock(block ids.BlockID, targets []string, length int64) error {
	if len(targets) == 0 {
		return errs.New(errs.FSError, "no targets for block %v", block)
	}
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.IOError, err, "seeking local temp file")
	}

	conn, err := net.DialTimeout("tcp", targets[0], dialTimeout)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "dialing %v", targets[0])
	}
	defer conn.Close()

	fr := wire.New(conn)
	if err := fr.WriteOperation(&wire.Operation{Op: wire.OpWriteBlock}); err != nil {
		return err
	}
	if err := fr.WriteWriteBlockOp(&wire.WriteBlockOp{Block: block, Targets: targets}); err != nil {
		return err
	}

	const packetSize = wire.DefaultPacketSize
	remaining := length
	buf := make([]byte, packetSize)
	for {
		n := int64(packetSize)
		if remaining < n {
			n = remaining
		}
		read, rerr := io.ReadFull(w.tmp, buf[:n])
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return errs.Wrap(errs.IOError, rerr, "reading local temp file")
		}
		remaining -= int64(read)
		last := remaining <= 0
		if err := fr.WritePacket(buf[:read], last); err != nil {
			return err
		}
		if last {
			break
		}
	}

	resp, err := fr.ReadWriteBlockResponse()
	if err != nil {
		return err
	}
	if !resp.Success {
		return errs.New(errs.IOError, "replica chain reported failure for block %v", block)
	}
	return nil
}
