// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package wire implements a length-delimited framed protocol: a sequence
// of messages, each preceded by a variable-length unsigned length
// prefix, used for both client<->data-service and data-service<->
// data-service (replication) streaming.
//
// One Framer wraps a single net.Conn (or any io.ReadWriter) and is used
// by both the read path and the write path, including the
// replica-to-replica forwarding path -- one framer, many callers.
package wire

import (
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/minimega-labs/blockfs/internal/errs"
)

// DefaultPacketSize bounds the payload of a non-terminal Packet. Only the
// terminal packet of a block may be smaller.
const DefaultPacketSize = 64 << 10

// Framer reads and writes messages over a single underlying stream. A
// protocol violation (malformed length prefix, short read, checksum
// mismatch) is non-recoverable: the caller must drop the connection.
type Framer struct {
	rw io.ReadWriter
}

func New(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

func (f *Framer) writeMessage(body []byte) error {
	var lenBuf []byte
	lenBuf = putUvarint(lenBuf, uint64(len(body)))
	if _, err := f.rw.Write(lenBuf); err != nil {
		return errs.Wrap(errs.IOError, err, "writing length prefix")
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := f.rw.Write(body); err != nil {
		return errs.Wrap(errs.IOError, err, "writing message body")
	}
	return nil
}

func (f *Framer) readMessage() ([]byte, error) {
	n, err := readUvarint(f.rw)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.ProtoError, err, "reading length prefix")
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.rw, body); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "reading message body")
	}
	return body, nil
}

func (f *Framer) WriteOperation(m *Operation) error { return f.writeMessage(m.marshal()) }

func (f *Framer) ReadOperation() (*Operation, error) {
	b, err := f.readMessage()
	if err != nil {
		return nil, err
	}
	m := &Operation{}
	if err := m.unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *Framer) WriteReadBlockOp(m *ReadBlockOp) error { return f.writeMessage(m.marshal()) }

func (f *Framer) ReadReadBlockOp() (*ReadBlockOp, error) {
	b, err := f.readMessage()
	if err != nil {
		return nil, err
	}
	m := &ReadBlockOp{}
	if err := m.unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *Framer) WriteWriteBlockOp(m *WriteBlockOp) error { return f.writeMessage(m.marshal()) }

func (f *Framer) ReadWriteBlockOp() (*WriteBlockOp, error) {
	b, err := f.readMessage()
	if err != nil {
		return nil, err
	}
	m := &WriteBlockOp{}
	if err := m.unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *Framer) WriteWriteBlockResponse(m *WriteBlockResponse) error {
	return f.writeMessage(m.marshal())
}

func (f *Framer) ReadWriteBlockResponse() (*WriteBlockResponse, error) {
	b, err := f.readMessage()
	if err != nil {
		return nil, err
	}
	m := &WriteBlockResponse{}
	if err := m.unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// WritePacket writes a Packet header (length-prefixed, like every message)
// followed immediately by exactly len(payload) raw bytes with no prefix of
// their own.
func (f *Framer) WritePacket(payload []byte, last bool) error {
	p := &Packet{Size: uint64(len(payload)), Last: last, Checksum: blake2b.Sum256(payload)}
	if err := f.writeMessage(p.marshal()); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := f.rw.Write(payload); err != nil {
		return errs.Wrap(errs.IOError, err, "writing packet payload")
	}
	return nil
}

// ReadPacket reads a Packet header and its raw payload, verifying the
// content hash. A mismatch is a non-recoverable ProtoError per section 4.1.
func (f *Framer) ReadPacket() (payload []byte, last bool, err error) {
	b, err := f.readMessage()
	if err != nil {
		return nil, false, err
	}
	p := &Packet{}
	if err := p.unmarshal(b); err != nil {
		return nil, false, err
	}
	payload = make([]byte, p.Size)
	if p.Size > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			return nil, false, errs.Wrap(errs.IOError, err, "reading packet payload")
		}
	}
	if blake2b.Sum256(payload) != p.Checksum {
		return nil, false, errs.New(errs.ProtoError, "packet checksum mismatch")
	}
	return payload, p.Last, nil
}
