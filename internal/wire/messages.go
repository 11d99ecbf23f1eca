// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire

import (
	"encoding/binary"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
)

// OpCode identifies which of the two stream kinds a connection begins.
type OpCode uint8

const (
	OpReadBlock OpCode = iota
	OpWriteBlock
)

// Operation is always the first message on a new connection.
type Operation struct {
	Op OpCode
}

func (m *Operation) marshal() []byte {
	return []byte{byte(m.Op)}
}

func (m *Operation) unmarshal(b []byte) error {
	if len(b) != 1 {
		return errs.New(errs.ProtoError, "Operation: want 1 byte, got %d", len(b))
	}
	m.Op = OpCode(b[0])
	return nil
}

// ReadBlockOp is the second message on a read stream.
type ReadBlockOp struct {
	Block ids.BlockID
}

func (m *ReadBlockOp) marshal() []byte {
	return m.Block[:]
}

func (m *ReadBlockOp) unmarshal(b []byte) error {
	if len(b) != 16 {
		return errs.New(errs.ProtoError, "ReadBlockOp: want 16 bytes, got %d", len(b))
	}
	copy(m.Block[:], b)
	return nil
}

// WriteBlockOp is the second message on a write stream. Targets is the
// ordered list of remaining replica endpoints, including the receiver.
type WriteBlockOp struct {
	Block   ids.BlockID
	Targets []string
}

func (m *WriteBlockOp) marshal() []byte {
	buf := make([]byte, 0, 16+2+len(m.Targets)*16)
	buf = append(buf, m.Block[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Targets)))
	for _, t := range m.Targets {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(t)))
		buf = append(buf, t...)
	}
	return buf
}

func (m *WriteBlockOp) unmarshal(b []byte) error {
	if len(b) < 18 {
		return errs.New(errs.ProtoError, "WriteBlockOp: truncated header")
	}
	copy(m.Block[:], b[:16])
	n := binary.BigEndian.Uint16(b[16:18])
	off := 18
	targets := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		if off+2 > len(b) {
			return errs.New(errs.ProtoError, "WriteBlockOp: truncated target length")
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+l > len(b) {
			return errs.New(errs.ProtoError, "WriteBlockOp: truncated target")
		}
		targets = append(targets, string(b[off:off+l]))
		off += l
	}
	m.Targets = targets
	return nil
}

// Packet is the (length-prefixed) header preceding exactly Size raw payload
// bytes; the payload has no length prefix of its own (the header carries
// Size).
type Packet struct {
	Size     uint64
	Last     bool
	Checksum [32]byte
}

func (m *Packet) marshal() []byte {
	buf := make([]byte, 0, 8+1+32)
	buf = binary.BigEndian.AppendUint64(buf, m.Size)
	if m.Last {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, m.Checksum[:]...)
	return buf
}

func (m *Packet) unmarshal(b []byte) error {
	if len(b) != 41 {
		return errs.New(errs.ProtoError, "Packet: want 41 bytes, got %d", len(b))
	}
	m.Size = binary.BigEndian.Uint64(b[:8])
	m.Last = b[8] != 0
	copy(m.Checksum[:], b[9:])
	return nil
}

// WriteBlockResponse is sent by the tail replica back upstream, hop by hop,
// to report whether the whole chain succeeded.
type WriteBlockResponse struct {
	Success bool
}

func (m *WriteBlockResponse) marshal() []byte {
	if m.Success {
		return []byte{1}
	}
	return []byte{0}
}

func (m *WriteBlockResponse) unmarshal(b []byte) error {
	if len(b) != 1 {
		return errs.New(errs.ProtoError, "WriteBlockResponse: want 1 byte, got %d", len(b))
	}
	m.Success = b[0] != 0
	return nil
}
