// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire

import (
	"io"

	"github.com/minimega-labs/blockfs/internal/errs"
)

// maxVarintBytes bounds the length prefix: base-128, 7 bits per byte,
// high-bit continuation, at most 10 bytes (enough for a full uint64).
const maxVarintBytes = 10

// putUvarint appends the base-128 varint encoding of v to buf.
func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readUvarint reads a base-128 varint length prefix from r.
func readUvarint(r io.Reader) (uint64, error) {
	var x uint64
	var s uint
	var b [1]byte
	for i := 0; i < maxVarintBytes; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		if b[0] < 0x80 {
			if i == maxVarintBytes-1 && b[0] > 1 {
				return 0, errs.New(errs.ProtoError, "varint overflow")
			}
			return x | uint64(b[0])<<s, nil
		}
		x |= uint64(b[0]&0x7f) << s
		s += 7
	}
	return 0, errs.New(errs.ProtoError, "varint exceeds %d bytes", maxVarintBytes)
}
