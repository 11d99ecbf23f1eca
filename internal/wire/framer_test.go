// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire

import (
	"bytes"
	"testing"

	"github.com/minimega-labs/blockfs/internal/ids"
)

func TestOperationRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	if err := f.WriteOperation(&Operation{Op: OpWriteBlock}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.ReadOperation()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Op != OpWriteBlock {
		t.Fatalf("got %v, want OpWriteBlock", got.Op)
	}
}

func TestWriteBlockOpRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	want := &WriteBlockOp{Block: ids.NewBlockID(), Targets: []string{"10.0.0.1:9000", "10.0.0.2:9000"}}
	if err := f.WriteWriteBlockOp(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.ReadWriteBlockOp()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Block != want.Block {
		t.Fatalf("block mismatch")
	}
	if len(got.Targets) != 2 || got.Targets[0] != want.Targets[0] || got.Targets[1] != want.Targets[1] {
		t.Fatalf("targets mismatch: %v", got.Targets)
	}
}

func TestPacketRoundTripAndTerminal(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	payloads := [][]byte{[]byte("hell"), []byte("o!!!")}
	for i, p := range payloads {
		if err := f.WritePacket(p, i == len(payloads)-1); err != nil {
			t.Fatalf("write packet %d: %v", i, err)
		}
	}

	var total int
	for i := range payloads {
		payload, last, err := f.ReadPacket()
		if err != nil {
			t.Fatalf("read packet %d: %v", i, err)
		}
		if !bytes.Equal(payload, payloads[i]) {
			t.Fatalf("packet %d payload mismatch: got %q want %q", i, payload, payloads[i])
		}
		total += len(payload)
		wantLast := i == len(payloads)-1
		if last != wantLast {
			t.Fatalf("packet %d last=%v want %v", i, last, wantLast)
		}
	}
	if total != 8 {
		t.Fatalf("total bytes %d, want 8", total)
	}
}

func TestPacketChecksumMismatchFailsStream(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	if err := f.WritePacket([]byte("payload"), true); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw := buf.Bytes()
	// Corrupt a single payload byte (the payload is the final 7 bytes of the
	// encoded message).
	raw[len(raw)-1] ^= 0xFF

	corrupted := bytes.NewBuffer(raw)
	cf := New(corrupted)
	if _, _, err := cf.ReadPacket(); err == nil {
		t.Fatalf("expected checksum mismatch error, got nil")
	}
}

func TestWriteBlockResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	if err := f.WriteWriteBlockResponse(&WriteBlockResponse{Success: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.ReadWriteBlockResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Success {
		t.Fatalf("got success=false, want true")
	}
}
