// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package model defines the data-model entities shared across the
// namespace tree, the bimap, the progress tracker, and the edit log, so
// that none of those packages needs to import another for a single
// struct definition.
package model

import "github.com/minimega-labs/blockfs/internal/ids"

// Block is created-once, written-once, and immutable thereafter. Equality
// and hashing use ID only; Length and Seq are metadata.
type Block struct {
	ID     ids.BlockID
	Length uint64
	Seq    uint64
}

// ServerInfo describes a storage server as reported via heartbeat.
type ServerInfo struct {
	ID            ids.ServerID
	Endpoint      string
	TotalCapacity uint64
	UsedCapacity  uint64
}

func (s ServerInfo) FreeCapacity() uint64 {
	if s.UsedCapacity >= s.TotalCapacity {
		return 0
	}
	return s.TotalCapacity - s.UsedCapacity
}
