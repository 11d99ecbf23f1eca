// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package ids defines the 128-bit identifiers used for blocks and storage
// servers. Both are globally unique and compared/hashed by value.
package ids

import (
	"github.com/google/uuid"
)

// BlockID uniquely identifies a block. Equality and hashing use the id only;
// length and seq, tracked elsewhere, are metadata and never compared here.
type BlockID uuid.UUID

func NewBlockID() BlockID { return BlockID(uuid.New()) }

func (b BlockID) String() string { return uuid.UUID(b).String() }

// ServerID uniquely identifies a storage server, chosen by the server at
// start-up.
type ServerID uuid.UUID

func NewServerID() ServerID { return ServerID(uuid.New()) }

func (s ServerID) String() string { return uuid.UUID(s).String() }

var Nil BlockID
