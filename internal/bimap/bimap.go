// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package bimap implements the coordinator's block<->replica relation:
// two maps kept in lock-step so that s in block_to_servers[b] iff
// b in server_to_blocks[s]. All mutations go through paired methods;
// callers never see the two halves independently, eliminating the need
// for back-pointers.
package bimap

import (
	"sync"

	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
)

type blockEntry struct {
	block    model.Block
	replicas map[ids.ServerID]struct{}
}

// Bimap is safe for concurrent use.
type Bimap struct {
	mu            sync.RWMutex
	blockToServer map[ids.BlockID]*blockEntry
	serverInfo    map[ids.ServerID]model.ServerInfo
	serverBlocks  map[ids.ServerID]map[ids.BlockID]struct{}
}

func New() *Bimap {
	return &Bimap{
		blockToServer: make(map[ids.BlockID]*blockEntry),
		serverInfo:    make(map[ids.ServerID]model.ServerInfo),
		serverBlocks:  make(map[ids.ServerID]map[ids.BlockID]struct{}),
	}
}

// InsertServer registers a new server, or replaces an existing one's full
// state (capacity and block set are reset to empty for a brand-new id).
func (b *Bimap) InsertServer(info model.ServerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serverInfo[info.ID] = info
	if _, ok := b.serverBlocks[info.ID]; !ok {
		b.serverBlocks[info.ID] = make(map[ids.BlockID]struct{})
	}
}

// UpdateServer replaces an existing server's capacity fields, leaving its
// replica set untouched. An unknown server is inserted with an empty
// replica set.
func (b *Bimap) UpdateServer(info model.ServerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.serverInfo[info.ID]; !ok {
		b.serverInfo[info.ID] = info
		b.serverBlocks[info.ID] = make(map[ids.BlockID]struct{})
		return
	}
	b.serverInfo[info.ID] = info
}

// RecordReplica records that server holds block, creating the block entry
// if absent. Returns true iff this is a newly-recorded replica.
func (b *Bimap) RecordReplica(block model.Block, server ids.ServerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.blockToServer[block.ID]
	if !ok {
		e = &blockEntry{block: block, replicas: make(map[ids.ServerID]struct{})}
		b.blockToServer[block.ID] = e
	}
	if _, already := e.replicas[server]; already {
		return false
	}
	e.replicas[server] = struct{}{}

	if _, ok := b.serverBlocks[server]; !ok {
		b.serverBlocks[server] = make(map[ids.BlockID]struct{})
	}
	b.serverBlocks[server][block.ID] = struct{}{}
	return true
}

// RemoveServer removes the server and its id from every block's replica
// set (invoked by the liveness monitor on eviction).
func (b *Bimap) RemoveServer(server ids.ServerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for blockID := range b.serverBlocks[server] {
		if e, ok := b.blockToServer[blockID]; ok {
			delete(e.replicas, server)
		}
	}
	delete(b.serverBlocks, server)
	delete(b.serverInfo, server)
}

// BlockInfo returns the Block value recorded with the first replica report
// for block (carrying its Length), or false if no replica has ever been
// reported.
func (b *Bimap) BlockInfo(block ids.BlockID) (model.Block, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.blockToServer[block]
	if !ok {
		return model.Block{}, false
	}
	return e.block, true
}

// Replicas returns the current replica set for a block, as a slice of
// ServerInfo for servers that are still known to the bimap.
func (b *Bimap) Replicas(block ids.BlockID) []model.ServerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.blockToServer[block]
	if !ok {
		return nil
	}
	out := make([]model.ServerInfo, 0, len(e.replicas))
	for sid := range e.replicas {
		if info, ok := b.serverInfo[sid]; ok {
			out = append(out, info)
		}
	}
	return out
}

// ReplicaCount returns the size of block's replica set without allocating a
// slice. Unlike Replicas, it also counts servers that have no ServerInfo.
func (b *Bimap) ReplicaCount(block ids.BlockID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.blockToServer[block]
	if !ok {
		return 0
	}
	return len(e.replicas)
}

// Exists reports whether block has any entry in the bimap at all,
// regardless of current replica count -- used by block-id allocation to
// avoid colliding with a block that has ever been recorded.
func (b *Bimap) Exists(block ids.BlockID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blockToServer[block]
	return ok
}

// ServerInfo returns the known info for a server, or false if unknown.
func (b *Bimap) ServerInfo(server ids.ServerID) (model.ServerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.serverInfo[server]
	return info, ok
}

// Snapshot returns a copy of all known server info. Taken under the read
// lock and returned without holding it, so callers never hold the bimap
// lock while doing anything that might block.
func (b *Bimap) Snapshot() []model.ServerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.ServerInfo, 0, len(b.serverInfo))
	for _, info := range b.serverInfo {
		out = append(out, info)
	}
	return out
}
