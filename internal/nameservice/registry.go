// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package nameservice implements the coordinator's façade: it owns the
// namespace tree, the block<->replica bimap, the progress tracker, the
// liveness monitor, and the edit log, and orchestrates them behind an
// RPC surface reachable from data services and file clients.
package nameservice

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/editlog"
	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/liveness"
	"github.com/minimega-labs/blockfs/internal/model"
	"github.com/minimega-labs/blockfs/internal/namespace"
	"github.com/minimega-labs/blockfs/internal/progress"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

// maxBlockIDAttempts bounds the rejection-sampling loop for a fresh block
// id; a collision after this many tries means something is structurally
// wrong (a broken random source), not bad luck.
const maxBlockIDAttempts = 64

// Registry is the coordinator's full in-memory + journaled state.
type Registry struct {
	cfg *config.Config
	ns  *namespace.Tree
	bm  *bimap.Bimap
	pt  *progress.Tracker
	lv  *liveness.Monitor
	log *editlog.Log

	// createMu serializes the start_create/add_block/finish_create/
	// abort_create state machine; the namespace, bimap, and progress
	// tracker each have their own locks for point reads, but the
	// multi-step creation protocol needs a single writer at a time
	// across those steps.
	createMu sync.Mutex
}

// New wires together a fresh (or, after Replay, restored) Registry.
func New(cfg *config.Config, ns *namespace.Tree, bm *bimap.Bimap, pt *progress.Tracker, lv *liveness.Monitor, log *editlog.Log) *Registry {
	return &Registry{cfg: cfg, ns: ns, bm: bm, pt: pt, lv: lv, log: log}
}

// Apply replays one edit-log record into the namespace tree (block
// replicas are rebuilt separately, from data-service BlockReceived reports
// after restart, not from the log).
func (r *Registry) Apply(rec editlog.Record) error {
	switch rec.Kind {
	case editlog.KindMkdir:
		return r.ns.Mkdir(rec.Path)
	case editlog.KindAddFile:
		return r.ns.CreateFile(rec.Path, rec.Blocks)
	default:
		return errs.New(errs.IOError, "unknown edit log record kind during replay")
	}
}

// Heartbeat refreshes liveness and server capacity. Its RPC handler always
// answers Active since there is exactly one coordinator.
func (r *Registry) Heartbeat(server ids.ServerID, endpoint string, total, used uint64) {
	info := model.ServerInfo{ID: server, Endpoint: endpoint, TotalCapacity: total, UsedCapacity: used}
	if _, ok := r.bm.ServerInfo(server); ok {
		r.bm.UpdateServer(info)
	} else {
		r.bm.InsertServer(info)
	}
	r.lv.Heartbeat(server, time.Now())
}

// ReportDatanodes returns a snapshot of alive servers' info, sorted by id
// for deterministic output across calls.
func (r *Registry) ReportDatanodes() []model.ServerInfo {
	alive := make(map[ids.ServerID]struct{})
	for _, s := range r.lv.AliveServers() {
		alive[s] = struct{}{}
	}

	var out []model.ServerInfo
	for _, info := range r.bm.Snapshot() {
		if _, ok := alive[info.ID]; ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// BlockReceived records a replica report and returns whether it was newly
// recorded; the replication counter is bumped only then.
func (r *Registry) BlockReceived(server ids.ServerID, block model.Block) (bool, error) {
	if _, ok := r.bm.ServerInfo(server); !ok {
		return false, errs.New(errs.RPCError, "unregistered server %v", server)
	}
	newly := r.bm.RecordReplica(block, server)
	if newly {
		r.pt.IncrementReplication(block.ID)
	}
	return newly, nil
}

// Mkdir delegates to the namespace tree and journals on success.
func (r *Registry) Mkdir(path string) error {
	if err := r.ns.Mkdir(path); err != nil {
		return err
	}
	if err := r.log.Append(editlog.Record{Kind: editlog.KindMkdir, Path: path}); err != nil {
		mlog.Fatal("editlog append failed, cannot continue safely: %v", err)
	}
	return nil
}

// List delegates to the namespace tree.
func (r *Registry) List(path string) ([]string, error) { return r.ns.List(path) }

// BlockLocation pairs a block with its currently known replica endpoints.
type BlockLocation struct {
	Block     model.Block
	Endpoints []string
}

// OpenFile resolves path's block list to replica endpoints.
func (r *Registry) OpenFile(path string) ([]BlockLocation, error) {
	blocks, err := r.ns.OpenFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]BlockLocation, len(blocks))
	for i, b := range blocks {
		var endpoints []string
		for _, info := range r.bm.Replicas(b.ID) {
			endpoints = append(endpoints, info.Endpoint)
		}
		out[i] = BlockLocation{Block: b, Endpoints: endpoints}
	}
	return out, nil
}

// StartCreate begins path's creation: check_can_create, add_file, then
// target selection for block seq 0.
func (r *Registry) StartCreate(path string) (model.Block, []string, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.ns.CheckCanCreate(path); err != nil {
		return model.Block{}, nil, err
	}
	if err := r.pt.AddFile(path); err != nil {
		return model.Block{}, nil, err
	}

	block, targets, err := r.reserveNextBlock(path)
	if err != nil {
		r.pt.RemoveFile(path)
		return model.Block{}, nil, err
	}
	return block, targets, nil
}

// AddBlock reserves the next block of an in-flight file, after checking
// that every previously reserved block has reached the replication
// factor.
func (r *Registry) AddBlock(path string) (model.Block, []string, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.checkReplicationSatisfied(path); err != nil {
		return model.Block{}, nil, err
	}
	return r.reserveNextBlock(path)
}

// AbortBlock removes a reserved block from path's in-flight list; it does
// not roll back any replication counters. An id that a server has already
// reported stays in the bimap, so freshBlockID never hands it out again.
func (r *Registry) AbortBlock(path string, block ids.BlockID) {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	r.pt.RemoveBlock(path, block)
}

// FinishCreate commits path's reserved blocks into the namespace tree
// (taking each block's length from the bimap, where BlockReceived has
// already recorded it), journals the AddFile record, and clears the file's
// in-flight state.
func (r *Registry) FinishCreate(path string) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if err := r.checkReplicationSatisfied(path); err != nil {
		return err
	}

	blockIDs, err := r.pt.BlockIDs(path)
	if err != nil {
		return err
	}

	blocks := make([]model.Block, len(blockIDs))
	for i, id := range blockIDs {
		length := uint64(0)
		if info, ok := r.bm.BlockInfo(id); ok {
			length = info.Length
		}
		blocks[i] = model.Block{ID: id, Seq: uint64(i), Length: length}
	}

	if err := r.ns.CreateFile(path, blocks); err != nil {
		return err
	}
	if err := r.log.Append(editlog.Record{Kind: editlog.KindAddFile, Path: path, Blocks: blocks}); err != nil {
		mlog.Fatal("editlog append failed, cannot continue safely: %v", err)
	}
	r.pt.RemoveFile(path)
	return nil
}

// AbortCreate discards path's in-flight state. No log record: the file
// never existed in the namespace tree.
func (r *Registry) AbortCreate(path string) {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	r.pt.RemoveFile(path)
}

func (r *Registry) checkReplicationSatisfied(path string) error {
	blockIDs, err := r.pt.BlockIDs(path)
	if err != nil {
		return err
	}
	for _, id := range blockIDs {
		if r.pt.ReplicationCount(id) < uint64(r.cfg.ReplicationFactor) {
			return errs.New(errs.WaitingForReplication, "block %v has not reached replication factor", id)
		}
	}
	return nil
}

// reserveNextBlock runs target selection for the next sequence number of
// path and records the reservation in the progress tracker.
func (r *Registry) reserveNextBlock(path string) (model.Block, []string, error) {
	targets, err := r.selectTargets()
	if err != nil {
		return model.Block{}, nil, err
	}

	id, err := r.freshBlockID()
	if err != nil {
		return model.Block{}, nil, err
	}

	seq, err := r.pt.AddBlock(path, id)
	if err != nil {
		return model.Block{}, nil, err
	}

	return model.Block{ID: id, Seq: seq}, targets, nil
}

// selectTargets shuffles the alive-servers list uniformly at random, then
// walks it re-reading each candidate's ServerInfo live at the moment it's
// considered (rather than a snapshot taken before the shuffle), accepting
// any server whose free capacity exceeds the configured block size, and
// stops once replication_factor targets are accepted.
func (r *Registry) selectTargets() ([]string, error) {
	candidates := r.lv.AliveServers()
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	var targets []string
	for _, id := range candidates {
		info, ok := r.bm.ServerInfo(id)
		if !ok || info.FreeCapacity() <= uint64(r.cfg.BlockSize) {
			continue
		}
		targets = append(targets, info.Endpoint)
		if len(targets) == r.cfg.ReplicationFactor {
			return targets, nil
		}
	}
	return nil, errs.New(errs.FSError, "no targets: fewer than %d servers have free capacity", r.cfg.ReplicationFactor)
}

// freshBlockID rejection-samples a block id that collides with neither the
// bimap's recorded blocks nor the progress tracker's in-flight set.
func (r *Registry) freshBlockID() (ids.BlockID, error) {
	for i := 0; i < maxBlockIDAttempts; i++ {
		id := ids.NewBlockID()
		if r.bm.Exists(id) || r.pt.ContainsBlock(id) {
			continue
		}
		return id, nil
	}
	return ids.Nil, errs.New(errs.IOError, "could not allocate a fresh block id after %d attempts", maxBlockIDAttempts)
}
