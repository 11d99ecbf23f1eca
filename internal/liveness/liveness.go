// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package liveness tracks the last heartbeat time of every known data
// service. A periodic sweep, modeled on ron's clientReaper, evicts
// servers that have gone quiet for longer than the heartbeat timeout and
// removes them from the block<->replica bimap.
package liveness

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

// maxTrackedServers bounds the heartbeat cache so a runaway number of
// short-lived or misbehaving server ids can't grow it unboundedly; evicting
// the least-recently-heartbeated entry under pressure is no worse than
// letting the sweep reap it a little early.
const maxTrackedServers = 100

// Monitor is safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	cache    *lru.Cache[ids.ServerID, time.Time]
	timeout  time.Duration
	recheck  time.Duration
	bm       *bimap.Bimap
	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Monitor that evicts servers silent for longer than
// timeout, sweeping every recheck interval, and removing evicted servers
// from bm.
func New(bm *bimap.Bimap, timeout, recheck time.Duration) *Monitor {
	cache, _ := lru.New[ids.ServerID, time.Time](maxTrackedServers)
	return &Monitor{
		cache:   cache,
		timeout: timeout,
		recheck: recheck,
		bm:      bm,
		stop:    make(chan struct{}),
	}
}

// Heartbeat records that server checked in at t.
func (m *Monitor) Heartbeat(server ids.ServerID, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(server, t)
}

// LastHeartbeat returns the last recorded heartbeat time for server, or the
// zero time if the server has never checked in or has been evicted.
func (m *Monitor) LastHeartbeat(server ids.ServerID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Get(server)
}

// Alive reports whether server has a tracked heartbeat within timeout of
// now.
func (m *Monitor) Alive(server ids.ServerID) bool {
	t, ok := m.LastHeartbeat(server)
	if !ok {
		return false
	}
	return time.Since(t) <= m.timeout
}

// AliveServers returns the ids of every server with a heartbeat recorded
// within timeout of now, in no particular order.
func (m *Monitor) AliveServers() []ids.ServerID {
	m.mu.Lock()
	keys := m.cache.Keys()
	now := time.Now()
	var out []ids.ServerID
	for _, k := range keys {
		if t, ok := m.cache.Peek(k); ok && now.Sub(t) <= m.timeout {
			out = append(out, k)
		}
	}
	m.mu.Unlock()
	return out
}

// Run sweeps the cache every recheck interval until Stop is called. It is
// meant to be started once in its own goroutine.
func (m *Monitor) Run() {
	for {
		select {
		case <-time.After(m.recheck):
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop ends a running sweep loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) sweep() {
	mlog.Debug("liveness: sweep")
	now := time.Now()

	m.mu.Lock()
	var expired []ids.ServerID
	for _, server := range m.cache.Keys() {
		t, ok := m.cache.Peek(server)
		if !ok {
			continue
		}
		if now.Sub(t) > m.timeout {
			expired = append(expired, server)
		}
	}
	for _, server := range expired {
		m.cache.Remove(server)
	}
	m.mu.Unlock()

	for _, server := range expired {
		mlog.Debug("liveness: server %v expired", server)
		m.bm.RemoveServer(server)
	}
}
