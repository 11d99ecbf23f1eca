// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package diskprobe periodically samples used/available space under a
// data directory, so capacity reads stay O(1) between samples instead of
// calling statfs(2) on every heartbeat.
package diskprobe

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/minimega-labs/blockfs/internal/errs"
)

// Sample is one disk-usage reading.
type Sample struct {
	Total uint64
	Used  uint64
	Taken time.Time
}

// Probe samples dir's filesystem on a timer and caches the result.
type Probe struct {
	dir      string
	interval time.Duration

	mu   sync.RWMutex
	last Sample

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Probe for dir, taking its first sample immediately so a
// caller never reads a zero-valued Sample.
func New(dir string, interval time.Duration) (*Probe, error) {
	p := &Probe{dir: dir, interval: interval, stop: make(chan struct{})}
	if err := p.refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the most recent sample. If it is older than twice the
// configured interval -- meaning the background loop isn't running or has
// fallen behind -- it forces a synchronous refresh first.
func (p *Probe) Current() (Sample, error) {
	p.mu.RLock()
	last := p.last
	p.mu.RUnlock()

	if time.Since(last.Taken) <= 2*p.interval {
		return last, nil
	}
	if err := p.refresh(); err != nil {
		return Sample{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, nil
}

// Run re-samples every interval until Stop is called. Meant to run in its
// own goroutine.
func (p *Probe) Run() {
	for {
		select {
		case <-time.After(p.interval):
			if err := p.refresh(); err != nil {
				continue
			}
		case <-p.stop:
			return
		}
	}
}

// Stop ends a running sampling loop. Safe to call more than once.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Probe) refresh() error {
	var fs unix.Statfs_t
	if err := unix.Statfs(p.dir, &fs); err != nil {
		return errs.Wrap(errs.IOError, err, "statfs %v", p.dir)
	}

	blockSize := uint64(fs.Bsize)
	total := fs.Blocks * blockSize
	free := fs.Bavail * blockSize
	used := uint64(0)
	if total > free {
		used = total - free
	}

	p.mu.Lock()
	p.last = Sample{Total: total, Used: used, Taken: time.Now()}
	p.mu.Unlock()
	return nil
}
