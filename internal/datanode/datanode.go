// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package datanode implements a data service: a TCP listener for the
// block-streaming wire protocol, chain-replication forwarding for
// writes, and a heartbeat loop back to the coordinator.
package datanode

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/minimega-labs/blockfs/internal/blockstore"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/diskprobe"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/rpc"
	"github.com/minimega-labs/blockfs/internal/wire"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

// maxTransferConns bounds simultaneous read/write streams the same way the
// coordinator's RPC listener is bounded.
const maxTransferConns = 512

// maxHeartbeatFailures triggers self-shutdown after this many consecutive
// failed heartbeats.
const maxHeartbeatFailures = 5

// idleTimeout bounds how long a single packet read/write on a streaming
// connection (client or replica-to-replica) may block.
const idleTimeout = 60 * time.Second

// dialTimeout bounds connecting to the next replica in a write chain.
const dialTimeout = 5 * time.Second

// Server is a data service.
type Server struct {
	id       ids.ServerID
	endpoint string
	cfg      *config.Config
	store    *blockstore.Store
	probe    *diskprobe.Probe
	client   *nameservice.Client

	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Server. endpoint is this server's own transfer-port
// address, as reported in heartbeats and handed out as a replica endpoint.
func New(id ids.ServerID, endpoint string, cfg *config.Config, store *blockstore.Store, probe *diskprobe.Probe, client *nameservice.Client) *Server {
	return &Server{
		id:       id,
		endpoint: endpoint,
		cfg:      cfg,
		store:    store,
		probe:    probe,
		client:   client,
		stop:     make(chan struct{}),
	}
}

// Listen opens a bounded TCP listener on bindAddr for Serve to accept
// streaming connections from.
func (s *Server) Listen(bindAddr string) (net.Listener, error) {
	return rpc.Listen(bindAddr, maxTransferConns)
}

// Serve accepts streaming connections over ln until Stop is called or the
// listener errors.
func (s *Server) Serve(ln net.Listener) error {
	mlog.Info("datanode: listening on %v", ln.Addr())

	go func() {
		<-s.stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Stop ends a running Serve loop and the heartbeat loop. Safe to call more
// than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(idleTimeout))
	fr := wire.New(conn)

	op, err := fr.ReadOperation()
	if err != nil {
		mlog.Debug("datanode: reading operation: %v", err)
		return
	}

	switch op.Op {
	case wire.OpReadBlock:
		if err := s.handleReadBlock(fr); err != nil {
			mlog.Debug("datanode: read block: %v", err)
		}
	case wire.OpWriteBlock:
		if err := s.handleWriteBlock(fr); err != nil {
			mlog.Debug("datanode: write block: %v", err)
		}
	default:
		mlog.Warn("datanode: unknown operation %v", op.Op)
	}
}

func (s *Server) handleReadBlock(fr *wire.Framer) error {
	op, err := fr.ReadReadBlockOp()
	if err != nil {
		return err
	}

	rc, err := s.store.OpenBlockForRead(op.Block)
	if err != nil {
		return err
	}
	defer rc.Close()

	return streamAsPackets(rc, fr, int(s.cfg.PacketSize))
}

// streamAsPackets chunks r into packets of at most packetSize bytes,
// marking the final chunk (possibly size 0, for an empty block) with
// last=true.
func streamAsPackets(r io.Reader, fr *wire.Framer, packetSize int) error {
	br := bufio.NewReaderSize(r, packetSize)
	for {
		buf := make([]byte, packetSize)
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		payload := buf[:n]
		_, peekErr := br.Peek(1)
		last := peekErr != nil
		if err := fr.WritePacket(payload, last); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func (s *Server) handleWriteBlock(fr *wire.Framer) error {
	op, err := fr.ReadWriteBlockOp()
	if err != nil {
		return err
	}
	block := op.Block

	var downstream *wire.Framer
	var downstreamConn net.Conn
	if len(op.Targets) > 1 {
		next := op.Targets[1]
		downstreamConn, err = net.DialTimeout("tcp", next, dialTimeout)
		if err == nil {
			downstreamConn.SetDeadline(time.Now().Add(idleTimeout))
			downstream = wire.New(downstreamConn)
			if werr := downstream.WriteOperation(&wire.Operation{Op: wire.OpWriteBlock}); werr != nil {
				err = werr
			} else if werr := downstream.WriteWriteBlockOp(&wire.WriteBlockOp{Block: block, Targets: op.Targets[1:]}); werr != nil {
				err = werr
			}
		}
		if err != nil {
			mlog.Warn("datanode: dialing downstream %v: %v", next, err)
			if downstreamConn != nil {
				downstreamConn.Close()
			}
			downstream = nil
		}
	}
	if downstreamConn != nil {
		defer downstreamConn.Close()
	}

	f, err := s.store.StartBlock(block)
	if err != nil {
		return fr.WriteWriteBlockResponse(&wire.WriteBlockResponse{Success: false})
	}

	var length uint64
	localOK := true
	for {
		payload, last, perr := fr.ReadPacket()
		if perr != nil {
			localOK = false
			break
		}
		if _, werr := f.Write(payload); werr != nil {
			localOK = false
			break
		}
		length += uint64(len(payload))
		if downstream != nil {
			if werr := downstream.WritePacket(payload, last); werr != nil {
				localOK = false
				break
			}
		}
		if last {
			break
		}
	}
	f.Close()

	downstreamOK := true
	if downstream != nil {
		resp, derr := downstream.ReadWriteBlockResponse()
		downstreamOK = derr == nil && resp.Success
	}

	success := localOK && downstreamOK
	if success {
		if err := s.store.CommitBlock(block); err != nil {
			success = false
		}
	}
	if !success {
		s.store.AbortBlock(block)
	} else {
		go s.notifyBlockReceived(model.Block{ID: block, Length: length})
	}

	return fr.WriteWriteBlockResponse(&wire.WriteBlockResponse{Success: success})
}

func (s *Server) notifyBlockReceived(block model.Block) {
	if err := s.client.BlockReceived(s.id, block); err != nil {
		mlog.Warn("datanode: reporting block %v to coordinator: %v", block.ID, err)
	}
}

// HeartbeatLoop sends a heartbeat every DefaultHeartbeatRate until Stop is
// called, self-shutting-down after maxHeartbeatFailures consecutive
// failures.
func (s *Server) HeartbeatLoop() {
	failures := 0
	for {
		select {
		case <-time.After(config.DefaultHeartbeatRate):
			if err := s.sendHeartbeat(); err != nil {
				failures++
				mlog.Warn("datanode: heartbeat failed (%d/%d): %v", failures, maxHeartbeatFailures, err)
				if failures >= maxHeartbeatFailures {
					mlog.Error("datanode: %d consecutive heartbeat failures, shutting down", failures)
					s.Stop()
					return
				}
			} else {
				failures = 0
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Server) sendHeartbeat() error {
	sample, err := s.probe.Current()
	if err != nil {
		return err
	}
	return s.client.Heartbeat(s.id, s.endpoint, sample.Total, sample.Used)
}
