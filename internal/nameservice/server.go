// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package nameservice

import (
	"net"
	"net/http"

	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
	"github.com/minimega-labs/blockfs/internal/rpc"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

// maxRPCConns bounds the coordinator's RPC listener against a burst of
// slow or stuck callers, the same way netutil guards minimega's meshage
// listener.
const maxRPCConns = 512

const (
	pathHeartbeat       = "/heartbeat"
	pathReportDatanodes = "/report_datanodes"
	pathBlockReceived   = "/block_received"
	pathMkdir           = "/mkdir"
	pathList            = "/list"
	pathOpenFile        = "/open_file"
	pathStartCreate     = "/start_create"
	pathAddBlock        = "/add_block"
	pathAbortBlock      = "/abort_block"
	pathFinishCreate    = "/finish_create"
	pathAbortCreate     = "/abort_create"
)

type heartbeatRequest struct {
	Server        ids.ServerID
	Endpoint      string
	TotalCapacity uint64
	UsedCapacity  uint64
}

type heartbeatResponse struct {
	OK   bool
	Role string
}

type reportDatanodesRequest struct{}

type reportDatanodesResponse struct {
	Servers []model.ServerInfo
}

type blockReceivedRequest struct {
	Server ids.ServerID
	Block  model.Block
}

type blockReceivedResponse struct {
	OK bool
}

type mkdirRequest struct {
	Path string
}

type mkdirResponse struct {
	OK bool
}

type listRequest struct {
	Path string
}

type listResponse struct {
	Entries []string
}

type openFileRequest struct {
	Path string
}

type openFileResponse struct {
	Blocks []BlockLocation
}

type startCreateRequest struct {
	Path string
}

type blockTargets struct {
	Block   model.Block
	Targets []string
}

type addBlockRequest struct {
	Path string
}

type abortBlockRequest struct {
	Path  string
	Block ids.BlockID
}

type abortBlockResponse struct {
	OK bool
}

type finishCreateRequest struct {
	Path string
}

type finishCreateResponse struct {
	OK bool
}

type abortCreateRequest struct {
	Path string
}

type abortCreateResponse struct {
	OK bool
}

// Server exposes a Registry over a gob-over-HTTP RPC surface.
type Server struct {
	reg *Registry
	mux *http.ServeMux
}

// NewServer registers every RPC handler against a fresh mux.
func NewServer(reg *Registry) *Server {
	s := &Server{reg: reg, mux: http.NewServeMux()}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	rpc.Handle(s.mux, pathHeartbeat, func(req heartbeatRequest) (heartbeatResponse, error) {
		s.reg.Heartbeat(req.Server, req.Endpoint, req.TotalCapacity, req.UsedCapacity)
		return heartbeatResponse{OK: true, Role: "Active"}, nil
	})

	rpc.Handle(s.mux, pathReportDatanodes, func(reportDatanodesRequest) (reportDatanodesResponse, error) {
		return reportDatanodesResponse{Servers: s.reg.ReportDatanodes()}, nil
	})

	rpc.Handle(s.mux, pathBlockReceived, func(req blockReceivedRequest) (blockReceivedResponse, error) {
		if _, err := s.reg.BlockReceived(req.Server, req.Block); err != nil {
			return blockReceivedResponse{}, err
		}
		return blockReceivedResponse{OK: true}, nil
	})

	rpc.Handle(s.mux, pathMkdir, func(req mkdirRequest) (mkdirResponse, error) {
		if err := s.reg.Mkdir(req.Path); err != nil {
			return mkdirResponse{}, err
		}
		return mkdirResponse{OK: true}, nil
	})

	rpc.Handle(s.mux, pathList, func(req listRequest) (listResponse, error) {
		entries, err := s.reg.List(req.Path)
		if err != nil {
			return listResponse{}, err
		}
		return listResponse{Entries: entries}, nil
	})

	rpc.Handle(s.mux, pathOpenFile, func(req openFileRequest) (openFileResponse, error) {
		blocks, err := s.reg.OpenFile(req.Path)
		if err != nil {
			return openFileResponse{}, err
		}
		return openFileResponse{Blocks: blocks}, nil
	})

	rpc.Handle(s.mux, pathStartCreate, func(req startCreateRequest) (blockTargets, error) {
		block, targets, err := s.reg.StartCreate(req.Path)
		if err != nil {
			return blockTargets{}, err
		}
		return blockTargets{Block: block, Targets: targets}, nil
	})

	rpc.Handle(s.mux, pathAddBlock, func(req addBlockRequest) (blockTargets, error) {
		block, targets, err := s.reg.AddBlock(req.Path)
		if err != nil {
			return blockTargets{}, err
		}
		return blockTargets{Block: block, Targets: targets}, nil
	})

	rpc.Handle(s.mux, pathAbortBlock, func(req abortBlockRequest) (abortBlockResponse, error) {
		s.reg.AbortBlock(req.Path, req.Block)
		return abortBlockResponse{OK: true}, nil
	})

	rpc.Handle(s.mux, pathFinishCreate, func(req finishCreateRequest) (finishCreateResponse, error) {
		if err := s.reg.FinishCreate(req.Path); err != nil {
			return finishCreateResponse{}, err
		}
		return finishCreateResponse{OK: true}, nil
	})

	rpc.Handle(s.mux, pathAbortCreate, func(req abortCreateRequest) (abortCreateResponse, error) {
		s.reg.AbortCreate(req.Path)
		return abortCreateResponse{OK: true}, nil
	})
}

// Listen opens a bounded TCP listener on addr for Serve to run over. Split
// from Serve so callers (and tests) can learn the bound address before the
// accept loop starts blocking, e.g. when addr's port is "0".
func (s *Server) Listen(addr string) (net.Listener, error) {
	return rpc.Listen(addr, maxRPCConns)
}

// Serve blocks serving RPCs over ln until it is closed or http.Serve
// returns an error.
func (s *Server) Serve(ln net.Listener) error {
	mlog.Info("nameservice: listening on %v", ln.Addr())
	return http.Serve(ln, s.mux)
}

// Client calls a coordinator's RPC surface over the network, used by data
// services (heartbeat, BlockReceived) and by the write/read client
// libraries.
type Client struct {
	endpoint string
}

// NewClient builds a Client bound to a coordinator endpoint (host:port, no
// scheme).
func NewClient(endpoint string) *Client { return &Client{endpoint: endpoint} }

func (c *Client) Heartbeat(server ids.ServerID, selfEndpoint string, total, used uint64) error {
	_, err := rpc.Call[heartbeatRequest, heartbeatResponse](c.endpoint, pathHeartbeat, heartbeatRequest{
		Server: server, Endpoint: selfEndpoint, TotalCapacity: total, UsedCapacity: used,
	})
	return err
}

func (c *Client) ReportDatanodes() ([]model.ServerInfo, error) {
	resp, err := rpc.Call[reportDatanodesRequest, reportDatanodesResponse](c.endpoint, pathReportDatanodes, reportDatanodesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

func (c *Client) BlockReceived(server ids.ServerID, block model.Block) error {
	_, err := rpc.Call[blockReceivedRequest, blockReceivedResponse](c.endpoint, pathBlockReceived, blockReceivedRequest{
		Server: server, Block: block,
	})
	return err
}

func (c *Client) Mkdir(path string) error {
	_, err := rpc.Call[mkdirRequest, mkdirResponse](c.endpoint, pathMkdir, mkdirRequest{Path: path})
	return err
}

func (c *Client) List(path string) ([]string, error) {
	resp, err := rpc.Call[listRequest, listResponse](c.endpoint, pathList, listRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) OpenFile(path string) ([]BlockLocation, error) {
	resp, err := rpc.Call[openFileRequest, openFileResponse](c.endpoint, pathOpenFile, openFileRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func (c *Client) StartCreate(path string) (model.Block, []string, error) {
	resp, err := rpc.Call[startCreateRequest, blockTargets](c.endpoint, pathStartCreate, startCreateRequest{Path: path})
	if err != nil {
		return model.Block{}, nil, err
	}
	return resp.Block, resp.Targets, nil
}

func (c *Client) AddBlock(path string) (model.Block, []string, error) {
	resp, err := rpc.Call[addBlockRequest, blockTargets](c.endpoint, pathAddBlock, addBlockRequest{Path: path})
	if err != nil {
		return model.Block{}, nil, err
	}
	return resp.Block, resp.Targets, nil
}

func (c *Client) AbortBlock(path string, block ids.BlockID) error {
	_, err := rpc.Call[abortBlockRequest, abortBlockResponse](c.endpoint, pathAbortBlock, abortBlockRequest{Path: path, Block: block})
	return err
}

func (c *Client) FinishCreate(path string) error {
	_, err := rpc.Call[finishCreateRequest, finishCreateResponse](c.endpoint, pathFinishCreate, finishCreateRequest{Path: path})
	return err
}

func (c *Client) AbortCreate(path string) error {
	_, err := rpc.Call[abortCreateRequest, abortCreateResponse](c.endpoint, pathAbortCreate, abortCreateRequest{Path: path})
	return err
}
