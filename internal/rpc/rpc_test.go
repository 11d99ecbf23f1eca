// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package rpc

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/minimega-labs/blockfs/internal/errs"
)

type echoReq struct{ Msg string }
type echoResp struct{ Msg string }

func TestCallRoundTripsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	Handle(mux, "/echo", func(req echoReq) (echoResp, error) {
		return echoResp{Msg: req.Msg}, nil
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := Call[echoReq, echoResp](strings.TrimPrefix(srv.URL, "http://"), "/echo", echoReq{Msg: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Msg != "hi" {
		t.Fatalf("Msg = %q, want %q", resp.Msg, "hi")
	}
}

func TestCallPreservesErrorKind(t *testing.T) {
	mux := http.NewServeMux()
	Handle(mux, "/fail", func(req echoReq) (echoResp, error) {
		return echoResp{}, errs.New(errs.WaitingForReplication, "block %v not yet replicated", req.Msg)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Call[echoReq, echoResp](strings.TrimPrefix(srv.URL, "http://"), "/fail", echoReq{Msg: "b0"})
	if err == nil {
		t.Fatal("Call returned nil error, want WaitingForReplication")
	}
	if !errs.Is(err, errs.WaitingForReplication) {
		t.Fatalf("errs.Is(err, WaitingForReplication) = false, err = %v", err)
	}
	if !strings.Contains(err.Error(), "b0") {
		t.Fatalf("error message lost request detail: %v", err)
	}
}

func TestCallDefaultsUnknownErrorToRPCError(t *testing.T) {
	mux := http.NewServeMux()
	Handle(mux, "/fail", func(req echoReq) (echoResp, error) {
		return echoResp{}, errors.New("boom")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Call[echoReq, echoResp](strings.TrimPrefix(srv.URL, "http://"), "/fail", echoReq{Msg: "x"})
	if !errs.Is(err, errs.RPCError) {
		t.Fatalf("errs.Is(err, RPCError) = false, err = %v", err)
	}
}
