// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package rpc is the gob-over-HTTP transport shared by the name service
// façade and its clients, modeled on ron's heartbeat protocol: one POST per
// call, gob-encoded request body, gob-encoded response body.
package rpc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/minimega-labs/blockfs/internal/errs"
)

// envelope carries either a decoded response or a server-reported error, so
// a handler-side error still round-trips as a well-formed RPC failure
// rather than an opaque HTTP 500. Kind preserves the error's taxonomy tag
// (e.g. WaitingForReplication) across the wire so the caller can branch on
// it with errs.Is instead of seeing every failure collapse to RPCError.
type envelope struct {
	Kind errs.Kind
	Err  string
}

// Handle registers fn at path on mux. fn decodes its request from the POST
// body and gob-encodes its response (or an error envelope) back.
func Handle[Req any, Resp any](mux *http.ServeMux, path string, fn func(Req) (Resp, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			http.Error(w, "missing request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		var req Req
		if err := gob.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		resp, err := fn(req)
		if err != nil {
			env := envelope{Kind: errs.RPCError, Err: err.Error()}
			var e *errs.Error
			if errors.As(err, &e) {
				env.Kind = e.Kind
				env.Err = e.Msg
				if e.Err != nil {
					env.Err = fmt.Sprintf("%v: %v", e.Msg, e.Err)
				}
			}
			var buf bytes.Buffer
			gob.NewEncoder(&buf).Encode(env)
			w.Header().Set("X-Blockfs-Error", "1")
			w.Write(buf.Bytes())
			return
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
		w.Write(buf.Bytes())
	})
}

// defaultClient is reused across calls so connections are pooled the way
// the rest of the stack expects an http.Client to behave.
var defaultClient = &http.Client{Timeout: 30 * time.Second}

// Call POSTs req (gob-encoded) to endpoint+path and decodes the gob
// response into a Resp. A non-nil error means either the transport failed
// (Kind is always RPCError) or the peer reported a handler-side failure, in
// which case Kind is whatever the handler's error carried.
func Call[Req any, Resp any](endpoint, path string, req Req) (Resp, error) {
	var zero Resp

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return zero, errs.Wrap(errs.RPCError, err, "encoding request to %v%v", endpoint, path)
	}

	resp, err := defaultClient.Post("http://"+endpoint+path, "application/octet-stream", &buf)
	if err != nil {
		return zero, errs.Wrap(errs.RPCError, err, "calling %v%v", endpoint, path)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Blockfs-Error") == "1" {
		var env envelope
		if err := gob.NewDecoder(resp.Body).Decode(&env); err != nil {
			return zero, errs.Wrap(errs.RPCError, err, "decoding error envelope from %v%v", endpoint, path)
		}
		return zero, errs.New(env.Kind, "%v", env.Err)
	}

	var out Resp
	if err := gob.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, errs.Wrap(errs.RPCError, err, "decoding response from %v%v", endpoint, path)
	}
	return out, nil
}

// Listen opens a TCP listener at addr bounded to maxConns simultaneous
// connections via netutil.LimitListener, so a burst of slow or stuck peers
// can't exhaust file descriptors.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "listening on %v", addr)
	}
	return netutil.LimitListener(ln, maxConns), nil
}
