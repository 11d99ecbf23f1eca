// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package errs defines the error taxonomy shared by the coordinator, the
// data services, and the client libraries. Every error surfaced across an
// RPC boundary carries one of these kinds so a caller can distinguish a
// transient condition (WaitingForReplication) from a permanent one.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	IOError Kind = iota
	ProtoError
	RPCError
	AddressParseError
	ConfigError
	FSError
	ArgMissingError
	WaitingForReplication
)

func (k Kind) String() string {
	switch k {
	case IOError:
		return "IOError"
	case ProtoError:
		return "ProtoError"
	case RPCError:
		return "RPCError"
	case AddressParseError:
		return "AddressParseError"
	case ConfigError:
		return "ConfigError"
	case FSError:
		return "FSError"
	case ArgMissingError:
		return "ArgMissingError"
	case WaitingForReplication:
		return "WaitingForReplication"
	}
	return "UnknownError"
}

// Error wraps an underlying cause with a taxonomy Kind so callers can branch
// on errors.As without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
