// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/NVIDIA/gitmirror/cmn/cos"
)

// ErrUnsupportedScheme: no registered transport can handle the URL.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

type (
	// OpenError: the substrate could not be established (spawn failure, SSH
	// auth failure, HTTP non-200 or content-type mismatch on hello).
	OpenError struct {
		URL string
		Err error
	}

	// ProtocolError: the peer violated the wire protocol.
	ProtocolError struct {
		Reason string
	}

	// NegotiationError: the v2 fetch acknowledgments section terminated with
	// a flush-pkt, so no pack follows. Missing lists the wants that were not
	// acknowledged; it is empty when every want was.
	NegotiationError struct {
		Missing []string
	}

	// ServerClosedError: EOF while a packet was expected. Stderr carries
	// whatever the remote process wrote, when the substrate exposes it.
	ServerClosedError struct {
		Err    error
		Stderr string
	}

	// PushRejectedError: the server refused the push outright (non-200 on
	// the push POST, or a sideband error line).
	PushRejectedError struct {
		Reason string
	}
)

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open connection to %s: %v", e.URL, e.Err)
}
func (e *OpenError) Unwrap() error { return e.Err }

func protoErrf(format string, a ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, a...)}
}

func (e *ProtocolError) Error() string { return "protocol violation: " + e.Reason }

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("server negotiation failed, %d object%s not acknowledged: %s",
		len(e.Missing), cos.Plural(len(e.Missing)), strings.Join(e.Missing, ", "))
}

func (e *ServerClosedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("server closed connection: %v: %s", e.Err, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("server closed connection: %v", e.Err)
}
func (e *ServerClosedError) Unwrap() error { return e.Err }

func (e *PushRejectedError) Error() string { return "push rejected: " + e.Reason }
