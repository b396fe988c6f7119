// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"

	"github.com/NVIDIA/gitmirror/auth"
)

const Version = "1.1.0"

type (
	// Transport constructs connections to one remote endpoint. A transport
	// outlives any connection it spawns; the credential provider is shared
	// by reference across transports.
	Transport interface {
		// Fetch opens a connection to the endpoint's git-upload-pack.
		Fetch(ctx context.Context) (*FetchConn, error)
		// Push opens a connection to the endpoint's git-receive-pack.
		Push(ctx context.Context) (*PushConn, error)
		// URL returns the normalized endpoint URL.
		URL() string
	}

	adapter struct {
		canHandle func(url string) bool
		create    func(url string, creds auth.Provider) (Transport, error)
	}
)

// checked in registration order
var registry = []adapter{
	{canHandleFileURL, newFileTransport},
	{canHandleSSHURL, newSSHTransport},
	{canHandleHTTPURL, newHTTPTransport},
}

// FromURL returns a transport for the URL's scheme, or an *OpenError wrapping
// ErrUnsupportedScheme.
func FromURL(url string, creds auth.Provider) (Transport, error) {
	for _, a := range registry {
		if a.canHandle(url) {
			return a.create(url, creds)
		}
	}
	return nil, &OpenError{URL: url, Err: ErrUnsupportedScheme}
}
