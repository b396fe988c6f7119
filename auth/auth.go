// Package auth resolves credentials for remote git endpoints, keyed by the
// origin (the host name of the endpoint URL, without port or userinfo).
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package auth

import (
	"context"
)

type (
	// Credentials is what a provider hands back for an origin: either a
	// basic (username, password) pair or a verbatim Authorization header
	// value (app-token providers), never both.
	Credentials struct {
		Username string
		Password string
		Header   string
	}

	// Provider resolves credentials for an origin. A (nil, nil) return
	// means "no credentials known" and is not an error; the transport then
	// proceeds unauthenticated.
	Provider interface {
		Credentials(ctx context.Context, origin string) (*Credentials, error)
	}
)

func (c *Credentials) IsBasic() bool { return c != nil && c.Header == "" }

//////////
// Noop //
//////////

// NoopProvider never has credentials.
type NoopProvider struct{}

func (NoopProvider) Credentials(context.Context, string) (*Credentials, error) { return nil, nil }

/////////////
// Chained //
/////////////

// ChainedProvider asks each provider in order; the first answer wins.
type ChainedProvider struct {
	providers []Provider
}

func NewChainedProvider(providers ...Provider) *ChainedProvider {
	return &ChainedProvider{providers: providers}
}

func (cp *ChainedProvider) Add(p Provider) { cp.providers = append(cp.providers, p) }

func (cp *ChainedProvider) Credentials(ctx context.Context, origin string) (*Credentials, error) {
	for _, p := range cp.providers {
		creds, err := p.Credentials(ctx, origin)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			return creds, nil
		}
	}
	return nil, nil
}
