// Package auth resolves credentials for remote git endpoints, keyed by the
// origin (the host name of the endpoint URL, without port or userinfo).
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package auth

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bgentry/go-netrc/netrc"
	"github.com/pkg/errors"
)

// NetrcProvider resolves credentials from a netrc file, by machine name.
type NetrcProvider struct {
	rc *netrc.Netrc
}

// NewNetrcProvider parses the netrc file at path; empty path means the
// conventional ~/.netrc location.
func NewNetrcProvider(path string) (*NetrcProvider, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "netrc: cannot resolve home directory")
		}
		path = filepath.Join(home, ".netrc")
	}
	rc, err := netrc.ParseFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "netrc: failed to parse %s", path)
	}
	return &NetrcProvider{rc: rc}, nil
}

func (np *NetrcProvider) Credentials(_ context.Context, origin string) (*Credentials, error) {
	m := np.rc.FindMachine(origin)
	if m == nil || m.IsDefault() {
		return nil, nil
	}
	return &Credentials{Username: m.Login, Password: m.Password}, nil
}
