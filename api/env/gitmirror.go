// Package env contains environment variables
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package env

var (
	GitMirror = struct {
		HTTPTimeout string
		Protocol    string
	}{
		// total per-request HTTP timeout, in seconds (default 1200)
		HTTPTimeout: "GITMIRROR_HTTP_TIMEOUT",

		// set on spawned git-upload-pack/git-receive-pack processes
		// ("GIT_PROTOCOL=version=<n>"), see gitprotocol-pack(5)
		Protocol: "GIT_PROTOCOL",
	}
)
