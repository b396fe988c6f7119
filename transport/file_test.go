// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/gitmirror/tools/tassert"
)

func TestFileTransportRejectsNonRepository(t *testing.T) {
	dir := t.TempDir()
	_, err := newFileTransport("file://"+dir, nil)
	tassert.Fatalf(t, err != nil, "expected a rejection for a directory without objects/")
	_, ok := err.(*OpenError)
	tassert.Errorf(t, ok, "expected *OpenError, got %T", err)
}

func TestFileTransportAcceptsBareRepository(t *testing.T) {
	dir := t.TempDir()
	tassert.CheckFatal(t, os.Mkdir(filepath.Join(dir, "objects"), 0o755))

	tr, err := newFileTransport("file://"+dir, nil)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, tr.URL() == "file://"+dir, "URL: %q", tr.URL())
}

func TestServiceArgvCarriesTheRepoPath(t *testing.T) {
	argv := serviceArgv(ServiceUploadPack, "/srv/git/repo.git")
	tassert.Fatalf(t, len(argv) >= 2, "argv: %v", argv)
	tassert.Errorf(t, argv[len(argv)-1] == "/srv/git/repo.git", "repo path must be the last argument: %v", argv)
}
