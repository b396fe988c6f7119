// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/NVIDIA/gitmirror/api/env"
	"github.com/NVIDIA/gitmirror/auth"
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const fileURLPrefix = "file://"

type (
	// FileTransport runs the server-side binaries as local child processes,
	// speaking the protocol over stdio pipes.
	FileTransport struct {
		url  string
		path string
	}

	fileSub struct {
		path     string
		cmd      *exec.Cmd
		drainWG  sync.WaitGroup
		errMu    sync.Mutex
		errLines []string
	}
)

// interface guard
var _ Transport = (*FileTransport)(nil)

func canHandleFileURL(url string) bool { return strings.HasPrefix(url, fileURLPrefix) }

func newFileTransport(url string, _ auth.Provider) (Transport, error) {
	path, err := filepath.Abs(strings.TrimPrefix(url, fileURLPrefix))
	if err != nil {
		return nil, &OpenError{URL: url, Err: err}
	}
	// cheap sanity check that the path is a repository at all
	fi, err := os.Stat(filepath.Join(path, "objects"))
	if err != nil || !fi.IsDir() {
		return nil, &OpenError{URL: url, Err: fmt.Errorf("%s does not look like a git repository", path)}
	}
	return &FileTransport{url: fileURLPrefix + path, path: path}, nil
}

func (t *FileTransport) URL() string { return t.url }

func (t *FileTransport) Fetch(ctx context.Context) (*FetchConn, error) {
	c := newFetchConn(&fileSub{path: t.path})
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.url, Err: err}
	}
	return c, nil
}

func (t *FileTransport) Push(ctx context.Context) (*PushConn, error) {
	c := newPushConn(&fileSub{path: t.path})
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.url, Err: err}
	}
	return c, nil
}

/////////////
// fileSub //
/////////////

// serviceArgv prefers the dedicated plumbing binary when it is on PATH and
// falls back to the umbrella `git` binary otherwise (some distributions keep
// git-upload-pack and friends out of PATH).
func serviceArgv(service, repoPath string) []string {
	if _, err := exec.LookPath(service); err == nil {
		return []string{service, repoPath}
	}
	return []string{"git", strings.TrimPrefix(service, "git-"), repoPath}
}

func (s *fileSub) open(ctx context.Context, service string, protover int) (*gitprotocol.FrameReader, *gitprotocol.FrameWriter, error) {
	argv := serviceArgv(service, s.path)
	glog.V(4).Infof("spawning %v", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// minimal environment: just enough to run git and pick the protocol
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		fmt.Sprintf("%s=version=%d", env.GitMirror.Protocol, protover),
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to start %s", service)
	}
	s.cmd = cmd

	s.drainWG.Add(1)
	go func() {
		defer s.drainWG.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			glog.Errorf("%s: %s", service, line)
			s.errMu.Lock()
			s.errLines = append(s.errLines, line)
			s.errMu.Unlock()
		}
	}()

	return gitprotocol.NewFrameReader(stdout), gitprotocol.NewFrameWriter(stdin), nil
}

func (s *fileSub) close(context.Context) error {
	if s.cmd == nil {
		return nil
	}
	if s.cmd.ProcessState == nil {
		// not reaped yet (ProcessState is only set by Wait): a child that
		// already exited on stdin EOF ignores the signal, one still running
		// is terminated
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	err := s.cmd.Wait()
	s.drainWG.Wait()
	if err != nil && !isTermSignal(err) {
		glog.V(4).Infof("%s exited: %v", s.cmd.Path, err)
	}
	return nil
}

func (s *fileSub) stderrTail() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return strings.Join(s.errLines, "\n")
}

func isTermSignal(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM
}
