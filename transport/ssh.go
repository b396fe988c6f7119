// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/gitmirror/api/env"
	"github.com/NVIDIA/gitmirror/auth"
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	sshURLPrefix     = "ssh://"
	sshDefaultPort   = "22"
	sshDialTimeout   = 60 * time.Second
	sshStderrMaxSize = 64 * 1024
)

type (
	// SSHTransport runs the server-side commands on a remote host over a
	// secure shell session, one remote process per connection.
	SSHTransport struct {
		url   string
		user  string
		host  string
		port  string
		path  string
		creds auth.Provider
	}

	sshSub struct {
		t       *SSHTransport
		client  *ssh.Client
		session *ssh.Session
		stderr  *boundedBuf
	}

	// boundedBuf keeps the tail of remote stderr for error attribution.
	boundedBuf struct {
		mu  sync.Mutex
		buf []byte
	}
)

// interface guard
var _ Transport = (*SSHTransport)(nil)

func canHandleSSHURL(url string) bool { return strings.HasPrefix(url, sshURLPrefix) }

func newSSHTransport(rawURL string, creds auth.Provider) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &OpenError{URL: rawURL, Err: err}
	}
	if u.Host == "" || u.Path == "" {
		return nil, &OpenError{URL: rawURL, Err: errors.New("ssh URL requires a host and a repository path")}
	}
	t := &SSHTransport{
		url:   rawURL,
		user:  u.User.Username(),
		host:  u.Hostname(),
		port:  u.Port(),
		path:  strings.TrimPrefix(u.Path, "/"),
		creds: creds,
	}
	if t.port == "" {
		t.port = sshDefaultPort
	}
	if t.user == "" {
		t.user = "git"
	}
	return t, nil
}

func (t *SSHTransport) URL() string {
	return fmt.Sprintf("%s%s@%s:%s/%s", sshURLPrefix, t.user, t.host, t.port, t.path)
}

func (t *SSHTransport) Fetch(ctx context.Context) (*FetchConn, error) {
	c := newFetchConn(&sshSub{t: t, stderr: &boundedBuf{}})
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.url, Err: err}
	}
	return c, nil
}

func (t *SSHTransport) Push(ctx context.Context) (*PushConn, error) {
	c := newPushConn(&sshSub{t: t, stderr: &boundedBuf{}})
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.url, Err: err}
	}
	return c, nil
}

////////////
// sshSub //
////////////

func (s *sshSub) open(ctx context.Context, service string, protover int) (*gitprotocol.FrameReader, *gitprotocol.FrameWriter, error) {
	cfg := &ssh.ClientConfig{
		User:            s.t.user,
		Auth:            s.authMethods(ctx),
		HostKeyCallback: hostKeyCallback(),
		Timeout:         sshDialTimeout,
	}
	addr := net.JoinHostPort(s.t.host, s.t.port)
	glog.V(4).Infof("dialing ssh %s@%s", s.t.user, addr)

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "ssh dial %s", addr)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, errors.Wrap(err, "ssh session")
	}
	// best effort: most sshd installations only accept LC_* and friends
	_ = session.Setenv(env.GitMirror.Protocol, fmt.Sprintf("version=%d", protover))

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, nil, err
	}
	session.Stderr = s.stderr

	command := fmt.Sprintf("%s '%s'", service, strings.ReplaceAll(s.t.path, "'", `'\''`))
	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, nil, errors.Wrapf(err, "ssh start %q", command)
	}
	s.client, s.session = client, session
	return gitprotocol.NewFrameReader(stdout), gitprotocol.NewFrameWriter(stdin), nil
}

func (s *sshSub) close(context.Context) error {
	if s.session == nil {
		return nil
	}
	// stdin was EOF-ed by the connection's CloseWrite; wait for the remote
	// process, then drop the session
	if err := s.session.Wait(); err != nil {
		glog.V(4).Infof("remote process: %v", err)
	}
	s.session.Close()
	return s.client.Close()
}

func (s *sshSub) stderrTail() string { return s.stderr.String() }

// authMethods: the ssh-agent when available, plus a password when the
// credential provider has a basic pair for the host.
func (s *sshSub) authMethods(ctx context.Context) (methods []ssh.AuthMethod) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			glog.Warningf("ssh-agent unavailable: %v", err)
		}
	}
	if s.t.creds != nil {
		if creds, err := s.t.creds.Credentials(ctx, s.t.host); err == nil && creds.IsBasic() {
			methods = append(methods, ssh.Password(creds.Password))
		}
	}
	return
}

func hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			return cb
		}
	}
	glog.Warning("no usable known_hosts file, skipping host key verification")
	return ssh.InsecureIgnoreHostKey()
}

////////////////
// boundedBuf //
////////////////

func (b *boundedBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > sshStderrMaxSize {
		b.buf = b.buf[len(b.buf)-sshStderrMaxSize:]
	}
	return len(p), nil
}

func (b *boundedBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
