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
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/gitmirror/api/env"
	"github.com/NVIDIA/gitmirror/cmn/cos"
	"github.com/NVIDIA/gitmirror/auth"
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// The smart HTTP protocol is stateless: one logical session maps onto a GET
// (the hello advertisement) followed by one POST per command, each POST body
// being the exact packet bytes the command would have produced on a stream
// substrate (plus the raw pack, on push).

const (
	httpConnectTimeout = 60 * time.Second
	httpDfltTimeout    = 1200 * time.Second // total, per request

	// what git clients conventionally send; some servers switch behavior on it
	httpUserAgent = "git/2.46.0"
)

type (
	HTTPTransport struct {
		base  *url.URL
		creds auth.Provider
	}

	httpSub struct {
		t          *HTTPTransport
		client     *http.Client
		service    string
		negotiated int
		authHdr    string // resolved Authorization value, reused across POSTs
		lastBody   io.ReadCloser
	}

	httpStatusError struct {
		Code   int
		Status string
	}
)

// interface guards
var (
	_ Transport  = (*HTTPTransport)(nil)
	_ transactor = (*httpSub)(nil)
)

func (e *httpStatusError) Error() string { return "HTTP " + e.Status }

func canHandleHTTPURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func newHTTPTransport(rawURL string, creds auth.Provider) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &OpenError{URL: rawURL, Err: err}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &HTTPTransport{base: u, creds: creds}, nil
}

func (t *HTTPTransport) URL() string { return t.base.Redacted() }

func (t *HTTPTransport) Fetch(ctx context.Context) (*FetchConn, error) {
	c := newFetchConn(t.newSub())
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.URL(), Err: err}
	}
	return c, nil
}

func (t *HTTPTransport) Push(ctx context.Context) (*PushConn, error) {
	c := newPushConn(t.newSub())
	if err := c.Open(ctx); err != nil {
		return nil, &OpenError{URL: t.URL(), Err: err}
	}
	return c, nil
}

func (t *HTTPTransport) newSub() *httpSub {
	return &httpSub{
		t: t,
		client: &http.Client{
			Timeout: totalTimeout(),
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: httpConnectTimeout}).DialContext,
				Proxy:       http.ProxyFromEnvironment,
			},
		},
	}
}

func totalTimeout() time.Duration {
	if v := os.Getenv(env.GitMirror.HTTPTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		glog.Warningf("ignoring invalid %s=%q", env.GitMirror.HTTPTimeout, v)
	}
	return httpDfltTimeout
}

/////////////
// httpSub //
/////////////

// resolveAuth picks the Authorization header for this logical connection:
// inline URL userinfo first, then whatever the credential provider knows for
// the origin - a basic pair or a verbatim header value.
func (s *httpSub) resolveAuth(ctx context.Context) error {
	if user := s.t.base.User; user != nil {
		pass, _ := user.Password()
		s.authHdr = basicAuth(user.Username(), pass)
		return nil
	}
	if s.t.creds == nil {
		return nil
	}
	creds, err := s.t.creds.Credentials(ctx, s.t.base.Hostname())
	if err != nil {
		return err
	}
	switch {
	case creds == nil:
	case creds.IsBasic():
		s.authHdr = basicAuth(creds.Username, creds.Password)
	default:
		s.authHdr = creds.Header
	}
	return nil
}

func basicAuth(user, pass string) string {
	r := &http.Request{Header: make(http.Header)}
	r.SetBasicAuth(user, pass)
	return r.Header.Get("Authorization")
}

func (s *httpSub) open(ctx context.Context, service string, protover int) (*gitprotocol.FrameReader, *gitprotocol.FrameWriter, error) {
	s.service = service
	if err := s.resolveAuth(ctx); err != nil {
		return nil, nil, err
	}

	helloURL := s.t.base.String() + "/info/refs?service=" + service
	glog.V(4).Infof("GET %s (protocol v%d)", helloURL, protover)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helloURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", httpUserAgent)
	req.Header.Set("Accept", fmt.Sprintf("application/x-%s-advertisement", service))
	req.Header.Set("Git-Protocol", fmt.Sprintf("version=%d", protover))
	if s.authHdr != "" {
		req.Header.Set("Authorization", s.authHdr)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, &httpStatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if ct, want := resp.Header.Get("Content-Type"), fmt.Sprintf("application/x-%s-advertisement", service); ct != want {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("expected a smart HTTP advertisement, got Content-Type %q", ct)
	}
	s.lastBody = resp.Body

	fr := gitprotocol.NewFrameReader(resp.Body)
	if err := s.readHelloPreamble(fr, service); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	// the HTTP writer only exists inside a transaction
	return fr, nil, nil
}

// readHelloPreamble disambiguates the advertisement body. The canonical
// server opens with "# service=<svc>" and a flush-pkt; the secondary
// implementation omits that header on v2 and opens with "version 2"
// directly. Either way the version packet is pushed back for the hello
// parser proper.
func (s *httpSub) readHelloPreamble(fr *gitprotocol.FrameReader, service string) error {
	first, err := fr.ReadPacket()
	if err != nil {
		return errors.Wrap(err, "reading hello advertisement")
	}
	if first.Type != gitprotocol.Data {
		return protoErrf("expected a service header packet, got %s", first)
	}

	if string(first.Payload) == fmt.Sprintf("# service=%s\n", service) {
		sep, err := fr.ReadPacket()
		if err != nil {
			return errors.Wrap(err, "reading hello advertisement")
		}
		if sep.Type != gitprotocol.Flush {
			return protoErrf("expected flush-pkt after the service header, got %s", sep)
		}
		next, err := fr.ReadPacket()
		if err != nil {
			return errors.Wrap(err, "reading hello advertisement")
		}
		if next.Type == gitprotocol.Data && next.Text() == "version 2" {
			s.negotiated = 2
		} else {
			s.negotiated = 1
		}
		fr.Unshift(next)
		return nil
	}
	if first.Text() == "version 2" {
		s.negotiated = 2
		fr.Unshift(first)
		return nil
	}
	return protoErrf("expected a service header or version announcement, got %q", first.Text())
}

// transact maps one command onto one POST: the write callback's packets (and
// pack bytes, on push) stream out as the request body, the response body
// becomes the new read side.
func (s *httpSub) transact(ctx context.Context, write func(*gitprotocol.FrameWriter) error) (io.Reader, error) {
	// the previous response has been fully parsed by now
	if s.lastBody != nil {
		s.lastBody.Close()
		s.lastBody = nil
	}

	pr, pw := io.Pipe()
	go func() {
		fw := gitprotocol.NewFrameWriter(pw)
		err := write(fw)
		if err == nil {
			err = fw.Flush()
		}
		pw.CloseWithError(err)
	}()

	cmdURL := s.t.base.String() + "/" + s.service
	glog.V(4).Infof("POST %s", cmdURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cmdURL, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpUserAgent)
	req.Header.Set("Content-Type", fmt.Sprintf("application/x-%s-request", s.service))
	req.Header.Set("Accept", fmt.Sprintf("application/x-%s-result", s.service))
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Git-Protocol", fmt.Sprintf("version=%d", s.negotiated))
	if s.authHdr != "" {
		req.Header.Set("Authorization", s.authHdr)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if cos.IsEOF(err) || cos.IsRetriableConnErr(err) {
			return nil, &ServerClosedError{Err: err}
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	s.lastBody = resp.Body
	return resp.Body, nil
}

func (s *httpSub) close(context.Context) error {
	if s.lastBody != nil {
		// drain so the connection can be reused, then let go of it
		_, _ = io.Copy(io.Discard, io.LimitReader(s.lastBody, 1024*1024))
		s.lastBody.Close()
		s.lastBody = nil
	}
	s.client.CloseIdleConnections()
	return nil
}
