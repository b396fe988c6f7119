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
	"strings"

	"github.com/NVIDIA/gitmirror/cmn/debug"
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/teris-io/shortid"
)

const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
)

// agent capability token, also reported to servers that advertised agent
const agentName = "gitmirror/" + Version

type (
	// substrate produces and tears down the framed byte stream a connection
	// runs over. open is called exactly once, close at most once.
	substrate interface {
		open(ctx context.Context, service string, protover int) (*gitprotocol.FrameReader, *gitprotocol.FrameWriter, error)
		close(ctx context.Context) error
	}

	// transactor is the command-transaction extension point: substrates that
	// are request/response rather than bidirectional streams (HTTP) override
	// the per-packet default by batching everything the write callback emits
	// into a single request, and return the response as the new read side.
	transactor interface {
		transact(ctx context.Context, write func(*gitprotocol.FrameWriter) error) (io.Reader, error)
	}

	// stderrer exposes whatever the remote side wrote to stderr, for
	// attaching to connection errors (child process, SSH).
	stderrer interface {
		stderrTail() string
	}

	connState int

	// conn is the shared core of the fetch and push state machines: the
	// framed stream, the negotiated protocol, the advertised capability set,
	// and the section readers both machines are built from.
	conn struct {
		sub      substrate
		fr       *gitprotocol.FrameReader
		fw       *gitprotocol.FrameWriter
		sid      string // session tag for log correlation
		service  string
		caps     gitprotocol.CapabilitySet
		proto    int
		lastTerm gitprotocol.PacketType
		state    connState
	}

	// section is an explicit-state lazy reader over the DATA packets of one
	// protocol section, consumed via next() until the terminator.
	section struct {
		c       *conn
		delim   bool // also stop on delim-pkt
		started bool
		done    bool
	}
)

const (
	stateUnopened connState = iota
	stateReady
	stateClosed
)

func newConn(sub substrate, service string) conn {
	return conn{sub: sub, service: service, sid: shortid.MustGenerate()}
}

func (c *conn) open(ctx context.Context, protover int) (err error) {
	debug.Assert(c.state == stateUnopened)
	c.fr, c.fw, err = c.sub.open(ctx, c.service, protover)
	if err != nil {
		return err
	}
	c.state = stateReady
	return nil
}

func (c *conn) checkReady() error {
	if c.state != stateReady {
		return fmt.Errorf("connection %s[%s] is not open", c.service, c.sid)
	}
	return nil
}

// negotiateProtocol peeks at the first hello packet to tell protocol v2
// ("version 2" announcement) from v1 (a "version 1" line or, on servers that
// omit it, the first advertised ref). The packet is pushed back for the
// hello parser.
func (c *conn) negotiateProtocol() error {
	pkt, err := c.fr.ReadPacket()
	if err != nil {
		return c.closedErr(err)
	}
	if pkt.Type != gitprotocol.Data {
		return protoErrf("expected hello packet, got %s", pkt)
	}
	if pkt.Text() == "version 2" {
		c.proto = 2
	} else {
		c.proto = 1
	}
	c.fr.Unshift(pkt)
	glog.V(4).Infof("%s[%s]: negotiated protocol v%d", c.service, c.sid, c.proto)
	return nil
}

// closedErr wraps an EOF-ish read failure, attaching drained remote stderr
// when the substrate exposes it.
func (c *conn) closedErr(err error) error {
	var tail string
	if se, ok := c.sub.(stderrer); ok {
		tail = se.stderrTail()
	}
	return &ServerClosedError{Err: err, Stderr: tail}
}

//////////////
// sections //
//////////////

func (c *conn) sectionUntilFlush() *section        { return &section{c: c} }
func (c *conn) sectionUntilDelimOrFlush() *section { return &section{c: c, delim: true} }

// next returns the section's next DATA packet. ok is false once the
// terminator has been consumed (recorded in c.lastTerm) - or, without error,
// when the stream was already at EOF before the first packet of the section.
func (s *section) next() (pkt gitprotocol.PacketLine, ok bool, err error) {
	if s.done {
		return
	}
	pkt, err = s.c.fr.ReadPacket()
	if err != nil {
		s.done = true
		if err == io.EOF && !s.started {
			err = nil // empty section at end of stream
			return
		}
		err = s.c.closedErr(err)
		return
	}
	switch pkt.Type {
	case gitprotocol.Flush:
		s.done = true
		s.c.lastTerm = gitprotocol.Flush
		return gitprotocol.PacketLine{}, false, nil
	case gitprotocol.Delimiter:
		if s.delim {
			s.done = true
			s.c.lastTerm = gitprotocol.Delimiter
			return gitprotocol.PacketLine{}, false, nil
		}
	case gitprotocol.ResponseEnd:
		// stateless-rpc end of response; terminates any section
		s.done = true
		s.c.lastTerm = gitprotocol.ResponseEnd
		return gitprotocol.PacketLine{}, false, nil
	}
	if pkt.Type != gitprotocol.Data {
		s.done = true
		err = protoErrf("unexpected %s inside section", pkt)
		return
	}
	s.started = true
	return pkt, true, nil
}

// drain consumes the rest of the section.
func (s *section) drain() error {
	for {
		_, ok, err := s.next()
		if err != nil || !ok {
			return err
		}
	}
}

// readHeaderPacket consumes the section's first packet, which must be a DATA
// packet naming the section.
func (c *conn) readHeaderPacket(s *section) (string, error) {
	pkt, ok, err := s.next()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", protoErrf("missing section header")
	}
	return pkt.Text(), nil
}

///////////
// hello //
///////////

// readV1Hello parses the protocol v1 ref advertisement: an optional
// "version 1" line, the first ref line carrying the capability list after a
// NUL byte, further ref lines, and the flush-pkt terminator. Servers of the
// secondary implementation omit the version line; the first packet is then
// already the first ref.
func (c *conn) readV1Hello() (refs map[string]string, caps gitprotocol.CapabilitySet, err error) {
	sec := c.sectionUntilFlush()

	first, ok, err := sec.next()
	if err != nil {
		return nil, caps, err
	}
	if !ok {
		return nil, caps, protoErrf("empty v1 hello")
	}
	if text := first.Text(); strings.HasPrefix(text, "version ") {
		if text != "version 1" {
			return nil, caps, protoErrf("expected 'version 1', got %q", text)
		}
		if first, ok, err = sec.next(); err != nil {
			return nil, caps, err
		}
		if !ok {
			return nil, caps, protoErrf("v1 hello ended before the first ref line")
		}
	}

	refLine, capList, found := strings.Cut(first.Text(), "\x00")
	if !found {
		return nil, caps, protoErrf("first v1 ref line carries no capability list: %q", first.Text())
	}
	caps = gitprotocol.ParseCapabilityList(capList)

	refs = make(map[string]string)
	if err = addRefLine(refs, refLine); err != nil {
		return nil, caps, err
	}
	for {
		pkt, ok, err := sec.next()
		if err != nil {
			return nil, caps, err
		}
		if !ok {
			break
		}
		if err := addRefLine(refs, pkt.Text()); err != nil {
			return nil, caps, err
		}
	}
	if c.lastTerm != gitprotocol.Flush {
		return nil, caps, protoErrf("v1 hello terminated by %s, expected flush-pkt", c.lastTerm)
	}
	return refs, caps, nil
}

// addRefLine parses and records one advertised ref. An empty repository
// advertises the null oid under the sentinel name "capabilities^{}", which
// is not a ref.
func addRefLine(refs map[string]string, line string) error {
	ref, err := gitprotocol.ParseRefLine(line)
	if err != nil {
		return protoErrf("%v", err)
	}
	if ref.Name == "capabilities^{}" {
		return nil
	}
	refs[ref.Name] = ref.ObjectID
	return nil
}

// readV2Hello parses the protocol v2 capability advertisement: the exact
// "version 2" line followed by capability packets until flush-pkt.
func (c *conn) readV2Hello() (caps gitprotocol.CapabilitySet, err error) {
	sec := c.sectionUntilFlush()
	version, err := c.readHeaderPacket(sec)
	if err != nil {
		return caps, err
	}
	if version != "version 2" {
		return caps, protoErrf("expected 'version 2', got %q", version)
	}
	var tokens []string
	for {
		pkt, ok, err := sec.next()
		if err != nil {
			return caps, err
		}
		if !ok {
			break
		}
		tokens = append(tokens, pkt.Text())
	}
	return gitprotocol.NewCapabilitySet(tokens...), nil
}

//////////////
// commands //
//////////////

// transact runs one command exchange. On duplex substrates the write
// callback streams packets directly and the existing reader keeps serving;
// on request/response substrates the callback's output is batched into a
// single request whose response replaces the read side.
func (c *conn) transact(ctx context.Context, write func(*gitprotocol.FrameWriter) error) error {
	if t, ok := c.sub.(transactor); ok {
		body, err := t.transact(ctx, write)
		if err != nil {
			return err
		}
		c.fr = gitprotocol.NewFrameReader(body)
		return nil
	}
	if err := write(c.fw); err != nil {
		return err
	}
	return c.fw.Flush()
}

// writeCommandV2 emits a protocol v2 command request: the command line,
// capability packets, delim-pkt, argument packets, flush-pkt.
func writeCommandV2(fw *gitprotocol.FrameWriter, command string, caps, args []string) error {
	if err := fw.WritePacket(gitprotocol.DataLine("command=" + command)); err != nil {
		return err
	}
	for _, tok := range caps {
		if err := fw.WritePacket(gitprotocol.DataLine(tok)); err != nil {
			return err
		}
	}
	if err := fw.WritePacket(gitprotocol.DelimiterPkt); err != nil {
		return err
	}
	for _, arg := range args {
		if err := fw.WritePacket(gitprotocol.DataLine(arg)); err != nil {
			return err
		}
	}
	return fw.WritePacket(gitprotocol.FlushPkt)
}

func (c *conn) sendCommandV2(ctx context.Context, command string, caps, args []string) error {
	debug.Assert(c.proto == 2)
	glog.V(4).Infof("%s[%s]: sending command %q (%d args)", c.service, c.sid, command, len(args))
	return c.transact(ctx, func(fw *gitprotocol.FrameWriter) error {
		return writeCommandV2(fw, command, caps, args)
	})
}

///////////
// close //
///////////

// Close winds the connection down: best-effort flush-pkt and write-side EOF,
// then substrate teardown (reap child/session, stop stderr drainer). Errors
// during a cancelled close are logged, not raised.
func (c *conn) Close(ctx context.Context) error {
	if c.state == stateClosed {
		return nil
	}
	if c.state == stateReady && c.fw != nil {
		if err := c.fw.WritePacket(gitprotocol.FlushPkt); err == nil {
			if err = c.fw.CloseWrite(); err != nil {
				glog.V(4).Infof("%s[%s]: close-write: %v", c.service, c.sid, err)
			}
		} else {
			glog.V(4).Infof("%s[%s]: final flush-pkt: %v", c.service, c.sid, err)
		}
	}
	c.state = stateClosed
	return c.sub.close(ctx)
}
