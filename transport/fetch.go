// Package transport implements the git wire protocol engine: connection
// state machines for protocol v1 and v2 over three substrates - local child
// process, SSH session, and smart HTTP.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// sideband channel codes (one byte prefixed to each packfile-section packet)
const (
	bandPackData = 1
	bandProgress = 2
	bandError    = 3
)

type (
	// FetchConn talks to git-upload-pack. It prefers protocol v2 and falls
	// back to v1 when the server does not announce v2 in its hello.
	FetchConn struct {
		conn
		refs map[string]string // v1 hello advertisement (fallback path only)
	}

	// RefIter iterates the refs reported by LsRefs, bufio.Scanner style:
	//
	//	for it.Next() { use(it.Ref()) }
	//	err := it.Err()
	RefIter struct {
		sec    *section
		prefix string
		v1     []gitprotocol.Ref
		cur    gitprotocol.Ref
		err    error
	}
)

func newFetchConn(sub substrate) *FetchConn {
	return &FetchConn{conn: newConn(sub, ServiceUploadPack)}
}

// Open establishes the substrate and runs the hello exchange, leaving the
// connection ready for LsRefs and FetchObjects.
func (c *FetchConn) Open(ctx context.Context) error {
	if err := c.open(ctx, 2); err != nil {
		return err
	}
	if err := c.negotiateProtocol(); err != nil {
		return err
	}
	var err error
	if c.proto == 2 {
		c.caps, err = c.readV2Hello()
	} else {
		c.refs, c.caps, err = c.readV1Hello()
	}
	if err != nil {
		return err
	}
	glog.V(4).Infof("%s[%s]: connected, capabilities: %s", c.service, c.sid, c.caps)
	return nil
}

// Protocol returns the negotiated protocol version (1 or 2).
func (c *FetchConn) Protocol() int { return c.proto }

/////////////
// ls-refs //
/////////////

// LsRefs enumerates the server's refs, optionally restricted to a name
// prefix. On protocol v2 this issues the ls-refs command; on v1 it replays
// the refs captured during the hello, filtered client-side.
func (c *FetchConn) LsRefs(ctx context.Context, prefix string) (*RefIter, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if c.proto < 2 {
		refs := make([]gitprotocol.Ref, 0, len(c.refs))
		for name, oid := range c.refs {
			refs = append(refs, gitprotocol.Ref{Name: name, ObjectID: oid})
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
		return &RefIter{v1: refs, prefix: prefix}, nil
	}

	var args []string
	if prefix != "" {
		args = append(args, "ref-prefix "+prefix)
	}
	if err := c.sendCommandV2(ctx, "ls-refs", nil, args); err != nil {
		return nil, err
	}
	return &RefIter{sec: c.sectionUntilFlush(), prefix: prefix}, nil
}

func (it *RefIter) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		var line string
		if it.sec == nil {
			if len(it.v1) == 0 {
				return false
			}
			it.cur, it.v1 = it.v1[0], it.v1[1:]
		} else {
			pkt, ok, err := it.sec.next()
			if err != nil {
				it.err = err
				return false
			}
			if !ok {
				return false
			}
			line = pkt.Text()
			ref, err := gitprotocol.ParseRefLine(line)
			if err != nil {
				it.err = protoErrf("%v", err)
				return false
			}
			it.cur = ref
		}
		if it.prefix == "" || strings.HasPrefix(it.cur.Name, it.prefix) {
			return true
		}
	}
}

func (it *RefIter) Ref() gitprotocol.Ref { return it.cur }
func (it *RefIter) Err() error           { return it.err }

// Close abandons the iteration, draining the rest of the section so the
// stream stays packet-aligned for the next command.
func (it *RefIter) Close() error {
	if it.sec == nil {
		return nil
	}
	return it.sec.drain()
}

///////////
// fetch //
///////////

// FetchObjects negotiates and downloads a pack containing the wanted objects
// (minus what the server can infer from haves), writing raw pack bytes to
// out. At least one want is required; the null object id is silently dropped
// from haves.
func (c *FetchConn) FetchObjects(ctx context.Context, wants, haves gitprotocol.OIDSet, out io.Writer) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if len(wants) == 0 {
		return errors.New("fetch requires at least one want")
	}
	haves = haves.Clone()
	haves.Delete(gitprotocol.NullObjectID)

	if c.proto == 2 {
		return c.fetchV2(ctx, wants, haves, out)
	}
	return c.fetchV1(ctx, wants, haves, out)
}

// fetchV2 issues the protocol v2 fetch command and parses its sectioned
// response. We do not wait for acknowledgments before sending done: a mirror
// cannot make use of negotiation hints.
func (c *FetchConn) fetchV2(ctx context.Context, wants, haves gitprotocol.OIDSet, out io.Writer) error {
	args := make([]string, 0, len(wants)+len(haves)+2)
	if c.caps.Has("wait-for-done") {
		args = append(args, "wait-for-done")
	}
	for _, oid := range haves.Sorted() {
		args = append(args, "have "+oid)
	}
	for _, oid := range wants.Sorted() {
		args = append(args, "want "+oid)
	}
	args = append(args, "done")

	if err := c.sendCommandV2(ctx, "fetch", nil, args); err != nil {
		return err
	}

	sec := c.sectionUntilDelimOrFlush()
	header, err := c.readHeaderPacket(sec)
	if err != nil {
		return err
	}

	if header == "acknowledgments" {
		missing := wants.Clone()
		for {
			pkt, ok, err := sec.next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			switch line := pkt.Text(); {
			case strings.HasPrefix(line, "ACK "):
				oid := strings.TrimPrefix(line, "ACK ")
				if !missing.Has(oid) {
					glog.Warningf("%s[%s]: ACK for an object we did not request: %s", c.service, c.sid, oid)
				}
				missing.Delete(oid)
			case line == "NAK", line == "ready":
				// nothing to do; the terminator decides
			default:
				return protoErrf("unexpected acknowledgment line %q", line)
			}
		}
		// flush instead of delim here means the server stops without a pack
		if c.lastTerm == gitprotocol.Flush {
			return &NegotiationError{Missing: missing.Sorted()}
		}
		glog.V(4).Infof("%s[%s]: %d object(s) not acknowledged", c.service, c.sid, len(missing))

		sec = c.sectionUntilDelimOrFlush()
		if header, err = c.readHeaderPacket(sec); err != nil {
			return err
		}
	}

	// shallow-info, wanted-refs and packfile-uris are never requested and
	// must not appear
	if header != "packfile" {
		return protoErrf("unexpected section %q in fetch response", header)
	}
	if err := c.readPackSection(ctx, sec, out); err != nil {
		return err
	}
	if c.lastTerm != gitprotocol.Flush {
		glog.Warningf("%s[%s]: packfile section terminated by %s", c.service, c.sid, c.lastTerm)
	}
	return nil
}

// readPackSection demultiplexes the sideband-framed packfile section:
// band 1 is pack data, band 2 server progress, band 3 a server error that
// does not abort the transfer.
func (c *FetchConn) readPackSection(ctx context.Context, sec *section, out io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, ok, err := sec.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(pkt.Payload) == 0 {
			glog.V(4).Infof("%s[%s]: empty packfile packet", c.service, c.sid)
			continue
		}
		payload := pkt.Payload[1:]
		switch pkt.Payload[0] {
		case bandPackData:
			if _, err := out.Write(payload); err != nil {
				return errors.Wrap(err, "writing pack data")
			}
		case bandProgress:
			glog.Infof("remote: %s", chomp(payload))
		case bandError:
			glog.Errorf("remote error: %s", chomp(payload))
		default:
			glog.V(4).Infof("%s[%s]: ignoring band %d (%d bytes)", c.service, c.sid, pkt.Payload[0], len(payload))
		}
	}
}

// fetchV1 is the fallback negotiation for servers that never announced v2:
// the classic want/have/done exchange followed by the raw pack until EOF.
// Sideband demultiplexing is deliberately not implemented here, so
// side-band-64k is never requested.
func (c *FetchConn) fetchV1(ctx context.Context, wants, haves gitprotocol.OIDSet, out io.Writer) error {
	var caps []string
	if c.caps.Has("multi_ack_detailed") {
		caps = append(caps, "multi_ack_detailed")
	}
	if _, ok := c.caps.Value("agent"); ok {
		caps = append(caps, "agent="+agentName)
	}
	sort.Strings(caps)

	err := c.transact(ctx, func(fw *gitprotocol.FrameWriter) error {
		for i, oid := range wants.Sorted() {
			line := "want " + oid
			if i == 0 && len(caps) > 0 {
				line += " " + strings.Join(caps, " ")
			}
			if err := fw.WritePacket(gitprotocol.DataLine(line)); err != nil {
				return err
			}
		}
		for _, oid := range haves.Sorted() {
			if err := fw.WritePacket(gitprotocol.DataLine("have " + oid)); err != nil {
				return err
			}
		}
		if err := fw.WritePacket(gitprotocol.FlushPkt); err != nil {
			return err
		}
		return fw.WritePacket(gitprotocol.DataLine("done"))
	})
	if err != nil {
		return err
	}

	// zero or more ACKs, then NAK, then the bare pack
	for {
		pkt, err := c.fr.ReadPacket()
		if err != nil {
			return c.closedErr(err)
		}
		if pkt.Type != gitprotocol.Data {
			return protoErrf("expected ACK or NAK, got %s", pkt)
		}
		line := pkt.Text()
		if strings.HasPrefix(line, "ACK ") {
			continue
		}
		if line == "NAK" {
			break
		}
		return protoErrf("expected ACK or NAK, got %q", line)
	}
	n, err := io.Copy(out, c.fr.Raw())
	if err != nil {
		return c.closedErr(err)
	}
	glog.V(4).Infof("%s[%s]: received %d pack bytes", c.service, c.sid, n)
	return nil
}

func chomp(b []byte) string { return strings.TrimRight(string(b), "\r\n") }
