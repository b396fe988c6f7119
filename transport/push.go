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

	"github.com/NVIDIA/gitmirror/cmn/cos"
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// git-receive-pack has not adopted protocol v2; the push machine is
// hard-wired to v1.

// drain the write side at this granularity while streaming the pack
const packDrainEvery = 10 * cos.MiB

// capabilities we select when the server advertised them; the in-use list
// (these plus agent) goes out sorted
var preferredPushCaps = []string{"report-status", "side-band-64k", "object-format=sha1"}

type (
	// PushConn talks to git-receive-pack: it sends a batch of reference
	// mutation commands, optionally streams a pack, and consumes the
	// report-status response.
	PushConn struct {
		conn
		refs map[string]string
	}

	// RefStatus is one ref's outcome from the server's report-status.
	RefStatus struct {
		Ref    string
		Reason string // empty when OK
		OK     bool
	}

	// PushReport is the parsed report-status response. A rejected ref
	// ("ng <ref> <reason>") is reported here, not raised - the caller
	// decides what a partial failure means.
	PushReport struct {
		Statuses []RefStatus
		UnpackOK bool
	}
)

func newPushConn(sub substrate) *PushConn {
	return &PushConn{conn: newConn(sub, ServiceReceivePack)}
}

// Open establishes the substrate and consumes the v1 ref advertisement.
func (c *PushConn) Open(ctx context.Context) error {
	if err := c.open(ctx, 1); err != nil {
		return err
	}
	c.proto = 1
	var err error
	c.refs, c.caps, err = c.readV1Hello()
	if err != nil {
		return err
	}
	glog.V(4).Infof("%s[%s]: connected, %d refs, capabilities: %s", c.service, c.sid, len(c.refs), c.caps)
	return nil
}

// Refs returns the refs the server advertised during the hello.
func (c *PushConn) Refs() map[string]string { return c.refs }

func (r *PushReport) Rejected() (ng []RefStatus) {
	for _, st := range r.Statuses {
		if !st.OK {
			ng = append(ng, st)
		}
	}
	return
}

// PushChanges sends the reference mutation commands and the pack realizing
// them. pack may be nil for deletes-only pushes. Deletes are dropped with a
// warning when the server lacks delete-refs.
func (c *PushConn) PushChanges(ctx context.Context, changes []gitprotocol.RefChange, pack io.Reader) (*PushReport, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}

	var inUse []string
	for _, tok := range preferredPushCaps {
		if c.caps.Has(tok) {
			inUse = append(inUse, tok)
		}
	}
	inUse = append(inUse, "agent="+agentName)
	sort.Strings(inUse)

	supportsDelete := c.caps.Has("delete-refs")
	surviving := changes[:0:0]
	for _, change := range changes {
		if change.IsDelete() && !supportsDelete {
			glog.Warningf("%s[%s]: server does not support delete-refs, skipping delete of %s",
				c.service, c.sid, change.Ref)
			continue
		}
		surviving = append(surviving, change)
	}
	if len(surviving) == 0 {
		glog.Warningf("%s[%s]: no acceptable changes, nothing to push", c.service, c.sid)
		return &PushReport{UnpackOK: true}, nil
	}

	err := c.transact(ctx, func(fw *gitprotocol.FrameWriter) error {
		for i, change := range surviving {
			line := change.Old + " " + change.New + " " + change.Ref
			if i == 0 {
				// one NUL, then a leading space inside the capability list -
				// what existing servers expect, the written spec
				// notwithstanding
				line += "\x00 " + strings.Join(inUse, " ")
			}
			if err := fw.WritePacket(gitprotocol.DataLine(line)); err != nil {
				return err
			}
		}
		// this flush-pkt is mandatory; some servers hang without it
		if err := fw.WritePacket(gitprotocol.FlushPkt); err != nil {
			return err
		}
		if pack == nil {
			glog.V(4).Infof("%s[%s]: deletes only, no pack to send", c.service, c.sid)
			return nil
		}
		return streamPack(ctx, fw, pack)
	})
	if err != nil {
		var se *httpStatusError
		if errors.As(err, &se) {
			return nil, &PushRejectedError{Reason: se.Error()}
		}
		return nil, err
	}

	if !hasCap(inUse, "report-status") {
		return &PushReport{UnpackOK: true}, nil
	}
	return c.readStatusReport(hasCap(inUse, "side-band-64k"))
}

func hasCap(caps []string, tok string) bool {
	for _, c := range caps {
		if c == tok {
			return true
		}
	}
	return false
}

// streamPack copies the pack into the writer, draining at a coarse
// granularity to bound buffering.
func streamPack(ctx context.Context, fw *gitprotocol.FrameWriter, pack io.Reader) error {
	var (
		buf   = make([]byte, 128*cos.KiB)
		since int64
		total int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, er := pack.Read(buf)
		if n > 0 {
			if _, err := fw.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "streaming pack")
			}
			since += int64(n)
			total += int64(n)
			if since >= packDrainEvery {
				if err := fw.Flush(); err != nil {
					return errors.Wrap(err, "streaming pack")
				}
				since = 0
			}
		}
		if er == io.EOF {
			glog.V(4).Infof("pack sent: %d MiB", total/cos.MiB)
			return nil
		}
		if er != nil {
			return errors.Wrap(er, "reading pack")
		}
	}
}

// readStatusReport consumes the report-status response: DATA packets until
// flush-pkt. With side-band-64k in use every payload is banded, and band 1
// carries the actual report as nested pkt-lines (one level deep); without it
// the payloads are the report lines themselves.
func (c *PushConn) readStatusReport(sideband bool) (*PushReport, error) {
	var (
		report = &PushReport{UnpackOK: true}
		nested []byte // band-1 bytes carried across frames
		sec    = c.sectionUntilFlush()
	)
	for {
		pkt, ok, err := sec.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !sideband {
			if err := report.addLine(pkt.Text()); err != nil {
				return nil, err
			}
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		payload := pkt.Payload[1:]
		switch pkt.Payload[0] {
		case bandPackData:
			nested = append(nested, payload...)
			if nested, err = report.consumeNested(nested); err != nil {
				return nil, err
			}
		case bandProgress:
			glog.Infof("remote: %s", chomp(payload))
		case bandError:
			return nil, &PushRejectedError{Reason: chomp(payload)}
		default:
			glog.V(4).Infof("%s[%s]: ignoring band %d in report-status", c.service, c.sid, pkt.Payload[0])
		}
	}
	return report, nil
}

// consumeNested parses as many complete nested pkt-lines as buf holds and
// returns the unconsumed remainder.
func (r *PushReport) consumeNested(buf []byte) ([]byte, error) {
	off := 0
	for {
		pkt, n, err := gitprotocol.ParseOne(buf, off)
		if err != nil {
			break // incomplete: wait for the next band-1 frame
		}
		off += n
		if pkt.Type != gitprotocol.Data {
			continue // nested flush ends the report body
		}
		if err := r.addLine(pkt.Text()); err != nil {
			return nil, err
		}
	}
	return buf[off:], nil
}

func (r *PushReport) addLine(line string) error {
	glog.Infof("report-status: %s", line)
	switch {
	case line == "unpack ok":
	case strings.HasPrefix(line, "unpack "):
		r.UnpackOK = false
		glog.Errorf("server failed to unpack: %s", strings.TrimPrefix(line, "unpack "))
	case strings.HasPrefix(line, "ok "):
		r.Statuses = append(r.Statuses, RefStatus{Ref: strings.TrimPrefix(line, "ok "), OK: true})
	case strings.HasPrefix(line, "ng "):
		rest := strings.TrimPrefix(line, "ng ")
		ref, reason, _ := strings.Cut(rest, " ")
		r.Statuses = append(r.Statuses, RefStatus{Ref: ref, Reason: reason})
	default:
		return protoErrf("unexpected report-status line %q", line)
	}
	return nil
}
