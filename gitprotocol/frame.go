// Package gitprotocol implements the building blocks of the git wire
// protocol: pkt-line framing, framed byte streams, refs, and capability sets.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package gitprotocol

import (
	"bufio"
	"io"

	"github.com/NVIDIA/gitmirror/cmn/debug"
)

const frameBufSize = 64 * 1024

type (
	// FrameReader decodes a stream of pkt-lines from an io.Reader.
	// It has a single-slot push-back: after reading a packet the caller may
	// Unshift it so the next ReadPacket re-delivers it. One level of
	// look-ahead is all the protocol ever needs (HTTP hello disambiguation).
	FrameReader struct {
		br     *bufio.Reader
		pushed *PacketLine
		hdr    [lenPktHdr]byte
		eof    bool
	}

	// FrameWriter encodes pkt-lines (and raw bytes, for pack payload) onto
	// an io.Writer with explicit Flush. CloseWrite signals EOF downstream
	// when the substrate supports half-close.
	FrameWriter struct {
		w  io.Writer
		bw *bufio.Writer
	}
)

/////////////////
// FrameReader //
/////////////////

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, frameBufSize)}
}

// ReadPacket returns the next pkt-line. A clean end of stream (EOF exactly at
// a packet boundary) is reported as io.EOF; EOF in the middle of a packet is
// io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadPacket() (pkt PacketLine, err error) {
	if fr.pushed != nil {
		pkt = *fr.pushed
		fr.pushed = nil
		return
	}
	if _, err = io.ReadFull(fr.br, fr.hdr[:]); err != nil {
		if err == io.EOF {
			fr.eof = true
		}
		return
	}
	marker, err := parseHdr(fr.hdr[:])
	if err != nil {
		return
	}
	if marker < lenPktHdr {
		return PacketLine{Type: PacketType(marker)}, nil
	}
	payload := make([]byte, marker-lenPktHdr)
	if _, err = io.ReadFull(fr.br, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	return PacketLine{Type: Data, Payload: payload}, nil
}

// Unshift pushes pkt back so that the next ReadPacket returns it.
// The slot holds at most one packet.
func (fr *FrameReader) Unshift(pkt PacketLine) {
	debug.Assert(fr.pushed == nil, "push-back slot occupied")
	fr.pushed = &pkt
	fr.eof = false
}

// AtEOF reports whether a previous read hit a clean end of stream.
func (fr *FrameReader) AtEOF() bool { return fr.eof && fr.pushed == nil }

// Raw exposes the remaining byte stream past the last parsed packet.
// Used for protocol v1 pack transfer, where the pack follows the final
// negotiation line unframed, until EOF.
func (fr *FrameReader) Raw() io.Reader {
	debug.Assert(fr.pushed == nil, "push-back slot occupied")
	return fr.br
}

/////////////////
// FrameWriter //
/////////////////

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, bw: bufio.NewWriterSize(w, frameBufSize)}
}

func (fw *FrameWriter) WritePacket(pkt PacketLine) (err error) {
	if pkt.Type == Data && len(pkt.Payload) > MaxPayloadSize {
		_, err = EncodeData(pkt.Payload) // for the error
		return
	}
	_, err = fw.bw.Write(pkt.Append(nil))
	return
}

// Write emits raw bytes (pack payload) past the framing layer.
func (fw *FrameWriter) Write(b []byte) (int, error) { return fw.bw.Write(b) }

// Flush drains buffered bytes to the substrate.
func (fw *FrameWriter) Flush() error { return fw.bw.Flush() }

// CloseWrite flushes and half-closes the substrate when it supports it
// (child-process stdin, SSH stdin, HTTP request-body pipe).
func (fw *FrameWriter) CloseWrite() error {
	if err := fw.bw.Flush(); err != nil {
		return err
	}
	if wc, ok := fw.w.(io.WriteCloser); ok {
		return wc.Close()
	}
	return nil
}
