// Package gitprotocol implements the building blocks of the git wire
// protocol: pkt-line framing, framed byte streams, refs, and capability sets.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package gitprotocol_test

import (
	"bytes"
	"io"
	"strings"

	"github.com/NVIDIA/gitmirror/gitprotocol"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("PacketLine", func() {
	DescribeTable("parsing DATA packets",
		func(wire string, expPayload string) {
			pkt, n, err := gitprotocol.ParseOne([]byte(wire), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pkt.Type).To(Equal(gitprotocol.Data))
			Expect(string(pkt.Payload)).To(Equal(expPayload))
			Expect(n).To(Equal(len(wire)))
		},
		Entry("one byte with LF", "0006a\n", "a\n"),
		Entry("one byte", "0005a", "a"),
		Entry("a word", "000bfoobar\n", "foobar\n"),
		Entry("empty payload", "0004", ""),
	)

	DescribeTable("parsing framing markers",
		func(wire string, expType gitprotocol.PacketType) {
			pkt, n, err := gitprotocol.ParseOne([]byte(wire), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pkt.Type).To(Equal(expType))
			Expect(pkt.Payload).To(BeEmpty())
			Expect(n).To(Equal(4))
		},
		Entry("flush", "0000", gitprotocol.Flush),
		Entry("delimiter", "0001", gitprotocol.Delimiter),
		Entry("response-end", "0002", gitprotocol.ResponseEnd),
		Entry("reserved small value", "0003", gitprotocol.Unknown),
	)

	It("parses at an offset", func() {
		pkt, n, err := gitprotocol.ParseOne([]byte("xxx0007ABC"), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(pkt.Payload)).To(Equal("ABC"))
		Expect(n).To(Equal(7))
	})

	It("fails short when fewer than 4 bytes are available", func() {
		_, _, err := gitprotocol.ParseOne([]byte("0a0"), 0)
		Expect(err).To(BeAssignableToTypeOf(&gitprotocol.ErrShortBuffer{}))
	})

	It("fails truncated when the declared payload exceeds the buffer", func() {
		_, _, err := gitprotocol.ParseOne([]byte("0006X"), 0)
		Expect(err).To(BeAssignableToTypeOf(&gitprotocol.ErrTruncatedPayload{}))

		_, _, err = gitprotocol.ParseOne([]byte("ffff0000"), 0)
		Expect(err).To(BeAssignableToTypeOf(&gitprotocol.ErrTruncatedPayload{}))
	})

	It("rejects a non-hex length header", func() {
		_, _, err := gitprotocol.ParseOne([]byte("00g4abcd"), 0)
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("encode/parse round trip",
		func(payload string) {
			wire, err := gitprotocol.EncodeData([]byte(payload))
			Expect(err).NotTo(HaveOccurred())
			pkt, n, err := gitprotocol.ParseOne(wire, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(len(wire)))
			Expect(pkt.Type).To(Equal(gitprotocol.Data))
			Expect(string(pkt.Payload)).To(Equal(payload))
		},
		Entry("empty", ""),
		Entry("plain line", "want deadbeef\n"),
		Entry("binary", "\x00\x01\x02\xff"),
		Entry("max size", strings.Repeat("x", gitprotocol.MaxPayloadSize)),
	)

	It("refuses to encode an oversized payload", func() {
		_, err := gitprotocol.EncodeData(bytes.Repeat([]byte("x"), gitprotocol.MaxPayloadSize+1))
		Expect(err).To(HaveOccurred())
	})

	It("round-trips the markers", func() {
		for _, typ := range []gitprotocol.PacketType{gitprotocol.Flush, gitprotocol.Delimiter, gitprotocol.ResponseEnd} {
			pkt, n, err := gitprotocol.ParseOne(gitprotocol.EncodeMarker(typ), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))
			Expect(pkt.Type).To(Equal(typ))
		}
	})

	Describe("Sniff", func() {
		It("asks for header bytes first", func() {
			typ, need, _, err := gitprotocol.Sniff([]byte("00"))
			Expect(err).NotTo(HaveOccurred())
			Expect(typ).To(Equal(gitprotocol.Unknown))
			Expect(need).To(Equal(2))
		})
		It("asks for the missing payload", func() {
			typ, need, _, err := gitprotocol.Sniff([]byte("000bfoo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(typ).To(Equal(gitprotocol.Data))
			Expect(need).To(Equal(4))
		})
		It("yields a payload view when the packet is complete", func() {
			buf := []byte("000bfoobar\nrest")
			typ, need, payload, err := gitprotocol.Sniff(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(typ).To(Equal(gitprotocol.Data))
			Expect(need).To(BeZero())
			Expect(string(payload)).To(Equal("foobar\n"))
		})
	})
})

var _ = Describe("FrameReader", func() {
	It("delivers packets in order and reports clean EOF", func() {
		var wire []byte
		wire = gitprotocol.DataLine("version 2").Append(wire)
		wire = gitprotocol.DataLine("agent=git/x.y").Append(wire)
		wire = gitprotocol.FlushPkt.Append(wire)

		fr := gitprotocol.NewFrameReader(bytes.NewReader(wire))
		pkt, err := fr.ReadPacket()
		Expect(err).NotTo(HaveOccurred())
		Expect(pkt.Text()).To(Equal("version 2"))

		pkt, err = fr.ReadPacket()
		Expect(err).NotTo(HaveOccurred())
		Expect(pkt.Text()).To(Equal("agent=git/x.y"))

		pkt, err = fr.ReadPacket()
		Expect(err).NotTo(HaveOccurred())
		Expect(pkt.Type).To(Equal(gitprotocol.Flush))

		_, err = fr.ReadPacket()
		Expect(err).To(Equal(io.EOF))
		Expect(fr.AtEOF()).To(BeTrue())
	})

	It("re-delivers an unshifted packet", func() {
		wire := gitprotocol.DataLine("version 2").Encode()
		fr := gitprotocol.NewFrameReader(bytes.NewReader(wire))

		pkt, err := fr.ReadPacket()
		Expect(err).NotTo(HaveOccurred())
		fr.Unshift(pkt)
		Expect(fr.AtEOF()).To(BeFalse())

		again, err := fr.ReadPacket()
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(pkt))
	})

	It("reports EOF inside a packet as unexpected", func() {
		wire := gitprotocol.DataLine("version 2").Encode()
		fr := gitprotocol.NewFrameReader(bytes.NewReader(wire[:6]))
		_, err := fr.ReadPacket()
		Expect(err).To(Equal(io.ErrUnexpectedEOF))
	})
})

var _ = Describe("FrameWriter", func() {
	It("frames packets and raw bytes, flushing on demand", func() {
		var sink bytes.Buffer
		fw := gitprotocol.NewFrameWriter(&sink)

		Expect(fw.WritePacket(gitprotocol.DataLine("command=ls-refs"))).To(Succeed())
		Expect(fw.WritePacket(gitprotocol.FlushPkt)).To(Succeed())
		Expect(sink.Len()).To(BeZero()) // nothing drained yet

		Expect(fw.Flush()).To(Succeed())
		Expect(sink.String()).To(Equal("0014command=ls-refs\n0000"))

		_, err := fw.Write([]byte("PACKDATA"))
		Expect(err).NotTo(HaveOccurred())
		Expect(fw.Flush()).To(Succeed())
		Expect(strings.HasSuffix(sink.String(), "PACKDATA")).To(BeTrue())
	})
})
