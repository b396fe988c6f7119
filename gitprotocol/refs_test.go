// Package gitprotocol implements the building blocks of the git wire
// protocol: pkt-line framing, framed byte streams, refs, and capability sets.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package gitprotocol_test

import (
	"strings"

	"github.com/NVIDIA/gitmirror/gitprotocol"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

const (
	oidA = "f8355e1c6253e3aab4ad72a003e543adcceb626e"
	oidB = "28d14065ec77ccf8c1525b2b69ad62ae4387d05f"
)

var _ = Describe("Ref", func() {
	It("parses an advertisement line", func() {
		ref, err := gitprotocol.ParseRefLine(oidA + " refs/heads/main")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.Name).To(Equal("refs/heads/main"))
		Expect(ref.ObjectID).To(Equal(oidA))
	})

	It("accepts HEAD and longer object ids", func() {
		ref, err := gitprotocol.ParseRefLine(strings.Repeat("ab", 32) + " HEAD")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.Name).To(Equal("HEAD"))
	})

	DescribeTable("rejecting malformed lines",
		func(line string) {
			_, err := gitprotocol.ParseRefLine(line)
			Expect(err).To(HaveOccurred())
		},
		Entry("no separator", oidA),
		Entry("empty name", oidA+" "),
		Entry("short oid", "abc123 refs/heads/main"),
		Entry("uppercase oid", strings.ToUpper(oidA)+" refs/heads/main"),
		Entry("non-hex oid", strings.Repeat("z", 40)+" refs/heads/main"),
	)
})

var _ = Describe("RefChange", func() {
	DescribeTable("classification",
		func(old, newOID string, create, del, update bool) {
			c := gitprotocol.RefChange{Ref: "refs/heads/main", Old: old, New: newOID}
			Expect(c.IsCreate()).To(Equal(create))
			Expect(c.IsDelete()).To(Equal(del))
			Expect(c.IsUpdate()).To(Equal(update))
		},
		Entry("create", gitprotocol.NullObjectID, oidA, true, false, false),
		Entry("delete", oidA, gitprotocol.NullObjectID, false, true, false),
		Entry("update", oidA, oidB, false, false, true),
	)

	It("renders a readable summary", func() {
		Expect(gitprotocol.RefChange{Ref: "refs/tags/v1", Old: gitprotocol.NullObjectID, New: oidA}.String()).
			To(HavePrefix("CREATE refs/tags/v1"))
		Expect(gitprotocol.RefChange{Ref: "refs/tags/v1", Old: oidA, New: gitprotocol.NullObjectID}.String()).
			To(HavePrefix("DELETE refs/tags/v1"))
		Expect(gitprotocol.RefChange{Ref: "refs/tags/v1", Old: oidA, New: oidB}.String()).
			To(HavePrefix("UPDATE refs/tags/v1"))
	})
})

var _ = Describe("CapabilitySet", func() {
	It("holds bare and key=value tokens", func() {
		caps := gitprotocol.ParseCapabilityList(" side-band-64k delete-refs agent=git/2.46.0 object-format=sha1")
		Expect(caps.Len()).To(Equal(4))
		Expect(caps.Has("delete-refs")).To(BeTrue())
		Expect(caps.Has("object-format=sha1")).To(BeTrue())
		Expect(caps.Has("atomic")).To(BeFalse())

		agent, ok := caps.Value("agent")
		Expect(ok).To(BeTrue())
		Expect(agent).To(Equal("git/2.46.0"))
	})

	It("sorts deterministically", func() {
		caps := gitprotocol.NewCapabilitySet("b", "a", "c")
		Expect(caps.Sorted()).To(Equal([]string{"a", "b", "c"}))
	})
})

var _ = Describe("OIDSet", func() {
	It("adds, deletes, and sorts", func() {
		set := gitprotocol.NewOIDSet(oidB, oidA)
		Expect(set.Has(oidA)).To(BeTrue())
		Expect(set.Sorted()).To(Equal([]string{oidB, oidA})) // 28d1... < f835...

		clone := set.Clone()
		clone.Delete(oidA)
		Expect(set.Has(oidA)).To(BeTrue())
		Expect(clone.Has(oidA)).To(BeFalse())
	})
})
