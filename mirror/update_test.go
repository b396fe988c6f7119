// Package mirror diffs the ref sets of two repositories and drives the
// transport engine to make the target agree with the source.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package mirror_test

import (
	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/NVIDIA/gitmirror/mirror"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const (
	oidA = "f8355e1c6253e3aab4ad72a003e543adcceb626e"
	oidB = "28d14065ec77ccf8c1525b2b69ad62ae4387d05f"
	oidC = "aaaabbbbccccddddeeeeffff0000111122223333"
)

// refSlice adapts a fixed slice to mirror.RefSource
type refSlice struct {
	refs []gitprotocol.Ref
	cur  gitprotocol.Ref
}

func (r *refSlice) Next() bool {
	if len(r.refs) == 0 {
		return false
	}
	r.cur, r.refs = r.refs[0], r.refs[1:]
	return true
}
func (r *refSlice) Ref() gitprotocol.Ref { return r.cur }
func (*refSlice) Err() error             { return nil }

func calculate(mirrorRefs map[string]string, upstream []gitprotocol.Ref, include, exclude []string) []gitprotocol.RefChange {
	filter, err := mirror.NewFilter(include, exclude)
	Expect(err).NotTo(HaveOccurred())
	changes, err := mirror.CalculateUpdates(mirrorRefs, &refSlice{refs: upstream}, filter)
	Expect(err).NotTo(HaveOccurred())
	return changes
}

var _ = Describe("CalculateUpdates", func() {
	It("does nothing for empty ref sets", func() {
		Expect(calculate(nil, nil, nil, nil)).To(BeEmpty())
	})

	It("updates a ref that moved", func() {
		changes := calculate(
			map[string]string{"refs/heads/master": oidA},
			[]gitprotocol.Ref{{Name: "refs/heads/master", ObjectID: oidB}},
			nil, nil,
		)
		Expect(changes).To(Equal([]gitprotocol.RefChange{
			{Ref: "refs/heads/master", Old: oidA, New: oidB},
		}))
	})

	It("creates a ref the mirror does not have", func() {
		changes := calculate(
			map[string]string{},
			[]gitprotocol.Ref{{Name: "refs/heads/master", ObjectID: oidB}},
			nil, nil,
		)
		Expect(changes).To(Equal([]gitprotocol.RefChange{
			{Ref: "refs/heads/master", Old: gitprotocol.NullObjectID, New: oidB},
		}))
	})

	It("deletes a ref upstream no longer has", func() {
		changes := calculate(
			map[string]string{"refs/heads/master": oidA},
			nil,
			nil, nil,
		)
		Expect(changes).To(Equal([]gitprotocol.RefChange{
			{Ref: "refs/heads/master", Old: oidA, New: gitprotocol.NullObjectID},
		}))
	})

	It("skips refs that are up-to-date", func() {
		Expect(calculate(
			map[string]string{"refs/heads/master": oidA},
			[]gitprotocol.Ref{{Name: "refs/heads/master", ObjectID: oidA}},
			nil, nil,
		)).To(BeEmpty())
	})

	It("never deletes refs outside the filter", func() {
		Expect(calculate(
			map[string]string{"refs/heads/master": oidA, "refs/meta/config": oidC},
			[]gitprotocol.Ref{{Name: "refs/heads/master", ObjectID: oidA}},
			[]string{"refs/heads/*"}, nil,
		)).To(BeEmpty())
	})

	It("applies include and exclude globs", func() {
		// the seed scenario: two creates survive the filter
		changes := calculate(
			map[string]string{},
			[]gitprotocol.Ref{
				{Name: "refs/heads/main", ObjectID: oidA},
				{Name: "refs/tags/v1.0", ObjectID: oidB},
				{Name: "refs/heads/private/secret", ObjectID: oidC},
				{Name: "refs/change/123", ObjectID: oidC},
			},
			[]string{"refs/heads/*", "refs/tags/*"},
			[]string{"refs/heads/private/*"},
		)
		Expect(changes).To(Equal([]gitprotocol.RefChange{
			{Ref: "refs/heads/main", Old: gitprotocol.NullObjectID, New: oidA},
			{Ref: "refs/tags/v1.0", Old: gitprotocol.NullObjectID, New: oidB},
		}))
	})

	It("ignores HEAD and other non-ref advertisements by default", func() {
		Expect(calculate(
			map[string]string{},
			[]gitprotocol.Ref{{Name: "HEAD", ObjectID: oidA}},
			nil, nil,
		)).To(BeEmpty())
	})

	It("never emits a change with both endpoints null", func() {
		changes := calculate(
			map[string]string{"refs/heads/a": oidA, "refs/tags/b": oidB},
			[]gitprotocol.Ref{
				{Name: "refs/heads/a", ObjectID: oidC},
				{Name: "refs/tags/c", ObjectID: oidB},
			},
			nil, nil,
		)
		for _, c := range changes {
			Expect(c.Old == gitprotocol.NullObjectID && c.New == gitprotocol.NullObjectID).To(BeFalse())
		}
	})

	It("is idempotent", func() {
		mirrorRefs := map[string]string{
			"refs/heads/main": oidA,
			"refs/tags/gone":  oidB,
		}
		upstream := []gitprotocol.Ref{
			{Name: "refs/heads/main", ObjectID: oidC},
			{Name: "refs/tags/new", ObjectID: oidB},
		}
		first := calculate(mirrorRefs, upstream, nil, nil)
		second := calculate(mirrorRefs, upstream, nil, nil)
		Expect(second).To(Equal(first))

		// applying the changes and recomputing yields nothing
		applied := map[string]string{}
		for k, v := range mirrorRefs {
			applied[k] = v
		}
		for _, c := range first {
			if c.IsDelete() {
				delete(applied, c.Ref)
			} else {
				applied[c.Ref] = c.New
			}
		}
		Expect(calculate(applied, upstream, nil, nil)).To(BeEmpty())
	})
})

var _ = Describe("Filter", func() {
	It("composes include and exclude as a conjunction", func() {
		f, err := mirror.NewFilter([]string{"refs/heads/*"}, []string{"refs/heads/private/*"})
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Match("refs/heads/main")).To(BeTrue())
		Expect(f.Match("refs/heads/private/x")).To(BeFalse())
		Expect(f.Match("refs/tags/v1.0")).To(BeFalse())
	})

	It("defaults to heads and tags", func() {
		f, err := mirror.NewFilter(nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Match("refs/heads/main")).To(BeTrue())
		Expect(f.Match("refs/tags/v1.0")).To(BeTrue())
		Expect(f.Match("HEAD")).To(BeFalse())
		Expect(f.Match("refs/meta/config")).To(BeFalse())
	})

	It("rejects malformed patterns", func() {
		_, err := mirror.NewFilter([]string{"refs/[heads"}, nil)
		Expect(err).To(HaveOccurred())
	})
})
