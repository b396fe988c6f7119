// Package mirror diffs the ref sets of two repositories and drives the
// transport engine to make the target agree with the source.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"context"
	"io"
	"os"
	"sort"

	"github.com/NVIDIA/gitmirror/gitprotocol"
	"github.com/NVIDIA/gitmirror/transport"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type (
	// Options control one mirror-update run.
	Options struct {
		Include []string // ref name globs to mirror (default: heads and tags)
		Exclude []string // ref name globs to leave alone
		DryRun  bool     // compute and report the diff, do not transfer
	}

	// Result is what an Update run decided and did.
	Result struct {
		Changes []gitprotocol.RefChange
		Report  *transport.PushReport // nil on dry runs and no-change runs
	}

	// RefSource iterates upstream refs, scanner style. *transport.RefIter
	// is the production implementation.
	RefSource interface {
		Next() bool
		Ref() gitprotocol.Ref
		Err() error
	}
)

// CalculateUpdates computes the minimal ref mutations that make the mirror
// agree with upstream, restricted to names the filter admits: an update or
// create per differing upstream ref, then a delete per mirrored ref that
// upstream no longer has. Running it again over the result yields nothing.
func CalculateUpdates(mirrorRefs map[string]string, upstream RefSource, filter *Filter) ([]gitprotocol.RefChange, error) {
	pendingDelete := make(map[string]string)
	for name, oid := range mirrorRefs {
		if filter.Match(name) {
			pendingDelete[name] = oid
		}
	}

	var changes []gitprotocol.RefChange
	for upstream.Next() {
		ref := upstream.Ref()
		if !filter.Match(ref.Name) {
			glog.V(4).Infof("skipping %s: filtered", ref.Name)
			continue
		}
		old, mirrored := pendingDelete[ref.Name]
		delete(pendingDelete, ref.Name)
		if !mirrored {
			old = gitprotocol.NullObjectID
		}
		if old == ref.ObjectID {
			glog.V(4).Infof("skipping %s: up-to-date", ref.Name)
			continue
		}
		changes = append(changes, gitprotocol.RefChange{Ref: ref.Name, Old: old, New: ref.ObjectID})
	}
	if err := upstream.Err(); err != nil {
		return nil, err
	}
	deletes := make([]string, 0, len(pendingDelete))
	for name := range pendingDelete {
		deletes = append(deletes, name)
	}
	sort.Strings(deletes)
	for _, name := range deletes {
		changes = append(changes, gitprotocol.RefChange{Ref: name, Old: pendingDelete[name], New: gitprotocol.NullObjectID})
	}
	return changes, nil
}

// Update mirrors upstream into mirror: read refs on both sides, compute the
// diff, fetch the needed objects into a scratch pack, push the pack and the
// ref mutations.
func Update(ctx context.Context, upstream, mirror transport.Transport, opts Options) (*Result, error) {
	filter, err := NewFilter(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}

	// the two connections share nothing and can come up concurrently
	var (
		src *transport.FetchConn
		dst *transport.PushConn
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src, err = upstream.Fetch(gctx)
		return
	})
	g.Go(func() (err error) {
		dst, err = mirror.Push(gctx)
		return
	})
	if err := g.Wait(); err != nil {
		if src != nil {
			src.Close(ctx)
		}
		if dst != nil {
			dst.Close(ctx)
		}
		return nil, err
	}
	defer src.Close(ctx)
	defer dst.Close(ctx)

	upstreamRefs, err := src.LsRefs(ctx, "")
	if err != nil {
		return nil, err
	}
	changes, err := CalculateUpdates(dst.Refs(), upstreamRefs, filter)
	if err != nil {
		return nil, err
	}
	res := &Result{Changes: changes}
	if len(changes) == 0 {
		glog.Info("mirror is up-to-date")
		return res, nil
	}
	for _, change := range changes {
		glog.Infof("%s", change)
	}
	if opts.DryRun {
		return res, nil
	}

	wants := gitprotocol.NewOIDSet()
	for _, change := range changes {
		if !change.IsDelete() {
			wants.Add(change.New)
		}
	}
	haves := gitprotocol.NewOIDSet()
	for _, oid := range dst.Refs() {
		haves.Add(oid)
	}

	var pack *os.File
	if len(wants) > 0 {
		pack, err = os.CreateTemp("", "gitmirror-*.pack")
		if err != nil {
			return nil, errors.Wrap(err, "creating scratch pack file")
		}
		defer func() {
			pack.Close()
			os.Remove(pack.Name())
		}()

		glog.Infof("fetching %d object(s) from %s", len(wants), upstream.URL())
		if err := src.FetchObjects(ctx, wants, haves, pack); err != nil {
			return nil, err
		}
		if _, err := pack.Seek(0, 0); err != nil {
			return nil, err
		}
	} else {
		glog.Info("deletes only, nothing to fetch")
	}

	glog.Infof("pushing %d change(s) to %s", len(changes), mirror.URL())
	var packRd io.Reader
	if pack != nil {
		packRd = pack
	}
	report, err := dst.PushChanges(ctx, changes, packRd)
	if err != nil {
		return nil, err
	}
	res.Report = report
	for _, ng := range report.Rejected() {
		glog.Errorf("mirror rejected %s: %s", ng.Ref, ng.Reason)
	}
	return res, nil
}
