// Package reb drives shark evacuation: it discovers objects on the source node, selects
// destinations, posts assignments to agents, and applies metadata updates.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb

import (
	"context"
	"errors"
	"fmt"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/jobdb"
)

// discover streams source objects (fresh feed, or the source job's unfinished
// objects for a retry), records them, and hands new ones to the assigner.
func (j *Job) discover(ctx context.Context) error {
	defer close(j.toAssign)

	var (
		fctx, stop = context.WithCancel(ctx)
		in         = make(chan *core.EvacObj, insertBatch)
		srcErr     = make(chan error, 1)
		capped     bool
		seen       int64
		maxObjs    = j.rec.Params.MaxObjects
		objs       = make([]*core.EvacObj, 0, insertBatch)
	)
	defer stop()
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = core.NewErrEvac(core.KindPanic, "", fmt.Errorf("%s: %v", wDiscovery, r))
			}
			close(in)
			srcErr <- err
		}()
		err = j.source(fctx, in)
	}()

	for obj := range in {
		if capped {
			continue // drain until the source observes the cancellation
		}
		objs = append(objs, obj)
		seen++
		if maxObjs > 0 && seen >= maxObjs {
			capped = true
			stop()
			nlog.Infoln(j.Name(), "reached max objects", maxObjs)
		}
		if len(objs) < insertBatch && len(in) > 0 && !capped {
			continue
		}
		if err := j.admit(ctx, objs); err != nil {
			stop()
			for range in { // let the source exit
			}
			<-srcErr
			if j.IsAborted() {
				return nil
			}
			return err
		}
		objs = objs[:0]
	}
	if len(objs) > 0 && !capped {
		if err := j.admit(ctx, objs); err != nil && !j.IsAborted() {
			<-srcErr
			return err
		}
	}

	err := <-srcErr
	switch {
	case err == nil:
		return nil
	case capped && errors.Is(err, context.Canceled):
		return nil
	case j.IsAborted():
		return nil
	case isKind(err, core.KindPanic):
		return err
	default:
		return core.NewErrEvac(core.KindDiscovery, "", err)
	}
}

func isKind(err error, kind core.ErrKind) bool {
	var e *core.ErrEvac
	return errors.As(err, &e) && e.Kind == kind
}

func (j *Job) source(ctx context.Context, out chan<- *core.EvacObj) error {
	if j.rec.SourceJobID != "" {
		return j.replay(ctx, out)
	}
	if j.args.Feed == nil {
		return errors.New("no discovery feed configured")
	}
	return j.args.Feed.Run(ctx, j.rec.Params.FromShark, out)
}

// replay pages through the source job's objects that are not Complete; each
// becomes a new unprocessed record of this job.
func (j *Job) replay(ctx context.Context, out chan<- *core.EvacObj) error {
	var (
		after  string
		filter = jobdb.ObjFilter{NotStatus: core.ObjComplete}
		n      int
	)
	for {
		page, err := j.args.Store.ListObjects(ctx, j.rec.SourceJobID, filter, after, insertBatch)
		if err != nil {
			return fmt.Errorf("replay %s: %w", j.rec.SourceJobID, err)
		}
		for _, obj := range page {
			obj.Reset()
			select {
			case out <- obj:
				n++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(page) < insertBatch {
			nlog.Infof("%s: replayed %d object(s) of job %s", j.Name(), n, j.rec.SourceJobID)
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// admit records a batch of discovered objects. Repeated IDs (within the batch or
// seen before in this job) become duplicate sightings and are Skipped; invalid
// records are Skipped(bad-record); the rest go to the assigner.
func (j *Job) admit(ctx context.Context, objs []*core.EvacObj) error {
	var (
		valid   = make([]*core.EvacObj, 0, len(objs))
		skipped []*core.EvacObj
		delta   = core.Counters{Total: int64(len(objs))}
	)
	for _, obj := range objs {
		obj.Status, obj.Reason = core.ObjUnprocessed, core.ReasonNone
		if err := obj.Validate(); err != nil {
			nlog.Warningln(j.Name(), "skipping bad record:", err)
			if core.ValidatePathElem(obj.ID) != nil || core.ValidatePathElem(obj.Owner) != nil {
				// cannot be recorded: counted only
				delta.Skipped++
				j.args.Stats.ObjDone(string(core.ObjSkipped), string(core.ReasonBadRecord), 1)
				continue
			}
			obj.Reason = core.ReasonBadRecord
		}
		valid = append(valid, obj)
	}
	dups, err := j.args.Store.InsertObjects(ctx, j.ID(), valid)
	if err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	if len(dups) > 0 {
		if err := j.args.Store.AddDuplicates(ctx, j.ID(), dups); err != nil {
			return core.NewErrEvac(core.KindJobStore, "", err)
		}
		delta.Skipped += int64(len(dups))
		delta.Duplicates += int64(len(dups))
		j.args.Stats.ObjDone(string(core.ObjSkipped), string(core.ReasonDuplicate), len(dups))
		if nlog.V(4) {
			for _, d := range dups {
				nlog.Infoln(j.Name(), "duplicate", d)
			}
		}
	}
	if err := j.count(ctx, delta); err != nil {
		return err
	}

	isDup := make(map[*core.EvacObj]struct{}, len(dups))
	for _, d := range dups {
		isDup[d] = struct{}{}
	}
	for _, obj := range valid {
		if _, ok := isDup[obj]; ok {
			continue
		}
		switch {
		case obj.Reason == core.ReasonBadRecord:
			obj.Reason = core.ReasonNone
			obj.SetStatus(core.ObjSkipped, core.ReasonBadRecord) //nolint:errcheck // unprocessed => skipped
			skipped = append(skipped, obj)
		case !obj.HasReplicaOn(j.rec.Params.FromShark):
			obj.SetStatus(core.ObjSkipped, core.ReasonReplicaMoved) //nolint:errcheck // ditto
			skipped = append(skipped, obj)
		default:
			select {
			case j.toAssign <- obj:
			case <-j.ChanAbort():
				// assigner is gone; objects stay Unprocessed for a retry
				return nil
			}
		}
	}
	return j.settle(ctx, skipped)
}
