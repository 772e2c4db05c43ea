// Package reb drives shark evacuation: it discovers objects on the source node, selects
// destinations, posts assignments to agents, and applies metadata updates.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb

import (
	"context"
	"errors"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

const laneChSize = 4

// posting lanes: all assignments to a given destination go through the same lane,
// so that a node sees at most one outstanding POST from this job
type lanes struct {
	chs []chan *batch
	g   errgroup.Group
}

func (j *Job) newLanes(ctx context.Context, n int) *lanes {
	l := &lanes{chs: make([]chan *batch, n)}
	for i := range n {
		ch := make(chan *batch, laneChSize)
		l.chs[i] = ch
		l.g.Go(func() error {
			for b := range ch {
				if err := j.post(ctx, b); err != nil {
					return j.fail(err)
				}
			}
			return nil
		})
	}
	return l
}

func (l *lanes) lane(nodeID string) chan *batch {
	return l.chs[xxhash.Sum64String(nodeID)%uint64(len(l.chs))]
}

func (l *lanes) stop() error {
	for _, ch := range l.chs {
		close(ch)
	}
	return l.g.Wait()
}

// assign picks destinations and groups objects into per-destination assignments,
// flushed by size (max tasks) or age.
func (j *Job) assign(ctx context.Context) (err error) {
	var (
		open    = make(map[string]*batch, 8)
		posters = j.newLanes(ctx, j.conf.MaxPosters)
		ticker  = time.NewTicker(j.ageTick())
	)
	defer ticker.Stop()
	defer func() {
		errLanes := posters.stop()
		if err == nil && !j.IsAborted() {
			err = errLanes
		}
		// all posters are done: nothing else sends to the checker
		close(j.toCheck)
	}()

	for {
		select {
		case obj, ok := <-j.toAssign:
			if !ok {
				for id, b := range open {
					if err := j.flush(ctx, b, posters); err != nil {
						return err
					}
					delete(open, id)
				}
				return nil
			}
			if err := j.place(ctx, obj, open, posters); err != nil {
				return j.fail(err)
			}
		case <-ticker.C:
			j.dests.refresh(ctx)
			maxAge := j.conf.MaxAssignmentAge.D()
			for id, b := range open {
				if time.Since(b.asgn.Created) >= maxAge {
					if err := j.flush(ctx, b, posters); err != nil {
						return j.fail(err)
					}
					delete(open, id)
				}
			}
		case <-j.ChanAbort():
			return nil
		}
	}
}

func (j *Job) place(ctx context.Context, obj *core.EvacObj, open map[string]*batch, posters *lanes) error {
	node := j.dests.choose(obj)
	if node == nil {
		if nlog.V(4) {
			nlog.Infoln(j.Name(), "no destination for", obj, "size", cos.ToSizeIEC(obj.Size))
		}
		setErr(obj, core.ReasonNoDestination)
		return j.settle(ctx, []*core.EvacObj{obj})
	}
	b, ok := open[node.ID]
	if !ok {
		b = &batch{
			asgn: core.NewAssignment(j.ID(), node.ID),
			node: node,
			objs: make(map[string]*core.EvacObj, j.conf.MaxTasksPerAssignment),
		}
		open[node.ID] = b
	}
	src, ok := obj.Replica(j.rec.Params.FromShark)
	if !ok {
		src = core.Replica{StorageID: j.rec.Params.FromShark}
	}
	b.asgn.Add(&core.Task{
		Cksum:     obj.Cksum,
		ObjectID:  obj.ID,
		Owner:     obj.Owner,
		Source:    src,
		SourceURL: core.ObjectURL(j.conf.SourceURLFmt, src.StorageID, obj.Owner, obj.ID),
		Size:      obj.Size,
	})
	obj.DestShark, obj.AssignmentID = node.ID, b.asgn.ID
	if err := obj.SetStatus(core.ObjAssigned, core.ReasonNone); err != nil {
		return err
	}
	b.objs[obj.ID] = obj
	if len(b.asgn.Tasks) >= j.conf.MaxTasksPerAssignment {
		delete(open, node.ID)
		return j.flush(ctx, b, posters)
	}
	return nil
}

// flush persists the assignment and its Assigned objects, then queues it for posting.
func (j *Job) flush(ctx context.Context, b *batch, posters *lanes) error {
	if err := j.args.Store.SaveAssignment(ctx, b.asgn); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	objs := make([]*core.EvacObj, 0, len(b.objs))
	for _, obj := range b.objs {
		objs = append(objs, obj)
	}
	if err := j.args.Store.UpdateObjects(ctx, j.ID(), objs); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	j.args.Stats.Asgn(string(core.AsgnInit), b.asgn.Bytes)
	select {
	case posters.lane(b.node.ID) <- b:
	case <-j.ChanAbort():
		// posters exit upon abort; the assignment stays Init and its objects Assigned
	}
	return nil
}

// post sends the assignment to the destination agent. Only job-store failures are
// returned: a refusal or an unreachable agent fails the assignment's objects.
func (j *Job) post(ctx context.Context, b *batch) error {
	if j.IsAborted() {
		return nil
	}
	_, err := j.args.Agents.PostAssignment(ctx, b.node, b.asgn.Payload())
	to := core.AsgnAssigned
	switch {
	case err == nil:
	case j.IsAborted():
		return nil
	case errors.Is(err, core.ErrAsgnRejected):
		to = core.AsgnRejected
	default:
		to = core.AsgnAgentUnavailable
	}
	if err != nil {
		nlog.Warningln(j.Name(), "post", b.asgn, "failed:", err)
	}
	if err := j.transition(ctx, b, to); err != nil {
		return err
	}
	if to != core.AsgnAssigned {
		return j.failBatch(ctx, b, to.ObjReason())
	}
	select {
	case j.toCheck <- b:
	case <-j.ChanAbort():
		// checker exits upon abort; the agent may still complete the copy,
		// which a retry job will find in place (skip-if-exists)
	}
	return nil
}

func (j *Job) transition(ctx context.Context, b *batch, to core.AsgnState) error {
	if err := b.asgn.Transition(to); err != nil {
		return err
	}
	if err := j.args.Store.UpdateAssignmentState(ctx, b.asgn.ID, to); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	j.args.Stats.Asgn(string(to), 0)
	return nil
}

// failBatch marks every object of a non-completed assignment Error(reason).
func (j *Job) failBatch(ctx context.Context, b *batch, reason core.Reason) error {
	objs := make([]*core.EvacObj, 0, len(b.objs))
	for _, obj := range b.objs {
		setErr(obj, reason)
		objs = append(objs, obj)
	}
	j.dests.release(b.node.ID, b.asgn.Bytes, false)
	return j.settle(ctx, objs)
}
