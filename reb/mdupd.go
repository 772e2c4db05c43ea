// Package reb drives shark evacuation: it discovers objects on the source node, selects
// destinations, posts assignments to agents, and applies metadata updates.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"golang.org/x/sync/errgroup"
)

// updateMd applies completed assignments: for every object the agent copied, the
// source replica is atomically replaced with the destination in the metadata store.
// The number of in-flight updates is bounded by the (runtime-tunable) md semaphore.
func (j *Job) updateMd(ctx context.Context) error {
	var g errgroup.Group
loop:
	for {
		select {
		case b, ok := <-j.toUpdate:
			if !ok {
				break loop
			}
			g.Go(func() error { return j.commit(ctx, b) })
		case <-j.ChanAbort():
			break loop
		}
	}
	// commit only fails on criticals
	return g.Wait()
}

// commit settles all objects of one completed assignment and acks it at the agent.
func (j *Job) commit(ctx context.Context, b *batch) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  = make([]*core.EvacObj, 0, len(b.objs))
		reported = make(map[string]struct{}, len(b.tasks))
		critical error
		bytes    int64
	)
	done := func(obj *core.EvacObj) {
		mu.Lock()
		settled = append(settled, obj)
		if obj.Status == core.ObjComplete {
			bytes += obj.Size
		}
		mu.Unlock()
	}
	for _, t := range b.tasks {
		obj, ok := b.objs[t.ObjectID]
		if !ok {
			nlog.Warningln(j.Name(), b.asgn, "reported unknown object", t.ObjectID)
			continue
		}
		if _, ok := reported[t.ObjectID]; ok {
			continue
		}
		reported[t.ObjectID] = struct{}{}
		if !t.Status.Succeeded() {
			reason := t.Reason
			if reason == core.ReasonNone {
				reason = core.ReasonNetwork
			}
			if nlog.V(4) {
				nlog.Infoln(j.Name(), obj, "transfer failed:", reason, t.Err)
			}
			setErr(obj, reason)
			done(obj)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := j.replace(ctx, b, obj)
			switch {
			case err == nil:
				obj.SetStatus(core.ObjComplete, core.ReasonNone) //nolint:errcheck // assigned => complete
			case j.IsAborted() && !errors.Is(err, core.ErrMdUnreachable):
				return // stays Assigned
			case errors.Is(err, core.ErrMdUnreachable):
				setErr(obj, core.ReasonMdUpdate)
				mu.Lock()
				critical = core.NewErrEvac(core.KindMdUnreachable, obj.ID, err)
				mu.Unlock()
			case errors.Is(err, core.ErrObjectGone):
				setErr(obj, core.ReasonObjectGone)
			case errors.Is(err, core.ErrReplicaMoved):
				setErr(obj, core.ReasonReplicaMoved)
			default:
				nlog.Warningln(j.Name(), obj, "md update failed:", err)
				setErr(obj, core.ReasonMdUpdate)
			}
			done(obj)
		}()
	}
	// not reported by the agent at all
	for id, obj := range b.objs {
		if _, ok := reported[id]; !ok {
			setErr(obj, core.ReasonAgentUnavailable)
			done(obj)
		}
	}
	wg.Wait()

	j.dests.release(b.node.ID, b.asgn.Bytes-bytes, false)
	j.dests.release(b.node.ID, bytes, true)
	if err := j.settle(context.WithoutCancel(ctx), settled); err != nil {
		return j.fail(err)
	}
	if critical != nil {
		return j.fail(critical)
	}
	if err := j.args.Agents.DeleteAssignment(ctx, b.node, b.asgn.ID); err != nil {
		nlog.Warningln(j.Name(), "failed to ack", b.asgn, "at", b.node, "(ignoring):", err)
	}
	return nil
}

func (j *Job) replace(ctx context.Context, b *batch, obj *core.EvacObj) error {
	from, ok := obj.Replica(j.rec.Params.FromShark)
	if !ok {
		from = core.Replica{StorageID: j.rec.Params.FromShark}
	}
	j.mdSema.Acquire()
	defer j.mdSema.Release()
	if j.IsAborted() {
		return context.Canceled
	}
	started := time.Now()
	_, err := j.args.Md.ReplaceReplica(ctx, obj.ID, from, b.node.Replica())
	j.args.Stats.MdLatency(time.Since(started))
	return err
}
