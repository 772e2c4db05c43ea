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

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"golang.org/x/sync/errgroup"
)

type polled struct {
	b      *batch
	status *core.AsgnStatus
	err    error
	fails  int // consecutive
}

// check polls posted assignments until the agent reports them complete, or gives up
// on the agent (assignment not found, or too many consecutive transport failures).
func (j *Job) check(ctx context.Context) error {
	var (
		pending = make(map[string]*polled, 16)
		in      = j.toCheck
		ticker  = time.NewTicker(j.conf.PollInterval.D())
	)
	defer ticker.Stop()
	defer close(j.toUpdate)

	for in != nil || len(pending) > 0 {
		select {
		case b, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending[b.asgn.ID] = &polled{b: b}
		case <-ticker.C:
			j.poll(ctx, pending)
			for id, p := range pending {
				done, err := j.checked(ctx, p)
				if err != nil {
					return j.fail(err)
				}
				if done {
					delete(pending, id)
				}
			}
		case <-j.ChanAbort():
			return nil
		}
	}
	return nil
}

// poll queries all pending assignments, at most MaxPosters at a time.
func (j *Job) poll(ctx context.Context, pending map[string]*polled) {
	var g errgroup.Group
	g.SetLimit(j.conf.MaxPosters)
	for _, p := range pending {
		g.Go(func() error {
			p.status, p.err = j.args.Agents.GetAssignment(ctx, p.b.node, p.b.asgn.ID)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // errors are per assignment
}

// checked acts on the latest poll result and reports whether the assignment is done with.
func (j *Job) checked(ctx context.Context, p *polled) (bool, error) {
	b := p.b
	switch {
	case p.err == nil:
		p.fails = 0
		if p.status.State != core.AgentComplete {
			return false, nil
		}
		b.tasks = p.status.Tasks
		if err := j.transition(ctx, b, core.AsgnComplete); err != nil {
			return false, err
		}
		select {
		case j.toUpdate <- b:
		case <-j.ChanAbort():
			// copies are in place; a retry job re-posts and the agent skips them
		}
		return true, nil
	case j.IsAborted():
		return false, nil
	case errors.Is(p.err, core.ErrAsgnNotFound):
		// agent lost the assignment (e.g. storage was wiped)
		nlog.Warningln(j.Name(), b.asgn, "not found at", b.node)
	default:
		p.fails++
		if p.fails < j.conf.MaxAgentFailures {
			if nlog.V(4) {
				nlog.Infoln(j.Name(), "poll", b.asgn, "failed", p.fails, "time(s):", p.err)
			}
			return false, nil
		}
		nlog.Warningln(j.Name(), "giving up on", b.node, "after", p.fails, "failures:", p.err)
	}
	if err := j.transition(ctx, b, core.AsgnAgentUnavailable); err != nil {
		return false, err
	}
	return true, j.failBatch(ctx, b, core.ReasonAgentUnavailable)
}
