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
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/jobdb"
	"github.com/NVIDIA/rebalancer/stats"
	"github.com/NVIDIA/rebalancer/xact"
	"github.com/NVIDIA/rebalancer/xact/xreg"
)

const (
	// pipeline channel capacities
	objChSize  = 1024
	asgnChSize = 64

	// discovery insert batch
	insertBatch = 256

	numWorkers = 4
)

const (
	wDiscovery = "discovery"
	wAssigner  = "assigner"
	wChecker   = "checker"
	wMdUpdater = "md-updater"
)

type (
	Args struct {
		Job       *core.Job
		Store     jobdb.Store
		Feed      core.Feed // nil for retry jobs
		Placement core.Placement
		Md        core.MdClient
		Agents    core.AgentClient
		Reg       *xreg.Registry
		Stats     *stats.Mgr
		Conf      cmn.EvacuateConf
	}

	// Job evacuates all objects off one storage node.
	Job struct {
		xact.Base
		args     *Args
		rec      *core.Job
		ctl      <-chan xreg.CtlMsg
		mdSema   *cos.DynSemaphore
		dests    *dests
		toAssign chan *core.EvacObj
		toCheck  chan *batch
		toUpdate chan *batch
		conf     cmn.EvacuateConf
		cnt      struct {
			total, processed, skipped, errors, dups atomic.Int64
		}
	}

	// batch is an assignment plus its objects, as tracked by the manager.
	batch struct {
		asgn  *core.Assignment
		node  *core.StorageNode
		objs  map[string]*core.EvacObj
		tasks []*core.Task // as reported by the agent
	}

	workerResult struct {
		err  error
		name string
	}
)

// NewJob registers the job so that control messages can reach it as soon as it exists.
func NewJob(args *Args) (*Job, error) {
	rec := args.Job
	ctl, err := args.Reg.Register(rec.ID, rec.Action)
	if err != nil {
		return nil, err
	}
	conf := args.Conf
	conf.SetDefaults()
	mdConc := rec.Params.MdUpdateConcurrency
	if mdConc == 0 {
		mdConc = conf.MdUpdateConcurrency
	}
	maxFill := rec.Params.MaxFillPercentage
	if maxFill == 0 {
		maxFill = conf.MaxFillPercentage
	}
	j := &Job{
		args:     args,
		rec:      rec,
		ctl:      ctl,
		conf:     conf,
		mdSema:   cos.NewDynSemaphore(mdConc),
		dests:    newDests(args.Placement, rec.Params.FromShark, rec.Params.DCBlacklist, maxFill, conf.RefreshInterval.D()),
		toAssign: make(chan *core.EvacObj, objChSize),
		toCheck:  make(chan *batch, asgnChSize),
		toUpdate: make(chan *batch, asgnChSize),
	}
	j.InitBase(rec.ID, rec.Action, nil)
	return j, nil
}

func (j *Job) Record() *core.Job { return j.rec }
func (j *Job) MdConcurrency() int { return j.mdSema.Size() }

func (j *Job) Counters() core.Counters {
	return core.Counters{
		Total:      j.cnt.total.Load(),
		Processed:  j.cnt.processed.Load(),
		Skipped:    j.cnt.skipped.Load(),
		Errors:     j.cnt.errors.Load(),
		Duplicates: j.cnt.dups.Load(),
	}
}

// Run drives the job to a terminal state and returns the persisted outcome.
func (j *Job) Run(ctx context.Context) error {
	defer j.args.Reg.Unregister(j.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			// shutdown
			j.Abort(ctx.Err())
		case <-j.ChanAbort():
			cancel()
		}
	}()

	if err := j.setState(ctx, core.JobInit, core.JobRunning, ""); err != nil {
		return j.finalize(ctx, []error{err})
	}
	j.args.Stats.MdConcurrency(j.ID(), j.mdSema.Size())
	defer j.args.Stats.MdConcurrency(j.ID(), 0)

	if j.conf.SnaplinkCleanupRequired {
		return j.finalize(ctx, []error{core.NewErrEvac(core.KindPolicy, "", core.ErrSnaplinkCleanup)})
	}
	if err := j.dests.init(ctx); err != nil {
		return j.finalize(ctx, []error{err})
	}
	nlog.Infoln(j.Name(), "starting:", j.dests.count(), "destination candidates, md concurrency", j.mdSema.Size())

	go j.listen()

	results := make(chan workerResult, numWorkers)
	go j.work(ctx, wDiscovery, j.discover, results)
	go j.work(ctx, wAssigner, j.assign, results)
	go j.work(ctx, wChecker, j.check, results)
	go j.work(ctx, wMdUpdater, j.updateMd, results)

	var critical []error
	for range numWorkers {
		r := <-results
		switch {
		case r.err == nil:
			if nlog.V(4) {
				nlog.Infoln(j.Name(), r.name, "done")
			}
		case core.IsCriticalErr(r.err):
			nlog.Errorln(j.Name(), r.name, "failed:", r.err)
			critical = append(critical, fmt.Errorf("%s: %w", r.name, r.err))
		default:
			nlog.Warningln(j.Name(), r.name+":", r.err)
		}
	}
	return j.finalize(ctx, critical)
}

// work runs one pipeline stage and always reports its result.
func (j *Job) work(ctx context.Context, name string, fn func(context.Context) error, results chan<- workerResult) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("%s: %s panicked: %v\n%s", j.Name(), name, r, debug.Stack())
			err = core.NewErrEvac(core.KindPanic, "", fmt.Errorf("%s: %v", name, r))
			if name != wDiscovery {
				// downstream stages may be blocked on this one
				j.Abort(err)
			}
		}
		results <- workerResult{name: name, err: err}
	}()
	err = fn(ctx)
}

// fail aborts the pipeline on a critical error that no stage can recover from.
func (j *Job) fail(err error) error {
	j.Abort(err)
	return err
}

// listen applies runtime control messages until the job is done.
func (j *Job) listen() {
	for {
		select {
		case msg := <-j.ctl:
			j.apply(msg)
		case <-j.ChanAbort():
			return
		}
	}
}

func (j *Job) apply(msg xreg.CtlMsg) {
	switch msg.Action {
	case apc.ActSetMdConcurrency:
		if err := core.ValidateMdConcurrency(msg.Value); err != nil {
			nlog.Errorln(j.Name(), err)
			return
		}
		prev := j.mdSema.Size()
		j.mdSema.SetSize(msg.Value)
		j.args.Stats.MdConcurrency(j.ID(), msg.Value)
		nlog.Infof("%s: md update concurrency %d => %d", j.Name(), prev, msg.Value)
	default:
		nlog.Errorln(j.Name(), "unknown control action", msg.Action)
	}
}

func (j *Job) setState(ctx context.Context, from, to core.JobState, errMsg string) error {
	if err := j.args.Store.UpdateJobState(ctx, j.ID(), to, errMsg); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	j.rec.State, j.rec.Err = to, errMsg
	j.args.Stats.JobState(string(from), string(to))
	return nil
}

// finalize: Complete only when no critical error was collected and the job was not aborted.
func (j *Job) finalize(ctx context.Context, critical []error) error {
	var (
		from   = j.rec.State
		to     = core.JobComplete
		errMsg string
		err    = errors.Join(critical...)
	)
	switch {
	case err != nil:
		to, errMsg = core.JobFailed, err.Error()
	case j.IsAborted():
		err = j.AbortErr()
		to, errMsg = core.JobFailed, core.KindAborted.String()+": "+err.Error()
	}
	// the job outcome must be recorded even when the job is being canceled
	if errState := j.setState(context.WithoutCancel(ctx), from, to, errMsg); errState != nil {
		nlog.Errorln(j.Name(), "failed to persist final state", to+":", errState)
		err = errors.Join(err, errState)
	}
	j.Finish()
	cnt := j.Counters()
	nlog.Infof("%s: %s (total %d, processed %d, skipped %d, errors %d, duplicates %d)",
		j.Name(), to, cnt.Total, cnt.Processed, cnt.Skipped, cnt.Errors, cnt.Duplicates)
	return err
}

//
// object bookkeeping
//

// settle persists terminal object transitions and atomically bumps the job's counters.
func (j *Job) settle(ctx context.Context, objs []*core.EvacObj) error {
	if len(objs) == 0 {
		return nil
	}
	var delta core.Counters
	for _, obj := range objs {
		switch obj.Status {
		case core.ObjComplete:
			delta.Processed++
		case core.ObjSkipped:
			delta.Skipped++
		case core.ObjError:
			delta.Errors++
		default:
			continue
		}
		j.args.Stats.ObjDone(string(obj.Status), string(obj.Reason), 1)
	}
	if err := j.args.Store.UpdateObjects(ctx, j.ID(), objs); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	return j.count(ctx, delta)
}

func (j *Job) count(ctx context.Context, delta core.Counters) error {
	if delta.IsZero() {
		return nil
	}
	if err := j.args.Store.IncCounters(ctx, j.ID(), delta); err != nil {
		return core.NewErrEvac(core.KindJobStore, "", err)
	}
	j.cnt.total.Add(delta.Total)
	j.cnt.processed.Add(delta.Processed)
	j.cnt.skipped.Add(delta.Skipped)
	j.cnt.errors.Add(delta.Errors)
	j.cnt.dups.Add(delta.Duplicates)
	return nil
}

// setErr is a convenience for per-object failures; the transition is always valid
// for non-terminal objects.
func setErr(obj *core.EvacObj, reason core.Reason) {
	if err := obj.SetStatus(core.ObjError, reason); err != nil {
		nlog.Errorln(err)
	}
}

func (j *Job) ageTick() time.Duration {
	return max(j.conf.MaxAssignmentAge.D()/2, 10*time.Millisecond)
}
