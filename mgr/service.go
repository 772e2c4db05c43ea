// Package mgr implements the evacuation manager: the job service that creates, retries,
// tunes, and aborts evacuation jobs, and its HTTP control surface.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/jobdb"
	"github.com/NVIDIA/rebalancer/reb"
	"github.com/NVIDIA/rebalancer/stats"
	"github.com/NVIDIA/rebalancer/xact/xreg"
)

const dfltPageSize = 1000

type (
	Args struct {
		Config    *cmn.ConfigOwner[cmn.MgrConfig]
		Store     jobdb.Store
		Feed      core.Feed
		Placement core.Placement
		Md        core.MdClient
		Agents    core.AgentClient
		Stats     *stats.Mgr
	}

	// Service owns all evacuation jobs of this manager.
	Service struct {
		args   Args
		reg    *xreg.Registry
		jobs   map[string]*reb.Job
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
		mu     sync.Mutex
	}
)

func NewService(args Args) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		args:   args,
		reg:    xreg.New(),
		jobs:   make(map[string]*reb.Job, 4),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start fails the jobs that a previous manager instance left unfinished; they are retriable.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.args.Store.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted jobs: %w", err)
	}
	if n > 0 {
		nlog.Warningln("marked", n, "interrupted job"+cos.Plural(n), "as failed")
	}
	return nil
}

// Shutdown cancels all running jobs and waits for them to persist their final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %d job(s) still running: %w", len(s.reg.Running("")), ctx.Err())
	}
}

func (s *Service) Running() []string { return s.reg.Running(core.ActEvacuate) }

func (s *Service) CreateJob(ctx context.Context, msg *apc.JobCreateMsg) (*core.Job, error) {
	if msg.Action != "" && msg.Action != apc.ActEvacuate {
		return nil, fmt.Errorf("%w: unknown action %q", core.ErrInvalidParams, msg.Action)
	}
	if err := s.checkPolicy(); err != nil {
		return nil, err
	}
	params := core.JobParams{
		FromShark:           msg.FromShark,
		DCBlacklist:         msg.DCBlacklist,
		MaxFillPercentage:   msg.MaxFillPercentage,
		MaxObjects:          msg.MaxObjects,
		MdUpdateConcurrency: msg.MdUpdateConcurrency,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.create(ctx, params, "")
}

// RetryJob creates a new job that reprocesses the source job's objects that did not complete.
func (s *Service) RetryJob(ctx context.Context, srcID string) (*core.Job, error) {
	src, err := s.args.Store.GetJob(ctx, srcID)
	if err != nil {
		return nil, err
	}
	if s.reg.IsRunning(srcID) || !src.State.IsTerminal() {
		return nil, fmt.Errorf("cannot retry %s: %w", src, core.ErrJobRunning)
	}
	if err := s.checkPolicy(); err != nil {
		return nil, err
	}
	return s.create(ctx, src.Params, srcID)
}

func (s *Service) checkPolicy() error {
	if s.args.Config.Get().Evacuate.SnaplinkCleanupRequired {
		return core.NewErrEvac(core.KindPolicy, "", core.ErrSnaplinkCleanup)
	}
	return nil
}

func (s *Service) create(ctx context.Context, params core.JobParams, srcID string) (*core.Job, error) {
	rec := &core.Job{
		ID:          cos.GenJobID(),
		Action:      core.ActEvacuate,
		SourceJobID: srcID,
		State:       core.JobInit,
		Params:      params,
	}
	if err := s.args.Store.CreateJob(ctx, rec); err != nil {
		return nil, err
	}
	args := &reb.Args{
		Job:       rec,
		Store:     s.args.Store,
		Feed:      s.args.Feed,
		Placement: s.args.Placement,
		Md:        s.args.Md,
		Agents:    s.args.Agents,
		Reg:       s.reg,
		Stats:     s.args.Stats,
		Conf:      s.args.Config.Get().Evacuate,
	}
	if srcID != "" {
		args.Feed = nil // replays the source job's objects
	}
	j, err := reb.NewJob(args)
	if err != nil {
		if errState := s.args.Store.UpdateJobState(ctx, rec.ID, core.JobFailed, err.Error()); errState != nil {
			nlog.Errorln("failed to fail", rec, "err:", errState)
		}
		return nil, err
	}
	s.mu.Lock()
	s.jobs[rec.ID] = j
	s.mu.Unlock()

	// the job owns rec once running
	cp := *rec
	nlog.Infoln("created", &cp)

	s.wg.Add(1)
	go s.run(j)
	return &cp, nil
}

func (s *Service) run(j *reb.Job) {
	defer s.wg.Done()
	if err := j.Run(s.ctx); err != nil {
		nlog.Errorln(j.Name(), "finished with error:", err)
	}
	s.mu.Lock()
	delete(s.jobs, j.ID())
	s.mu.Unlock()
}

func (s *Service) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return s.args.Store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, state core.JobState) ([]*core.Job, error) {
	return s.args.Store.ListJobs(ctx, state)
}

// UpdateJob delivers a runtime control message to a running job.
func (s *Service) UpdateJob(ctx context.Context, id string, msg *apc.JobUpdateMsg) error {
	var ctl xreg.CtlMsg
	switch msg.Action {
	case apc.ActSetMdConcurrency:
		n, ok := msg.MdConcurrency()
		if !ok {
			return fmt.Errorf("%w: %s requires integer parameter \"concurrency\"", core.ErrInvalidParams, msg.Action)
		}
		if err := core.ValidateMdConcurrency(n); err != nil {
			return err
		}
		ctl = xreg.CtlMsg{Action: msg.Action, Value: n}
	default:
		return fmt.Errorf("%w: unknown action %q", core.ErrInvalidParams, msg.Action)
	}
	err := s.reg.Send(id, ctl)
	if errors.Is(err, xreg.ErrNotRunning) {
		return s.notRunning(ctx, id)
	}
	return err
}

func (s *Service) AbortJob(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok || !j.Abort(nil) {
		return s.notRunning(ctx, id)
	}
	return nil
}

// notRunning distinguishes an unknown job from a finished one.
func (s *Service) notRunning(ctx context.Context, id string) error {
	if _, err := s.args.Store.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, core.ErrJobNotRunning)
}

func (s *Service) ListObjects(ctx context.Context, id string, status core.ObjStatus, after string, limit int) ([]*core.EvacObj, error) {
	if _, err := s.args.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > dfltPageSize {
		limit = dfltPageSize
	}
	return s.args.Store.ListObjects(ctx, id, jobdb.ObjFilter{Status: status}, after, limit)
}

func (s *Service) ListDuplicates(ctx context.Context, id string) ([]*core.DuplicateObject, error) {
	if _, err := s.args.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.args.Store.ListDuplicates(ctx, id)
}
