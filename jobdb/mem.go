// Package jobdb persists evacuation jobs, their objects, assignments, and
// duplicate sightings on behalf of the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package jobdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/rebalancer/core"
)

// Mem is an in-memory Store (development, tests).
type Mem struct {
	jobs  map[string]*core.Job
	objs  map[string]map[string]*core.EvacObj
	dups  map[string]map[string]*core.DuplicateObject
	asgns map[string]*core.Assignment
	mu    sync.RWMutex
}

// interface guard
var _ Store = (*Mem)(nil)

func NewMem() *Mem {
	return &Mem{
		jobs:  make(map[string]*core.Job),
		objs:  make(map[string]map[string]*core.EvacObj),
		dups:  make(map[string]map[string]*core.DuplicateObject),
		asgns: make(map[string]*core.Assignment),
	}
}

func cloneJob(j *core.Job) *core.Job {
	cp := *j
	cp.Params.DCBlacklist = append([]string(nil), j.Params.DCBlacklist...)
	return &cp
}

func cloneObj(o *core.EvacObj) *core.EvacObj {
	cp := *o
	cp.Sharks = append([]core.Replica(nil), o.Sharks...)
	return &cp
}

func (m *Mem) CreateJob(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.Created, job.Updated = now, now
	m.jobs[job.ID] = cloneJob(job)
	m.objs[job.ID] = make(map[string]*core.EvacObj)
	m.dups[job.ID] = make(map[string]*core.DuplicateObject)
	return nil
}

func (m *Mem) GetJob(_ context.Context, jobID string) (*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	return cloneJob(j), nil
}

func (m *Mem) ListJobs(_ context.Context, state core.JobState) ([]*core.Job, error) {
	m.mu.RLock()
	jobs := make([]*core.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if state == "" || j.State == state {
			jobs = append(jobs, cloneJob(j))
		}
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Created.Before(jobs[k].Created) })
	return jobs, nil
}

func (m *Mem) UpdateJobState(_ context.Context, jobID string, state core.JobState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	j.State, j.Err, j.Updated = state, errMsg, time.Now()
	return nil
}

func (m *Mem) IncCounters(_ context.Context, jobID string, delta core.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	j.Counters.Add(delta)
	j.Updated = time.Now()
	return nil
}

func (m *Mem) MarkInterrupted(_ context.Context) (n int, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.State == core.JobInit || j.State == core.JobRunning {
			j.State, j.Err, j.Updated = core.JobFailed, ErrInterrupted, time.Now()
			n++
		}
	}
	return n, nil
}

func (m *Mem) InsertObjects(_ context.Context, jobID string, objs []*core.EvacObj) ([]*core.EvacObj, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.objs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	inserted := make(map[string]struct{}, len(objs))
	for _, obj := range objs {
		if _, ok := tbl[obj.ID]; ok {
			continue
		}
		tbl[obj.ID] = cloneObj(obj)
		inserted[obj.ID] = struct{}{}
	}
	return splitDups(objs, inserted), nil
}

func (m *Mem) GetObject(_ context.Context, jobID, objID string) (*core.EvacObj, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objs[jobID][objID]
	if !ok {
		return nil, fmt.Errorf("job %s: object %s not found", jobID, objID)
	}
	return cloneObj(obj), nil
}

func (m *Mem) UpdateObjects(_ context.Context, jobID string, objs []*core.EvacObj) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.objs[jobID]
	for _, obj := range objs {
		rec, ok := tbl[obj.ID]
		if !ok {
			return fmt.Errorf("job %s: object %s not found", jobID, obj.ID)
		}
		rec.Status, rec.Reason = obj.Status, obj.Reason
		rec.DestShark, rec.AssignmentID = obj.DestShark, obj.AssignmentID
	}
	return nil
}

func (m *Mem) ListObjects(_ context.Context, jobID string, filter ObjFilter, after string, limit int) ([]*core.EvacObj, error) {
	m.mu.RLock()
	tbl := m.objs[jobID]
	ids := make([]string, 0, len(tbl))
	for id, obj := range tbl {
		if id > after && filter.match(obj.Status) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*core.EvacObj, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneObj(tbl[id]))
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Mem) AddDuplicates(_ context.Context, jobID string, objs []*core.EvacObj) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.dups[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	for _, obj := range objs {
		if d, ok := tbl[obj.ID]; ok {
			d.Count++
			continue
		}
		tbl[obj.ID] = &core.DuplicateObject{
			JobID:    jobID,
			ObjectID: obj.ID,
			Owner:    obj.Owner,
			Sharks:   append([]core.Replica(nil), obj.Sharks...),
			Count:    1,
		}
	}
	return nil
}

func (m *Mem) ListDuplicates(_ context.Context, jobID string) ([]*core.DuplicateObject, error) {
	m.mu.RLock()
	out := make([]*core.DuplicateObject, 0, len(m.dups[jobID]))
	for _, d := range m.dups[jobID] {
		cp := *d
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ObjectID < out[k].ObjectID })
	return out, nil
}

func (m *Mem) SaveAssignment(_ context.Context, asgn *core.Assignment) error {
	cp := *asgn
	cp.Tasks = make([]*core.Task, len(asgn.Tasks))
	for i, t := range asgn.Tasks {
		tcp := *t
		cp.Tasks[i] = &tcp
	}
	m.mu.Lock()
	m.asgns[asgn.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Mem) UpdateAssignmentState(_ context.Context, asgnID string, state core.AsgnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.asgns[asgnID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAsgnNotFound, asgnID)
	}
	a.State = state
	return nil
}

func (m *Mem) ListAssignments(_ context.Context, jobID string) ([]*core.Assignment, error) {
	m.mu.RLock()
	var out []*core.Assignment
	for _, a := range m.asgns {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Created.Before(out[k].Created) })
	return out, nil
}

func (*Mem) Close() error { return nil }
