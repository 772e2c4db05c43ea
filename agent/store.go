// Package agent implements the per-node transfer processor: it accepts assignments,
// downloads and verifies objects, and reports per-task outcomes to the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"fmt"
	"sort"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/kvdb"
	"github.com/NVIDIA/rebalancer/core"

	jsoniter "github.com/json-iterator/go"
)

// kvdb collections
const (
	collAsgn = "asgn"
	collTask = "task"
)

type (
	asgnRecord struct {
		Created  time.Time       `json:"created"`
		ID       string          `json:"id"`
		JobID    string          `json:"job_id"`
		State    core.AgentState `json:"state"`
		NumTasks int             `json:"num_tasks"`
		Version  int             `json:"version"`
	}

	taskRecord struct {
		core.Task
		Updated  time.Time `json:"updated"`
		AsgnID   string    `json:"asgn_id"`
		FQN      string    `json:"fqn"`
		Attempts int       `json:"attempts"`
	}

	// store is the agent's durable task table
	store struct {
		db kvdb.Driver
	}
)

// <asgn-id>/<idx> keeps the tasks of an assignment in submission order
// and makes the assignment ID a listing prefix.
func taskKey(asgnID string, idx int) string { return fmt.Sprintf("%s/%06d", asgnID, idx) }
func taskPrefix(asgnID string) string      { return asgnID + "/" }

// add persists the assignment and all its tasks atomically.
func (s *store) add(rec *asgnRecord, tasks []*taskRecord) error {
	var b kvdb.Batch
	if err := b.Set(collAsgn, rec.ID, rec); err != nil {
		return err
	}
	for i, t := range tasks {
		if err := b.Set(collTask, taskKey(rec.ID, i), t); err != nil {
			return err
		}
	}
	return s.db.Commit(&b)
}

func (s *store) getAsgn(id string) (*asgnRecord, error) {
	rec := &asgnRecord{}
	if err := s.db.Get(collAsgn, id, rec); err != nil {
		if kvdb.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrAsgnNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (s *store) putAsgn(rec *asgnRecord) error { return s.db.Set(collAsgn, rec.ID, rec) }

func (s *store) listAsgns() ([]*asgnRecord, error) {
	all, err := s.db.GetAll(collAsgn, "")
	if err != nil {
		return nil, err
	}
	recs := make([]*asgnRecord, 0, len(all))
	for _, v := range all {
		rec := &asgnRecord{}
		if err := jsoniter.UnmarshalFromString(v, rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Created.Before(recs[j].Created) })
	return recs, nil
}

type keyedTask struct {
	rec *taskRecord
	key string
}

func (s *store) tasks(asgnID string) ([]keyedTask, error) {
	all, err := s.db.GetAll(collTask, taskPrefix(asgnID))
	if err != nil {
		return nil, err
	}
	tasks := make([]keyedTask, 0, len(all))
	for k, v := range all {
		rec := &taskRecord{}
		if err := jsoniter.UnmarshalFromString(v, rec); err != nil {
			return nil, fmt.Errorf("task %s: %w", k, err)
		}
		tasks = append(tasks, keyedTask{key: k, rec: rec})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].key < tasks[j].key })
	return tasks, nil
}

func (s *store) putTask(key string, rec *taskRecord) error {
	rec.Updated = time.Now()
	return s.db.Set(collTask, key, rec)
}

// remove drops the assignment and its tasks in one transaction.
func (s *store) remove(asgnID string) error {
	keys, err := s.db.List(collTask, taskPrefix(asgnID))
	if err != nil {
		return err
	}
	var b kvdb.Batch
	b.Delete(collAsgn, asgnID)
	for _, k := range keys {
		b.Delete(collTask, k)
	}
	return s.db.Commit(&b)
}
