// Package jobdb persists evacuation jobs, their objects, assignments, and
// duplicate sightings on behalf of the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package jobdb

import (
	"context"

	"github.com/NVIDIA/rebalancer/core"
)

const ErrInterrupted = "interrupted"

type (
	// ObjFilter selects objects by status: Status (when set) must match,
	// NotStatus (when set) must not.
	ObjFilter struct {
		Status    core.ObjStatus
		NotStatus core.ObjStatus
	}

	Store interface {
		CreateJob(ctx context.Context, job *core.Job) error
		GetJob(ctx context.Context, jobID string) (*core.Job, error)
		ListJobs(ctx context.Context, state core.JobState) ([]*core.Job, error)
		UpdateJobState(ctx context.Context, jobID string, state core.JobState, errMsg string) error
		// IncCounters atomically adds delta to the persisted counters.
		IncCounters(ctx context.Context, jobID string, delta core.Counters) error
		// MarkInterrupted fails all jobs persisted as Init or Running (manager restart).
		MarkInterrupted(ctx context.Context) (int, error)

		// InsertObjects inserts new unprocessed records and returns the objects whose IDs
		// were already recorded in this job (including repeats within the batch itself).
		InsertObjects(ctx context.Context, jobID string, objs []*core.EvacObj) (dups []*core.EvacObj, err error)
		GetObject(ctx context.Context, jobID, objID string) (*core.EvacObj, error)
		// UpdateObjects persists status, reason, destination, and assignment ID.
		UpdateObjects(ctx context.Context, jobID string, objs []*core.EvacObj) error
		// ListObjects pages in object ID order, starting after `after`.
		ListObjects(ctx context.Context, jobID string, filter ObjFilter, after string, limit int) ([]*core.EvacObj, error)

		// AddDuplicates records (or increments the count of) duplicate sightings.
		AddDuplicates(ctx context.Context, jobID string, objs []*core.EvacObj) error
		ListDuplicates(ctx context.Context, jobID string) ([]*core.DuplicateObject, error)

		SaveAssignment(ctx context.Context, asgn *core.Assignment) error
		UpdateAssignmentState(ctx context.Context, asgnID string, state core.AsgnState) error
		ListAssignments(ctx context.Context, jobID string) ([]*core.Assignment, error)

		Close() error
	}
)

func (f ObjFilter) match(s core.ObjStatus) bool {
	if f.Status != "" && s != f.Status {
		return false
	}
	return f.NotStatus == "" || s != f.NotStatus
}

// splitDups partitions `objs` given the set of IDs that were actually inserted:
// the first occurrence of an inserted ID is new, every other occurrence is a duplicate.
func splitDups(objs []*core.EvacObj, inserted map[string]struct{}) (dups []*core.EvacObj) {
	for _, obj := range objs {
		if _, ok := inserted[obj.ID]; ok {
			delete(inserted, obj.ID)
			continue
		}
		dups = append(dups, obj)
	}
	return dups
}
