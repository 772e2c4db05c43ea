// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"
	"time"
)

const ActEvacuate = "evacuate"

const (
	DefaultMaxFillPct = 90

	MinMdUpdateConcurrency = 1
	MaxMdUpdateConcurrency = 250
)

type JobState string

const (
	JobInit     JobState = "init"
	JobRunning  JobState = "running"
	JobPaused   JobState = "paused"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
)

var jobStates = map[string]JobState{
	string(JobInit):     JobInit,
	string(JobRunning):  JobRunning,
	string(JobPaused):   JobPaused,
	string(JobComplete): JobComplete,
	string(JobFailed):   JobFailed,
}

type (
	JobParams struct {
		FromShark string `json:"from_shark"`
		// datacenters excluded from destination selection (empty: all eligible)
		DCBlacklist       []string `json:"dc_blacklist,omitempty"`
		MaxFillPercentage int      `json:"max_fill_percentage,omitempty"`
		// stop discovery after so many objects (0: all)
		MaxObjects int64 `json:"max_objects,omitempty"`
		// initial metadata-update concurrency (0: configured default)
		MdUpdateConcurrency int `json:"md_update_concurrency,omitempty"`
	}

	// Counters are mutated concurrently by the job's workers; persisted
	// counterparts are incremented atomically by the store.
	// Duplicates is a subset of Skipped.
	Counters struct {
		Total      int64 `json:"total" gorm:"column:total"`
		Processed  int64 `json:"processed" gorm:"column:processed"`
		Skipped    int64 `json:"skipped" gorm:"column:skipped"`
		Errors     int64 `json:"errors" gorm:"column:errors"`
		Duplicates int64 `json:"duplicates" gorm:"column:duplicates"`
	}

	Job struct {
		Created     time.Time `json:"created"`
		Updated     time.Time `json:"updated"`
		ID          string    `json:"id"`
		Action      string    `json:"action"`
		SourceJobID string    `json:"source_job_id,omitempty"`
		State       JobState  `json:"state"`
		Err         string    `json:"err,omitempty"`
		Params      JobParams `json:"params"`
		Counters    Counters  `json:"counters"`
	}
)

// ParseJobState never defaults: an unrecognized (e.g. newer) persisted value is an error.
func ParseJobState(s string) (JobState, error) {
	if st, ok := jobStates[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

func (s JobState) IsTerminal() bool { return s == JobComplete || s == JobFailed }

func (p *JobParams) Validate() error {
	if p.FromShark == "" {
		return fmt.Errorf("%w: from_shark is required", ErrInvalidParams)
	}
	if p.MaxFillPercentage < 0 || p.MaxFillPercentage > 100 {
		return fmt.Errorf("%w: max_fill_percentage %d out of [1, 100]", ErrInvalidParams, p.MaxFillPercentage)
	}
	if p.MaxObjects < 0 {
		return fmt.Errorf("%w: negative max_objects", ErrInvalidParams)
	}
	if p.MdUpdateConcurrency != 0 {
		if err := ValidateMdConcurrency(p.MdUpdateConcurrency); err != nil {
			return err
		}
	}
	return nil
}

func (p *JobParams) MaxFill() int {
	if p.MaxFillPercentage == 0 {
		return DefaultMaxFillPct
	}
	return p.MaxFillPercentage
}

// ValidateMdConcurrency checks the inclusive [1, 250] bound.
func ValidateMdConcurrency(n int) error {
	if n < MinMdUpdateConcurrency || n > MaxMdUpdateConcurrency {
		return fmt.Errorf("%w: metadata update concurrency %d out of [%d, %d]",
			ErrInvalidParams, n, MinMdUpdateConcurrency, MaxMdUpdateConcurrency)
	}
	return nil
}

func (c *Counters) Add(d Counters) {
	c.Total += d.Total
	c.Processed += d.Processed
	c.Skipped += d.Skipped
	c.Errors += d.Errors
	c.Duplicates += d.Duplicates
}

func (c Counters) IsZero() bool { return c == Counters{} }

func (j *Job) String() string { return "job[" + j.ID + "](" + j.Action + ", " + j.Params.FromShark + ")" }
