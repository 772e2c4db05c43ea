// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
)

// AsgnVersion is the manager<=>agent wire version. Agents accept payloads up to
// their own version; additions must stay backward compatible within a version.
const AsgnVersion = 1

type (
	// manager-side assignment state
	AsgnState string
	// agent-side assignment state
	AgentState string
	// agent-side per-task state
	TaskStatus string
)

const (
	AsgnInit             AsgnState = "init"
	AsgnAssigned         AsgnState = "assigned"
	AsgnRejected         AsgnState = "rejected"
	AsgnAgentUnavailable AsgnState = "agent_unavailable"
	AsgnComplete         AsgnState = "complete"
)

const (
	AgentScheduled AgentState = "scheduled"
	AgentRunning   AgentState = "running"
	AgentComplete  AgentState = "complete"
)

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskSkipped  TaskStatus = "skipped" // already present and verified at the destination
	TaskFailed   TaskStatus = "failed"
)

// allowed manager-side transitions
var asgnTransitions = map[AsgnState][]AsgnState{
	AsgnInit:     {AsgnAssigned, AsgnRejected, AsgnAgentUnavailable},
	AsgnAssigned: {AsgnComplete, AsgnAgentUnavailable},
}

type (
	// Task is one object transfer, as sent to and reported by the agent.
	Task struct {
		Cksum     cos.Cksum  `json:"cksum"`
		ObjectID  string     `json:"object_id"`
		Owner     string     `json:"owner"`
		Source    Replica    `json:"source"`
		SourceURL string     `json:"source_url"`
		Status    TaskStatus `json:"status,omitempty"`
		Reason    Reason     `json:"reason,omitempty"`
		Err       string     `json:"err,omitempty"`
		Size      int64      `json:"content_length"`
	}

	// Assignment is a batch of tasks routed to one destination node.
	Assignment struct {
		Created   time.Time `json:"created"`
		ID        string    `json:"id"`
		JobID     string    `json:"job_id"`
		DestShark string    `json:"dest_shark"`
		State     AsgnState `json:"state"`
		Tasks     []*Task   `json:"tasks"`
		Bytes     int64     `json:"bytes"`
	}

	// AsgnPayload is the body of POST assignment.
	AsgnPayload struct {
		ID      string  `json:"id"`
		JobID   string  `json:"job_id"`
		Tasks   []*Task `json:"tasks"`
		Version int     `json:"version"`
	}

	// AsgnStatus is the agent's view of an assignment.
	AsgnStatus struct {
		ID      string     `json:"id"`
		State   AgentState `json:"state"`
		Tasks   []*Task    `json:"tasks,omitempty"`
		Version int        `json:"version"`
	}
)

func (s AsgnState) IsTerminal() bool {
	return s == AsgnRejected || s == AsgnAgentUnavailable || s == AsgnComplete
}

// ObjReason maps terminal non-complete assignment states to the error reason of its objects.
func (s AsgnState) ObjReason() Reason {
	switch s {
	case AsgnRejected:
		return ReasonRejected
	case AsgnAgentUnavailable:
		return ReasonAgentUnavailable
	default:
		return ReasonNone
	}
}

func (t TaskStatus) IsTerminal() bool {
	return t == TaskComplete || t == TaskSkipped || t == TaskFailed
}

// Succeeded: the destination holds a verified copy.
func (t TaskStatus) Succeeded() bool { return t == TaskComplete || t == TaskSkipped }

func NewAssignment(jobID, dest string) *Assignment {
	return &Assignment{
		ID:        cos.GenShortID(),
		JobID:     jobID,
		DestShark: dest,
		State:     AsgnInit,
		Created:   time.Now(),
	}
}

func (a *Assignment) Add(t *Task) {
	a.Tasks = append(a.Tasks, t)
	a.Bytes += t.Size
}

// Transition enforces Init => Assigned => {Complete | AgentUnavailable}, Init => {Rejected | AgentUnavailable};
// terminal states are immutable.
func (a *Assignment) Transition(to AsgnState) error {
	for _, s := range asgnTransitions[a.State] {
		if s == to {
			a.State = to
			return nil
		}
	}
	return fmt.Errorf("assignment %s: invalid transition %s => %s", a.ID, a.State, to)
}

func (a *Assignment) Payload() *AsgnPayload {
	return &AsgnPayload{Version: AsgnVersion, ID: a.ID, JobID: a.JobID, Tasks: a.Tasks}
}

func (a *Assignment) String() string {
	return fmt.Sprintf("asgn[%s](=> %s, %d task%s)", a.ID, a.DestShark, len(a.Tasks), cos.Plural(len(a.Tasks)))
}

func (p *AsgnPayload) Validate(maxVersion int) error {
	if p.Version < 1 || p.Version > maxVersion {
		return fmt.Errorf("%w: unsupported assignment version %d (max %d)", ErrInvalidPayload, p.Version, maxVersion)
	}
	// the id prefixes the agent's task keys and listing patterns
	if err := ValidatePathElem(p.ID); err != nil || strings.ContainsAny(p.ID, "*?") {
		return fmt.Errorf("%w: invalid assignment id %q", ErrInvalidPayload, p.ID)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: assignment %s has no tasks", ErrInvalidPayload, p.ID)
	}
	seen := make(cos.StrSet, len(p.Tasks))
	for _, t := range p.Tasks {
		if err := ValidatePathElem(t.Owner); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := ValidatePathElem(t.ObjectID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if t.Cksum.IsEmpty() || t.SourceURL == "" {
			return fmt.Errorf("%w: task %s: missing checksum or source", ErrInvalidPayload, t.ObjectID)
		}
		if err := cos.ValidateCksumType(t.Cksum.Type); err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrInvalidPayload, t.ObjectID, err)
		}
		key := t.Owner + "/" + t.ObjectID
		if seen.Contains(key) {
			return fmt.Errorf("%w: duplicate task %s", ErrInvalidPayload, key)
		}
		seen.Add(key)
	}
	return nil
}
