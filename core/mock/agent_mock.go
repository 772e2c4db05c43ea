// Package mock provides a variety of mock implementations used for testing.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/core"
)

// AgentMock executes assignments in memory: every task completes unless FailTask says otherwise.
type AgentMock struct {
	FailTask func(t *core.Task) core.Reason
	asgns    map[string]*core.AsgnStatus
	reject   cos.StrSet
	down     cos.StrSet
	posted   map[string]int // object ID => number of times posted
	acked    cos.StrSet
	mu       sync.Mutex
	// number of GETs that report "running" before "complete"
	PendingPolls int
	polls        map[string]int
}

// interface guard
var _ core.AgentClient = (*AgentMock)(nil)

func NewAgentMock() *AgentMock {
	return &AgentMock{
		asgns:  make(map[string]*core.AsgnStatus),
		reject: cos.NewStrSet(),
		down:   cos.NewStrSet(),
		posted: make(map[string]int),
		acked:  cos.NewStrSet(),
		polls:  make(map[string]int),
	}
}

func (a *AgentMock) Reject(nodeID string) { a.mu.Lock(); a.reject.Add(nodeID); a.mu.Unlock() }
func (a *AgentMock) Down(nodeID string)   { a.mu.Lock(); a.down.Add(nodeID); a.mu.Unlock() }

func errDown(node *core.StorageNode) error {
	return fmt.Errorf("dial %s: %w", node.ID, syscall.ECONNREFUSED)
}

func (a *AgentMock) PostAssignment(_ context.Context, node *core.StorageNode, p *core.AsgnPayload) (*core.AsgnStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down.Contains(node.ID) {
		return nil, errDown(node)
	}
	if a.reject.Contains(node.ID) {
		return nil, fmt.Errorf("%s: %w", node.ID, core.ErrAsgnRejected)
	}
	if st, ok := a.asgns[p.ID]; ok {
		return st, nil // idempotent re-post
	}
	st := &core.AsgnStatus{Version: core.AsgnVersion, ID: p.ID, State: core.AgentScheduled}
	for _, t := range p.Tasks {
		a.posted[t.ObjectID]++
		res := *t
		res.Status = core.TaskComplete
		if a.FailTask != nil {
			if reason := a.FailTask(t); reason != core.ReasonNone {
				res.Status, res.Reason, res.Err = core.TaskFailed, reason, string(reason)
			}
		}
		st.Tasks = append(st.Tasks, &res)
	}
	a.asgns[p.ID] = st
	return &core.AsgnStatus{Version: st.Version, ID: st.ID, State: st.State}, nil
}

func (a *AgentMock) GetAssignment(_ context.Context, node *core.StorageNode, id string) (*core.AsgnStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down.Contains(node.ID) {
		return nil, errDown(node)
	}
	st, ok := a.asgns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrAsgnNotFound)
	}
	if a.polls[id] < a.PendingPolls {
		a.polls[id]++
		return &core.AsgnStatus{Version: st.Version, ID: id, State: core.AgentRunning}, nil
	}
	st.State = core.AgentComplete
	cp := *st
	return &cp, nil
}

func (a *AgentMock) DeleteAssignment(_ context.Context, node *core.StorageNode, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down.Contains(node.ID) {
		return errDown(node)
	}
	if _, ok := a.asgns[id]; !ok {
		return errors.New("assignment " + id + " not found")
	}
	delete(a.asgns, id)
	a.acked.Add(id)
	return nil
}

// Posted returns how many times the object was sent to any agent.
func (a *AgentMock) Posted(objID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.posted[objID]
}

func (a *AgentMock) Acked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked)
}
