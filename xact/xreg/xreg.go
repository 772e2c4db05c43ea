// Package xreg provides the registry of running jobs and routes runtime control
// messages into them.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package xreg

import (
	"errors"
	"sort"
	"sync"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const ctlChSize = 8

var (
	ErrNotRunning = errors.New("job is not running")
	ErrBusy       = errors.New("job control channel is full, try again later")
	ErrDuplicate  = errors.New("job is already registered")
)

type (
	// CtlMsg is a validated runtime control message, e.g. set-metadata-update-concurrency.
	CtlMsg struct {
		Action string
		Value  int
	}

	entry struct {
		ch   chan CtlMsg
		kind string
	}

	// Registry maps job ID => control sender. It is owned by the service that
	// starts jobs; entries live exactly as long as the job runs.
	Registry struct {
		m   map[string]*entry
		mtx sync.RWMutex
	}
)

func New() *Registry { return &Registry{m: make(map[string]*entry, 16)} }

// Register inserts the job and returns the receiving end of its control channel.
func (r *Registry) Register(jobID, kind string) (<-chan CtlMsg, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.m[jobID]; ok {
		return nil, ErrDuplicate
	}
	e := &entry{ch: make(chan CtlMsg, ctlChSize), kind: kind}
	r.m[jobID] = e
	return e.ch, nil
}

// Unregister removes the job. The channel is not closed: the job's listener
// exits on its own abort/finish signal, and a late sender finds no entry.
func (r *Registry) Unregister(jobID string) {
	r.mtx.Lock()
	delete(r.m, jobID)
	r.mtx.Unlock()
}

// Send never blocks.
func (r *Registry) Send(jobID string, msg CtlMsg) error {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	e, ok := r.m[jobID]
	if !ok {
		return ErrNotRunning
	}
	select {
	case e.ch <- msg:
		if nlog.V(4) {
			nlog.Infof("job[%s]: queued %s(%d)", jobID, msg.Action, msg.Value)
		}
		return nil
	default:
		return ErrBusy
	}
}

func (r *Registry) IsRunning(jobID string) bool {
	r.mtx.RLock()
	_, ok := r.m[jobID]
	r.mtx.RUnlock()
	return ok
}

// Running returns sorted IDs of all registered jobs of a given kind (all kinds when empty).
func (r *Registry) Running(kind string) []string {
	r.mtx.RLock()
	ids := make([]string, 0, len(r.m))
	for id, e := range r.m {
		if kind == "" || e.kind == kind {
			ids = append(ids, id)
		}
	}
	r.mtx.RUnlock()
	sort.Strings(ids)
	return ids
}
