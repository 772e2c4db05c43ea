// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const nlpShards = 64

type (
	// NameLocker serializes work on the same name (e.g. a local object's FQN).
	// Entries are refcounted and removed when the last holder unlocks.
	NameLocker struct {
		shards [nlpShards]nlpShard
	}
	nlpShard struct {
		m  map[string]*nlpEntry
		mu sync.Mutex
	}
	nlpEntry struct {
		mu   sync.Mutex
		refs int
	}
)

func NewNameLocker() *NameLocker {
	nl := &NameLocker{}
	for i := range nl.shards {
		nl.shards[i].m = make(map[string]*nlpEntry, 8)
	}
	return nl
}

func (nl *NameLocker) shard(name string) *nlpShard {
	return &nl.shards[xxhash.Sum64String(name)%nlpShards]
}

// Lock blocks while another holder has `name`.
func (nl *NameLocker) Lock(name string) {
	s := nl.shard(name)
	s.mu.Lock()
	e, ok := s.m[name]
	if !ok {
		e = &nlpEntry{}
		s.m[name] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
}

func (nl *NameLocker) Unlock(name string) {
	s := nl.shard(name)
	s.mu.Lock()
	e := s.m[name]
	e.refs--
	if e.refs == 0 {
		delete(s.m, name)
	}
	s.mu.Unlock()

	e.mu.Unlock()
}

// Len is the number of names currently locked or waited on.
func (nl *NameLocker) Len() (n int) {
	for i := range nl.shards {
		s := &nl.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return
}
