// Package mock provides a variety of mock implementations used for testing.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/rebalancer/core"
)

// MdMock is an in-memory metadata store.
type MdMock struct {
	objs        map[string]*core.ObjectMeta
	Updates     atomic.Int64
	unreachable atomic.Bool
	mu          sync.Mutex
}

// interface guard
var _ core.MdClient = (*MdMock)(nil)

func NewMdMock() *MdMock { return &MdMock{objs: make(map[string]*core.ObjectMeta)} }

func (m *MdMock) Put(meta *core.ObjectMeta) {
	cp := *meta
	cp.Sharks = append([]core.Replica(nil), meta.Sharks...)
	m.mu.Lock()
	m.objs[meta.ID] = &cp
	m.mu.Unlock()
}

func (m *MdMock) Delete(objID string) {
	m.mu.Lock()
	delete(m.objs, objID)
	m.mu.Unlock()
}

func (m *MdMock) SetUnreachable(v bool) { m.unreachable.Store(v) }

func (m *MdMock) Get(_ context.Context, objID string) (*core.ObjectMeta, error) {
	if m.unreachable.Load() {
		return nil, core.ErrMdUnreachable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.objs[objID]
	if !ok {
		return nil, core.ErrObjectGone
	}
	cp := *meta
	cp.Sharks = append([]core.Replica(nil), meta.Sharks...)
	return &cp, nil
}

func (m *MdMock) ReplaceReplica(_ context.Context, objID string, from, to core.Replica) (*core.ObjectMeta, error) {
	if m.unreachable.Load() {
		return nil, core.ErrMdUnreachable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.objs[objID]
	if !ok {
		return nil, core.ErrObjectGone
	}
	idx, done, err := meta.SwapIdx(from, to)
	if err != nil {
		return nil, err
	}
	if !done {
		meta.Sharks[idx] = to
		m.Updates.Add(1)
	}
	cp := *meta
	cp.Sharks = append([]core.Replica(nil), meta.Sharks...)
	return &cp, nil
}

// Scan streams objects with a replica on `shark` (discovery over the in-memory store).
func (m *MdMock) Scan(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	if m.unreachable.Load() {
		return core.ErrMdUnreachable
	}
	m.mu.Lock()
	objs := make([]*core.EvacObj, 0, len(m.objs))
	for _, meta := range m.objs {
		if meta.HasReplicaOn(shark) {
			objs = append(objs, meta.ToEvacObj())
		}
	}
	m.mu.Unlock()
	for _, o := range objs {
		select {
		case out <- o:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
