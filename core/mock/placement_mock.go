// Package mock provides a variety of mock implementations used for testing.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/NVIDIA/rebalancer/core"
)

type PlacementMock struct {
	err   error
	nodes []*core.StorageNode
	calls int
	mu    sync.Mutex
}

// interface guard
var _ core.Placement = (*PlacementMock)(nil)

func NewPlacementMock(nodes ...*core.StorageNode) *PlacementMock { return &PlacementMock{nodes: nodes} }

func (p *PlacementMock) Nodes(_ context.Context, blacklist []string) ([]*core.StorageNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]*core.StorageNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		if slices.Contains(blacklist, n.Datacenter) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (p *PlacementMock) SetErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *PlacementMock) SetNodes(nodes ...*core.StorageNode) {
	p.mu.Lock()
	p.nodes = nodes
	p.mu.Unlock()
}

func (p *PlacementMock) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
