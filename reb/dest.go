// Package reb drives shark evacuation: it discovers objects on the source node, selects
// destinations, posts assignments to agents, and applies metadata updates.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
)

// dests is the job's destination candidate set. Available space is the node's
// max-fill headroom minus bytes already assigned and not yet settled.
type dests struct {
	placement core.Placement
	nodes     map[string]*core.StorageNode
	inflight  map[string]int64
	refreshed time.Time
	source    string
	blacklist []string
	interval  time.Duration
	maxFill   int
	mu        sync.Mutex
}

func newDests(p core.Placement, source string, blacklist []string, maxFill int, interval time.Duration) *dests {
	return &dests{
		placement: p,
		source:    source,
		blacklist: blacklist,
		maxFill:   maxFill,
		interval:  interval,
		inflight:  make(map[string]int64, 8),
	}
}

// init fetches the initial candidate set; an empty set (e.g. all datacenters
// blacklisted) is a critical error.
func (d *dests) init(ctx context.Context) error {
	nodes, err := d.placement.Nodes(ctx, d.blacklist)
	if err != nil {
		return core.NewErrEvac(core.KindNoCandidates, "", err)
	}
	d.mu.Lock()
	d.set(nodes)
	n := len(d.nodes)
	d.mu.Unlock()
	if n == 0 {
		return core.NewErrEvac(core.KindNoCandidates, "", core.ErrNoCandidates)
	}
	return nil
}

// under lock
func (d *dests) set(nodes []*core.StorageNode) {
	d.nodes = make(map[string]*core.StorageNode, len(nodes))
	for _, n := range nodes {
		if n.ID == d.source {
			continue
		}
		cp := *n
		d.nodes[n.ID] = &cp
	}
	d.refreshed = time.Now()
}

// refresh re-reads placement once the interval elapses; on failure the previous set stays.
func (d *dests) refresh(ctx context.Context) {
	d.mu.Lock()
	due := time.Since(d.refreshed) >= d.interval
	d.mu.Unlock()
	if !due {
		return
	}
	nodes, err := d.placement.Nodes(ctx, d.blacklist)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.refreshed = time.Now() // retry after another interval
		nlog.Warningln("placement refresh failed (keeping", len(d.nodes), "candidates):", err)
		return
	}
	if len(nodes) == 0 {
		d.refreshed = time.Now()
		nlog.Warningln("placement refresh returned no nodes (keeping", len(d.nodes), "candidates)")
		return
	}
	d.set(nodes)
	if nlog.V(4) {
		nlog.Infoln("refreshed", len(d.nodes), "destination candidates")
	}
}

// choose picks a destination for the object and reserves its size there. Nodes holding
// a replica are excluded; datacenters without a replica are preferred, then most space.
func (d *dests) choose(obj *core.EvacObj) *core.StorageNode {
	var (
		best      *core.StorageNode
		bestAvail int64
		bestNewDC bool
		dcs       = obj.Datacenters(d.source)
	)
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic ties
	for _, id := range ids {
		node := d.nodes[id]
		if obj.HasReplicaOn(id) {
			continue
		}
		avail := node.AvailBytes(d.maxFill) - d.inflight[id]
		if avail <= 0 || avail < obj.Size {
			continue
		}
		newDC := !dcs.Contains(node.Datacenter)
		switch {
		case best == nil:
		case newDC && !bestNewDC:
		case newDC == bestNewDC && avail > bestAvail:
		default:
			continue
		}
		best, bestAvail, bestNewDC = node, avail, newDC
	}
	if best != nil {
		d.inflight[best.ID] += obj.Size
	}
	return best
}

// release returns reserved bytes; committed bytes are accounted as used
// until the next refresh reports actual usage.
func (d *dests) release(nodeID string, size int64, committed bool) {
	d.mu.Lock()
	d.inflight[nodeID] -= size
	if d.inflight[nodeID] <= 0 {
		delete(d.inflight, nodeID)
	}
	if node, ok := d.nodes[nodeID]; ok && committed {
		node.UsedBytes += size
	}
	d.mu.Unlock()
}

func (d *dests) count() int {
	d.mu.Lock()
	n := len(d.nodes)
	d.mu.Unlock()
	return n
}
