// Package placement reports destination candidates (storage nodes with capacity)
// from a storinfo-like service or directly from the agents.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package placement

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/rebalancer/api"
	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"golang.org/x/sync/errgroup"
)

const maxParallelCapacityCalls = 16

type (
	// HTTP queries `GET <url>/v1/nodes?blacklist=dc1,dc2`.
	HTTP struct {
		client *http.Client
		url    string
	}

	// Agents asks every configured agent for its capacity (GET /v1/capacity).
	// Unreachable agents are left out of the candidate set.
	Agents struct {
		ac     *api.AgentClient
		agents func() []cmn.AgentAddr
	}
)

// interface guard
var (
	_ core.Placement = (*HTTP)(nil)
	_ core.Placement = (*Agents)(nil)
)

func NewHTTP(u string, timeout time.Duration) *HTTP {
	return &HTTP{client: api.NewClient(timeout), url: strings.TrimSuffix(u, "/")}
}

func (p *HTTP) Nodes(ctx context.Context, blacklist []string) ([]*core.StorageNode, error) {
	var (
		nodes     []*core.StorageNode
		reqParams = &api.ReqParams{
			BaseParams: api.BaseParams{Client: p.client, URL: p.url, Method: http.MethodGet},
			Path:       apc.URLPathNodes,
		}
	)
	if len(blacklist) > 0 {
		reqParams.Query = url.Values{apc.QparamBlacklist: []string{strings.Join(blacklist, ",")}}
	}
	if err := reqParams.DoReqResp(ctx, &nodes); err != nil {
		return nil, err
	}
	// the service is asked to exclude, and excluded again here: blacklisting is never best-effort
	return Exclude(nodes, blacklist), nil
}

// NewAgents takes a getter so that a config reload can change the agent list.
func NewAgents(ac *api.AgentClient, agents func() []cmn.AgentAddr) *Agents {
	return &Agents{ac: ac, agents: agents}
}

func (p *Agents) Nodes(ctx context.Context, blacklist []string) ([]*core.StorageNode, error) {
	var (
		agents  = p.agents()
		nodes   = make([]*core.StorageNode, 0, len(agents))
		mu      sync.Mutex
		g, gctx = errgroup.WithContext(ctx)
	)
	g.SetLimit(maxParallelCapacityCalls)
	for _, a := range agents {
		if slices.Contains(blacklist, a.Datacenter) {
			continue
		}
		g.Go(func() error {
			info, err := p.ac.GetCapacity(gctx, a.URL)
			if err != nil {
				nlog.Warningln("agent", a.ID, "capacity unavailable:", err)
				return nil
			}
			n := &core.StorageNode{
				ID:         a.ID,
				Datacenter: a.Datacenter,
				URL:        a.URL,
				TotalBytes: info.TotalBytes,
				UsedBytes:  info.UsedBytes,
			}
			mu.Lock()
			nodes = append(nodes, n)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(nodes, func(a, b *core.StorageNode) int { return strings.Compare(a.ID, b.ID) })
	return nodes, nil
}

// Exclude drops every node in a blacklisted datacenter.
func Exclude(nodes []*core.StorageNode, blacklist []string) []*core.StorageNode {
	if len(blacklist) == 0 {
		return nodes
	}
	bl := cos.NewStrSet(blacklist...)
	out := nodes[:0]
	for _, n := range nodes {
		if !bl.Contains(n.Datacenter) {
			out = append(out, n)
		}
	}
	return out
}
