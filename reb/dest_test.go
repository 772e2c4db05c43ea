// Package reb drives shark evacuation: it discovers objects on the source node, selects
// destinations, posts assignments to agents, and applies metadata updates.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/core/mock"
	"github.com/NVIDIA/rebalancer/tools/tassert"
)

const mib = int64(1 << 20)

func testObj(size int64, replicas ...core.Replica) *core.EvacObj {
	return &core.EvacObj{ID: "o1", Owner: "acct", Size: size, Sharks: replicas}
}

func TestDestsReserve(t *testing.T) {
	var (
		pl = mock.NewPlacementMock(
			&core.StorageNode{ID: "src", Datacenter: "dc1", TotalBytes: 100 * mib},
			&core.StorageNode{ID: "a", Datacenter: "dc2", TotalBytes: 100 * mib, UsedBytes: 80 * mib},
			&core.StorageNode{ID: "b", Datacenter: "dc2", TotalBytes: 100 * mib, UsedBytes: 85 * mib},
		)
		d   = newDests(pl, "src", nil, 90, time.Hour)
		obj = testObj(4*mib, core.Replica{Datacenter: "dc1", StorageID: "src"})
	)
	tassert.CheckFatal(t, d.init(context.Background()))
	tassert.Fatalf(t, d.count() == 2, "expected source excluded, got %d candidates", d.count())

	// a: 10MiB headroom, b: 5MiB
	n := d.choose(obj)
	tassert.Fatalf(t, n != nil && n.ID == "a", "expected a, got %v", n)
	n = d.choose(obj)
	tassert.Fatalf(t, n != nil && n.ID == "a", "expected a (6MiB left vs 5MiB), got %v", n)
	n = d.choose(obj)
	tassert.Fatalf(t, n != nil && n.ID == "b", "expected b, got %v", n)
	n = d.choose(obj)
	tassert.Fatalf(t, n == nil, "expected no destination, got %v", n)

	// uncommitted reservations come back in full
	d.release("b", 4*mib, false)
	n = d.choose(obj)
	tassert.Fatalf(t, n != nil && n.ID == "b", "expected b after release, got %v", n)

	// committed bytes stay accounted as used
	d.release("a", 8*mib, true)
	tassert.Errorf(t, d.nodes["a"].UsedBytes == 88*mib, "expected 88MiB used, got %d", d.nodes["a"].UsedBytes)
	tassert.Errorf(t, d.inflight["a"] == 0, "expected no inflight bytes on a, got %d", d.inflight["a"])

	// placement nodes are not mutated
	orig, _ := pl.Nodes(context.Background(), nil)
	for _, node := range orig {
		tassert.Errorf(t, node.ID != "a" || node.UsedBytes == 80*mib, "placement node mutated: %d", node.UsedBytes)
	}
}

func TestDestsZeroSize(t *testing.T) {
	pl := mock.NewPlacementMock(
		&core.StorageNode{ID: "full", Datacenter: "dc2", TotalBytes: 100 * mib, UsedBytes: 95 * mib},
		&core.StorageNode{ID: "ok", Datacenter: "dc3", TotalBytes: 100 * mib, UsedBytes: 10 * mib},
	)
	d := newDests(pl, "src", nil, 90, time.Hour)
	tassert.CheckFatal(t, d.init(context.Background()))
	n := d.choose(testObj(0, core.Replica{Datacenter: "dc1", StorageID: "src"}))
	tassert.Fatalf(t, n != nil && n.ID == "ok", "node over max fill must not receive even empty objects, got %v", n)
}

func TestDestsRefresh(t *testing.T) {
	pl := mock.NewPlacementMock(&core.StorageNode{ID: "a", Datacenter: "dc2", TotalBytes: 100 * mib})
	d := newDests(pl, "src", nil, 90, 0)
	tassert.CheckFatal(t, d.init(context.Background()))

	pl.SetErr(errors.New("unavailable"))
	d.refresh(context.Background())
	tassert.Errorf(t, d.count() == 1, "expected previous candidates kept on error, got %d", d.count())

	pl.SetErr(nil)
	pl.SetNodes()
	d.refresh(context.Background())
	tassert.Errorf(t, d.count() == 1, "expected previous candidates kept on empty result, got %d", d.count())

	pl.SetNodes(
		&core.StorageNode{ID: "a", Datacenter: "dc2", TotalBytes: 100 * mib},
		&core.StorageNode{ID: "b", Datacenter: "dc3", TotalBytes: 100 * mib},
	)
	d.refresh(context.Background())
	tassert.Errorf(t, d.count() == 2, "expected 2 candidates after refresh, got %d", d.count())

	calls := pl.Calls()
	d.interval = time.Hour
	d.refresh(context.Background())
	tassert.Errorf(t, pl.Calls() == calls, "refresh before the interval must not query placement")
}

func TestDestsNoCandidates(t *testing.T) {
	pl := mock.NewPlacementMock(&core.StorageNode{ID: "a", Datacenter: "dc2", TotalBytes: 100 * mib})
	d := newDests(pl, "src", []string{"dc2"}, 90, time.Hour)
	err := d.init(context.Background())
	tassert.Fatal(t, errors.Is(err, core.ErrNoCandidates), "expected no candidates")
	tassert.Errorf(t, core.IsCriticalErr(err), "expected critical error, got %v", err)
}
