// Package mdstore is the metadata-store client: object replica locations,
// read and atomically updated in Redis.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mdstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/mdstore"
	"github.com/NVIDIA/rebalancer/tools/tassert"
)

// runs only when TEST_REDIS_ADDR is set, e.g. TEST_REDIS_ADDR=localhost:6379
func newRedis(t *testing.T) *mdstore.Redis {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	r := mdstore.NewRedis(addr, "", 0, "evactest:"+cos.RandString(6)+":")
	t.Cleanup(func() { r.Close() })
	tassert.CheckFatal(t, r.Ping(context.Background()))
	return r
}

var (
	r1 = core.Replica{Datacenter: "dc1", StorageID: "1.stor"}
	r2 = core.Replica{Datacenter: "dc2", StorageID: "2.stor"}
	r3 = core.Replica{Datacenter: "dc3", StorageID: "3.stor"}
)

func meta(id string) *core.ObjectMeta {
	return &core.ObjectMeta{
		ID: id, Owner: "acct", Size: 1,
		Cksum:  cos.Cksum{Type: cos.ChecksumMD5, Value: "x"},
		Sharks: []core.Replica{r1, r2},
	}
}

func TestReplaceReplica(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRedis(t)
	)
	tassert.CheckFatal(t, r.Put(ctx, meta("o1")))

	got, err := r.ReplaceReplica(ctx, "o1", r1, r3)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, got.HasReplicaOn("3.stor") && !got.HasReplicaOn("1.stor"), "unexpected %+v", got)

	// repeated after the update went through
	again, err := r.ReplaceReplica(ctx, "o1", r1, r3)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, again.HasReplicaOn("3.stor") && len(again.Sharks) == 2, "unexpected %+v", again)

	// moved elsewhere: neither source nor destination
	_, err = r.ReplaceReplica(ctx, "o1", r1, core.Replica{Datacenter: "dc4", StorageID: "4.stor"})
	tassert.Errorf(t, errors.Is(err, core.ErrReplicaMoved), "expected replica-moved, got %v", err)

	// destination already holds a copy alongside the source
	_, err = r.ReplaceReplica(ctx, "o1", r2, r3)
	tassert.Errorf(t, errors.Is(err, core.ErrReplicaMoved), "expected replica-moved, got %v", err)

	_, err = r.ReplaceReplica(ctx, "nope", r1, r3)
	tassert.Errorf(t, errors.Is(err, core.ErrObjectGone), "expected object-gone, got %v", err)
}

func TestConcurrentReplace(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRedis(t)
		wg  sync.WaitGroup
		ok  = make(chan struct{}, 4)
	)
	tassert.CheckFatal(t, r.Put(ctx, meta("o1")))
	// four racers move the same replica: exactly one wins
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := core.Replica{Datacenter: "dc3", StorageID: fmt.Sprintf("%d.new", i)}
			if _, err := r.ReplaceReplica(ctx, "o1", r1, to); err == nil {
				ok <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	tassert.Errorf(t, len(ok) == 1, "expected exactly one winner, got %d", len(ok))
}

func TestScan(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newRedis(t)
		out = make(chan *core.EvacObj, 1000)
	)
	for i := range 600 {
		tassert.CheckFatal(t, r.Put(ctx, meta(fmt.Sprintf("o%03d", i))))
	}
	tassert.CheckFatal(t, r.Scan(ctx, "1.stor", out))
	close(out)
	seen := cos.NewStrSet()
	for o := range out {
		tassert.Errorf(t, o.Status == core.ObjUnprocessed, "unexpected status %s", o.Status)
		seen.Add(o.ID)
	}
	tassert.Errorf(t, len(seen) == 600, "expected 600 objects, got %d", len(seen))
}
