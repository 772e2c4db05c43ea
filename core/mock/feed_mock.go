// Package mock provides a variety of mock implementations used for testing.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mock

import (
	"context"

	"github.com/NVIDIA/rebalancer/core"
)

// FeedMock streams a fixed list of objects, then returns Err (or panics with Panic).
type FeedMock struct {
	Err   error
	Panic any
	Objs  []*core.EvacObj
}

// interface guard
var _ core.Feed = (*FeedMock)(nil)

func NewFeedMock(objs ...*core.EvacObj) *FeedMock { return &FeedMock{Objs: objs} }

func (f *FeedMock) Run(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	for _, o := range f.Objs {
		if !o.HasReplicaOn(shark) {
			continue
		}
		obj := *o
		obj.Sharks = append([]core.Replica(nil), o.Sharks...)
		select {
		case out <- &obj:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.Panic != nil {
		panic(f.Panic)
	}
	return f.Err
}
