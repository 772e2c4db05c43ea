// Package cmn provides common constants, types, and utilities for the evacuation
// manager, agents, and their clients.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync"
	ratomic "sync/atomic"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const subChanCap = 1

// ConfigOwner is responsible for publishing configuration updates to all
// interested readers. Readers either Get() the current version or Subscribe()
// to a watch channel that always holds the latest published version.
type ConfigOwner[T any] struct {
	c    ratomic.Pointer[T]
	subs []chan *T
	path string
	mtx  sync.Mutex // [Put -- broadcast]
}

func NewConfigOwner[T any](c *T, path string) *ConfigOwner[T] {
	co := &ConfigOwner[T]{path: path}
	co.c.Store(c)
	return co
}

func (co *ConfigOwner[T]) Get() *T     { return co.c.Load() }
func (co *ConfigOwner[T]) Path() string { return co.path }

// Put stores and broadcasts; slow subscribers see only the latest.
func (co *ConfigOwner[T]) Put(c *T) {
	co.mtx.Lock()
	co.c.Store(c)
	for _, ch := range co.subs {
		select {
		case <-ch: // drop stale
		default:
		}
		select {
		case ch <- c:
		default:
			// cannot happen under mtx: the channel was drained above
		}
	}
	co.mtx.Unlock()
}

func (co *ConfigOwner[T]) Subscribe() <-chan *T {
	ch := make(chan *T, subChanCap)
	co.mtx.Lock()
	co.subs = append(co.subs, ch)
	co.mtx.Unlock()
	return ch
}

// Reload re-reads the config file and publishes `merge(current, loaded)`.
// A file that fails to load or validate is logged and ignored.
func (co *ConfigOwner[T]) Reload(load func(path string) (*T, error), merge func(cur, loaded *T) *T) error {
	loaded, err := load(co.path)
	if err != nil {
		nlog.Errorln("config reload failed, keeping current:", err)
		return err
	}
	co.Put(merge(co.Get(), loaded))
	nlog.Infoln("config reloaded from", co.path)
	return nil
}
