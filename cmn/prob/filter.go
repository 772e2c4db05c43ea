// Package prob implements a growing probabilistic set-membership filter.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package prob

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

const (
	// number of keys the first filter holds; each next filter is `growFactor` times larger
	DefaultInitSize = 64 * 1024
	growFactor      = 3
	maxLoadDiv      = 2 // grow at half the nominal capacity
)

// Filter answers "probably seen" cheaply; callers confirm against the
// authoritative store either way.
// Cuckoo (rather than Bloom) filters are used to support Delete.
type Filter struct {
	filters []*cuckoo.Filter
	size    uint
	mtx     sync.RWMutex
}

func NewFilter(initSize uint) *Filter {
	if initSize == 0 {
		initSize = DefaultInitSize
	}
	return &Filter{filters: make([]*cuckoo.Filter, 0, 4), size: initSize}
}

func (f *Filter) Lookup(k string) bool {
	key := []byte(k)
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	for idx := len(f.filters) - 1; idx >= 0; idx-- {
		if f.filters[idx].Lookup(key) {
			return true
		}
	}
	return false
}

// Insert adds one occurrence of `k`. The current filter is replaced by a larger one
// well before it fills up: a cuckoo insert that fails after the maximum number of kicks
// drops a previously stored fingerprint.
func (f *Filter) Insert(k string) {
	key := []byte(k)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	last := f.last()
	if last.Count() >= f.size/maxLoadDiv {
		last = f.grow()
	}
	for !last.Insert(key) {
		last = f.grow()
	}
}

func (f *Filter) last() *cuckoo.Filter {
	if len(f.filters) == 0 {
		f.filters = append(f.filters, cuckoo.NewFilter(f.size))
	}
	return f.filters[len(f.filters)-1]
}

func (f *Filter) grow() *cuckoo.Filter {
	f.size *= growFactor
	next := cuckoo.NewFilter(f.size)
	f.filters = append(f.filters, next)
	return next
}

// Delete removes one occurrence of `k`, from the most recent filter that has it.
func (f *Filter) Delete(k string) {
	key := []byte(k)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for idx := len(f.filters) - 1; idx >= 0; idx-- {
		if !f.filters[idx].Delete(key) {
			continue
		}
		// drop an emptied filter unless it is the current (last) one
		if idx < len(f.filters)-1 && f.filters[idx].Count() == 0 {
			f.filters = append(f.filters[:idx], f.filters[idx+1:]...)
		}
		return
	}
}

func (f *Filter) Count() (n uint) {
	f.mtx.RLock()
	for _, filter := range f.filters {
		n += filter.Count()
	}
	f.mtx.RUnlock()
	return
}

func (f *Filter) Reset() {
	f.mtx.Lock()
	for _, filter := range f.filters {
		filter.Reset()
	}
	clear(f.filters)
	f.filters = f.filters[:0]
	f.mtx.Unlock()
}
