// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"context"
	"sync"
)

type (
	// StopCh is specialized channel for stopping things.
	StopCh struct {
		once sync.Once
		ch   chan struct{}
	}

	// Semaphore implements semaphore which is just a nice wrapper on `chan struct{}`.
	// The size is fixed at construction time.
	Semaphore struct {
		s chan struct{}
	}

	// DynSemaphore implements semaphore which can change its size during usage.
	// Shrinking never preempts holders: the new size takes effect as permits
	// are released.
	DynSemaphore struct {
		c    *sync.Cond
		size int
		cur  int
		mu   sync.Mutex
	}
)

////////////
// StopCh //
////////////

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{}, 1)}
}

func (sc *StopCh) Listen() <-chan struct{} { return sc.ch }

func (sc *StopCh) Close() {
	sc.once.Do(func() {
		close(sc.ch)
	})
}

///////////////
// Semaphore //
///////////////

func NewSemaphore(n int) *Semaphore {
	Assert(n > 0)
	s := &Semaphore{s: make(chan struct{}, n)}
	for range n {
		s.s <- struct{}{}
	}
	return s
}

func (s *Semaphore) TryAcquire() <-chan struct{} { return s.s }
func (s *Semaphore) Acquire()                    { <-s.TryAcquire() }
func (s *Semaphore) Release()                    { s.s <- struct{}{} }
func (s *Semaphore) Size() int                   { return cap(s.s) }

// AcquireCtx blocks until a permit is available or ctx is done.
func (s *Semaphore) AcquireCtx(ctx context.Context) error {
	select {
	case <-s.s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

//////////////////
// DynSemaphore //
//////////////////

func NewDynSemaphore(n int) *DynSemaphore {
	Assert(n > 0)
	sema := &DynSemaphore{size: n}
	sema.c = sync.NewCond(&sema.mu)
	return sema
}

func (s *DynSemaphore) Size() int {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	return size
}

// Count returns the number of permits currently held.
func (s *DynSemaphore) Count() int {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	return cur
}

func (s *DynSemaphore) SetSize(n int) {
	Assert(n >= 1)
	s.mu.Lock()
	s.size = n
	// growing may unblock waiters right away
	s.c.Broadcast()
	s.mu.Unlock()
}

func (s *DynSemaphore) Acquire(cnts ...int) {
	cnt := 1
	if len(cnts) > 0 {
		cnt = cnts[0]
	}
	s.mu.Lock()
	for s.cur+cnt > s.size {
		s.c.Wait()
	}
	s.cur += cnt
	s.mu.Unlock()
}

func (s *DynSemaphore) Release(cnts ...int) {
	cnt := 1
	if len(cnts) > 0 {
		cnt = cnts[0]
	}
	s.mu.Lock()
	Assert(s.cur >= cnt)
	s.cur -= cnt
	s.c.Broadcast()
	s.mu.Unlock()
}
