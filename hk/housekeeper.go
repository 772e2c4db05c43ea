// Package hk provides mechanism for registering periodic housekeeping
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const workChanCap = 48

const (
	DayInterval   = 24 * time.Hour
	UnregInterval = 365 * DayInterval // to unregister upon return from the callback
)

type (
	// Action is called with the current time and returns the interval until its next call.
	Action func(now int64) time.Duration

	op struct {
		f        Action
		name     string
		interval time.Duration
	}
	timedAction struct {
		f          Action
		name       string
		updateTime int64
	}
	timedActions []timedAction

	// Housekeeper runs registered actions on a single goroutine and handles
	// process signals: SIGHUP reloads, SIGINT/SIGTERM/SIGQUIT stop.
	Housekeeper struct {
		stopCh   *cos.StopCh
		sigCh    chan os.Signal
		actions  *timedActions
		timer    *time.Timer
		workCh   chan op
		onReload func()
		running  atomic.Bool
	}

	// ErrSignal is returned by Run upon a terminating signal.
	ErrSignal struct {
		signal syscall.Signal
	}
)

func New() *Housekeeper {
	hk := &Housekeeper{
		stopCh:  cos.NewStopCh(),
		workCh:  make(chan op, workChanCap),
		sigCh:   make(chan os.Signal, 1),
		actions: &timedActions{},
	}
	heap.Init(hk.actions)
	return hk
}

func (e *ErrSignal) Error() string { return "received signal: " + e.signal.String() }

// ExitCode follows the shell convention: 128 + signal number.
func (e *ErrSignal) ExitCode() int { return 128 + int(e.signal) }

// OnReload must be called before Run.
func (hk *Housekeeper) OnReload(f func()) { hk.onReload = f }

func (hk *Housekeeper) Running() bool { return hk.running.Load() }

// Reg registers a named action; zero interval calls it right away.
func (hk *Housekeeper) Reg(name string, f Action, interval time.Duration) {
	cos.Assert(interval != UnregInterval)
	hk.workCh <- op{name: name, f: f, interval: interval}

	if l, c := len(hk.workCh), workChanCap; l >= (c - c>>3) {
		nlog.Errorln("hk work channel full: len", l, "cap", c)
	}
}

func (hk *Housekeeper) Unreg(name string) {
	hk.workCh <- op{name: name, interval: UnregInterval}
}

func (hk *Housekeeper) Stop() { hk.stopCh.Close() }

func (hk *Housekeeper) Run() (err error) {
	signal.Notify(hk.sigCh,
		syscall.SIGHUP,  // reload config
		syscall.SIGINT,  // kill -SIGINT (Ctrl-C)
		syscall.SIGTERM, // kill -SIGTERM
		syscall.SIGQUIT, // kill -SIGQUIT
	)
	hk.timer = time.NewTimer(time.Hour)
	hk.running.Store(true)
	err = hk._run()
	signal.Stop(hk.sigCh)
	hk.timer.Stop()
	hk.running.Store(false)
	return
}

func (hk *Housekeeper) _run() error {
	for {
		select {
		case <-hk.stopCh.Listen():
			return nil

		case <-hk.timer.C:
			if hk.actions.Len() == 0 {
				break
			}
			// call and update the heap
			var (
				item    = hk.actions.Peek()
				started = time.Now().UnixNano()
				ival    = item.f(started)
			)
			if ival == UnregInterval {
				heap.Remove(hk.actions, 0)
			} else {
				now := time.Now().UnixNano()
				item.updateTime = now + ival.Nanoseconds()
				heap.Fix(hk.actions, 0)

				if d := time.Duration(now - started); d > time.Second {
					nlog.Warningln("call[", item.name, "] duration exceeds 1s:", d.String())
				}
			}
			hk.updateTimer()

		case op := <-hk.workCh:
			hk.apply(op)
			hk.updateTimer()

		case s := <-hk.sigCh:
			sig := s.(syscall.Signal)
			if sig == syscall.SIGHUP {
				nlog.Infoln("SIGHUP: reloading")
				if hk.onReload != nil {
					hk.onReload()
				}
				break
			}
			nlog.Infoln("terminating upon signal", sig.String(), "("+strconv.Itoa(int(sig))+")")
			return &ErrSignal{signal: sig}
		}
	}
}

func (hk *Housekeeper) apply(op op) {
	idx := hk.byName(op.name)
	if op.interval == UnregInterval {
		if idx >= 0 {
			heap.Remove(hk.actions, idx)
		} else {
			nlog.Warningln(op.name, "not found (already removed?)")
		}
		return
	}
	if idx >= 0 {
		nlog.Errorln("duplicated name [", op.name, "] - not registering")
		return
	}
	ival := op.interval
	now := time.Now().UnixNano()
	if op.interval == 0 {
		// calling right away
		ival = op.f(now)
		if ival == UnregInterval {
			return
		}
	}
	heap.Push(hk.actions, timedAction{name: op.name, f: op.f, updateTime: now + ival.Nanoseconds()})
}

func (hk *Housekeeper) updateTimer() {
	if hk.actions.Len() == 0 {
		hk.timer.Stop()
		return
	}
	d := hk.actions.Peek().updateTime - time.Now().UnixNano()
	hk.timer.Reset(time.Duration(d))
}

func (hk *Housekeeper) byName(name string) int {
	for i, tc := range *hk.actions {
		if tc.name == name {
			return i
		}
	}
	return -1
}

//////////////////
// timedActions //
//////////////////

func (tc timedActions) Len() int           { return len(tc) }
func (tc timedActions) Less(i, j int) bool { return tc[i].updateTime < tc[j].updateTime }
func (tc timedActions) Swap(i, j int)      { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction { return &tc[0] }
func (tc *timedActions) Push(x any)        { *tc = append(*tc, x.(timedAction)) }

func (tc *timedActions) Pop() any {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[0 : n-1]
	return item
}
