// Package xact provides core functionality for long-running eXtended Actions (evacuation jobs).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package xact

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const (
	LeftID  = "["
	RightID = "]"
)

type (
	Base struct {
		abort struct {
			ch     chan struct{}
			err    atomic.Pointer[error]
			done   atomic.Bool
			closed atomic.Bool
		}
		onFinished func(err error, aborted bool)
		id         string
		kind       string
		_nam       string
		err        cos.Errs
		stats      struct {
			objs  atomic.Int64 // locally processed
			bytes atomic.Int64
		}
		sutime atomic.Int64
		eutime atomic.Int64
	}

	// Snap is a point-in-time view of a running or finished job.
	Snap struct {
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time,omitempty"`
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		AbortErr  string    `json:"abort_err,omitempty"`
		Err       string    `json:"err,omitempty"`
		Objs      int64     `json:"objs"`
		Bytes     int64     `json:"bytes"`
		Aborted   bool      `json:"aborted"`
	}

	ErrAborted struct {
		cause error
		what  string
	}
)

var ErrUserAbort = errors.New("aborted by user")

func NewErrAborted(what string, cause error) *ErrAborted {
	return &ErrAborted{what: what, cause: cause}
}

func (e *ErrAborted) Error() string {
	if e.cause == nil {
		return e.what + " aborted"
	}
	return e.what + " aborted: " + e.cause.Error()
}

func (e *ErrAborted) Unwrap() error { return e.cause }

func IsErrAborted(err error) bool {
	var e *ErrAborted
	return errors.As(err, &e)
}

//////////
// Base //
//////////

func (xctn *Base) InitBase(id, kind string, onFinished func(error, bool)) {
	cos.Assert(id != "" && kind != "")
	xctn.id, xctn.kind = id, kind
	xctn.onFinished = onFinished
	xctn.abort.ch = make(chan struct{})
	xctn.err = cos.NewErrs()
	xctn.sutime.Store(time.Now().UnixNano())

	// name never changes
	xctn._nam = "x-" + kind + LeftID + id + RightID
}

func (xctn *Base) ID() string   { return xctn.id }
func (xctn *Base) Kind() string { return xctn.kind }
func (xctn *Base) Name() string { return xctn._nam }

func (xctn *Base) Finished() bool { return xctn.eutime.Load() != 0 }

func (xctn *Base) Running() bool {
	return xctn.sutime.Load() != 0 && !xctn.Finished() && !xctn.IsAborted()
}

//
// aborting
//

// ChanAbort is closed upon abort (and upon finish) so that any number of workers can select on it.
func (xctn *Base) ChanAbort() <-chan struct{} { return xctn.abort.ch }

func (xctn *Base) IsAborted() bool { return xctn.abort.done.Load() }

func (xctn *Base) AbortErr() error {
	if perr := xctn.abort.err.Load(); perr != nil {
		return *perr
	}
	return nil
}

func (xctn *Base) Abort(err error) bool {
	if xctn.Finished() || !xctn.abort.done.CompareAndSwap(false, true) {
		return false
	}
	if err == nil {
		err = ErrUserAbort // only user can cause no-errors abort
	}
	err = NewErrAborted(xctn.Name(), err)
	xctn.abort.err.Store(&err)
	xctn.closeAbortCh()
	nlog.InfoDepth(1, xctn.Name(), err)
	return true
}

func (xctn *Base) closeAbortCh() {
	if xctn.abort.closed.CompareAndSwap(false, true) {
		close(xctn.abort.ch)
	}
}

// Finish atomically sets end-time; the first call wins.
func (xctn *Base) Finish() {
	var (
		err     error
		info    string
		aborted bool
	)
	if !xctn.eutime.CompareAndSwap(0, 1) {
		return
	}
	xctn.eutime.Store(time.Now().UnixNano())
	if aborted = xctn.IsAborted(); aborted {
		err = xctn.AbortErr()
	}
	xctn.closeAbortCh()
	if xctn.ErrCnt() > 0 {
		if err == nil {
			err = xctn.Err()
		} else {
			// abort takes precedence
			info = "(" + xctn.Err().Error() + ")"
		}
	}
	if xctn.onFinished != nil {
		xctn.onFinished(err, aborted)
	}
	switch {
	case err == nil:
		nlog.Infoln(xctn.String(), "finished")
	case aborted:
		nlog.Warningln(xctn.String(), "aborted:", err, info)
	default:
		nlog.Warningln(xctn.String(), "finished w/err:", err)
	}
}

//
// multi-error
//

func (xctn *Base) AddErr(err error, logExtra ...int) {
	if xctn.IsAborted() { // no more errors once aborted
		return
	}
	cos.Assert(err != nil)
	xctn.err.Add(err)
	if len(logExtra) == 0 {
		return
	}
	if level := logExtra[0]; level == 0 {
		nlog.ErrorDepth(1, err)
	} else if nlog.V(level) {
		nlog.InfoDepth(1, "Warning:", err)
	}
}

func (xctn *Base) Err() error {
	if xctn.ErrCnt() == 0 {
		return nil
	}
	return &xctn.err
}

func (xctn *Base) JoinErr() (int, error) { return xctn.err.JoinErr() }
func (xctn *Base) ErrCnt() int           { return xctn.err.Cnt() }

func (xctn *Base) String() string {
	var sb strings.Builder
	sb.Grow(128)
	sb.WriteString(xctn._nam)
	sb.WriteByte('-')
	sb.WriteString(xctn.StartTime().Format(time.StampMicro))
	if !xctn.Finished() {
		return sb.String()
	}
	if xctn.IsAborted() {
		sb.WriteString("-[abrt]")
	}
	sb.WriteByte('-')
	sb.WriteString(xctn.EndTime().Format(time.StampMicro))
	return sb.String()
}

func (xctn *Base) StartTime() time.Time {
	if u := xctn.sutime.Load(); u != 0 {
		return time.Unix(0, u)
	}
	return time.Time{}
}

func (xctn *Base) EndTime() time.Time {
	if u := xctn.eutime.Load(); u > 1 {
		return time.Unix(0, u)
	}
	return time.Time{}
}

// base stats: locally processed
func (xctn *Base) Objs() int64  { return xctn.stats.objs.Load() }
func (xctn *Base) Bytes() int64 { return xctn.stats.bytes.Load() }

func (xctn *Base) ObjsAdd(cnt int, size int64) {
	xctn.stats.objs.Add(int64(cnt))
	xctn.stats.bytes.Add(size)
}

func (xctn *Base) ToSnap(snap *Snap) {
	snap.ID = xctn.ID()
	snap.Kind = xctn.Kind()
	snap.StartTime = xctn.StartTime()
	snap.EndTime = xctn.EndTime()
	if err := xctn.AbortErr(); err != nil {
		snap.AbortErr = err.Error()
		snap.Aborted = true
	}
	snap.Err = xctn.err.Error()
	snap.Objs = xctn.Objs()
	snap.Bytes = xctn.Bytes()
}
