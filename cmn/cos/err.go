// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	ratomic "sync/atomic"
	"syscall"
)

type (
	ErrNotFound struct {
		where string
		what  string
	}
	ErrAlreadyExists struct {
		where string
		what  string
	}
	// Errs is a thread-safe bounded collection of errors
	Errs struct {
		errs []error
		cnt  int64
		cap  int
		mu   sync.Mutex
	}
)

func As(err error, target any) bool { return errors.As(err, target) }

// ErrNotFound

func NewErrNotFound(where, what string) *ErrNotFound {
	return &ErrNotFound{where: where, what: what}
}

func (e *ErrNotFound) Error() string {
	s := e.what
	if !strings.Contains(s, "not exist") && !strings.Contains(s, "not found") {
		s += " does not exist"
	}
	if e.where == "" {
		return s
	}
	return e.where + ": " + s
}

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// ErrAlreadyExists

func NewErrAlreadyExists(where, what string) *ErrAlreadyExists {
	return &ErrAlreadyExists{where: where, what: what}
}

func (e *ErrAlreadyExists) Error() string {
	s := e.what + " already exists"
	if e.where == "" {
		return s
	}
	return e.where + ": " + s
}

func IsErrAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}

// gen-purpose not-finding-anything: objects, files, jobs, assignments, ...
func IsNotExist(err error, ecode ...int) bool {
	if len(ecode) > 0 && ecode[0] == http.StatusNotFound {
		return true
	}
	return IsErrNotFound(err) || os.IsNotExist(err)
}

//
// Errs
//

const defaultMaxErrs = 8

func NewErrs(maxErrs ...int) Errs {
	capacity := defaultMaxErrs
	if len(maxErrs) > 0 && maxErrs[0] > 0 {
		capacity = maxErrs[0]
	}
	return Errs{errs: make([]error, 0, capacity), cap: capacity}
}

func (e *Errs) Add(err error) {
	Assert(err != nil)
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if e.cap == 0 {
		e.cap = defaultMaxErrs
	}
	if len(e.errs) < e.cap {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

// Errs is an error
func (e *Errs) Error() string {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	err := e.errs[0]
	e.mu.Unlock()
	if cnt > 1 {
		err = fmt.Errorf("%v (and %d more error%s)", err, cnt-1, Plural(cnt-1))
	}
	return err.Error()
}

func (e *Errs) Unwrap() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.errs)
}

//
// IS-syscall and network helpers
//

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }
func IsErrOOS(err error) bool               { return errors.Is(err, syscall.ENOSPC) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

func IsErrDNSLookup(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func IsErrClientURLTimeout(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

func IsUnreachable(err error, status int) bool {
	return IsErrConnectionRefused(err) ||
		IsErrDNSLookup(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		IsErrClientURLTimeout(err) ||
		status == http.StatusRequestTimeout ||
		status == http.StatusServiceUnavailable ||
		IsEOF(err) ||
		status == http.StatusBadGateway
}
