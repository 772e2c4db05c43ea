// Package nlog - evacuation logger, provides buffering, timestamping, writing, and
// flushing/rotating
/*
 * Copyright (c) 2023-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"sync/atomic"
)

var (
	MaxSize int64 = 4 * 1024 * 1024

	verbosity atomic.Int32
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// SetLogDirRole must be called before the first log line; empty dir logs to stderr.
func SetLogDirRole(dir, role string) { logDir, logRole = dir, role }
func SetToStderr(v bool)             { toStderr = v }
func SetTitle(s string)              { title = s }

// V gates chatty (per-object) logging; the level is hot-reloadable.
func V(level int) bool   { return int(verbosity.Load()) >= level }
func SetVerbosity(l int) { verbosity.Store(int32(l)) }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

// Flush writes buffered lines to the log files; with `exit` it also syncs them.
func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, nlog := range nlogs {
		if nlog != nil {
			nlog.flush(ex)
		}
	}
}

func FlushExit() { Flush(true) }
