// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const assertMsg = "assertion failed"

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		AssertMsg(cond, fmt.Sprintf(f, a...))
	}
}

func Assert(cond bool) {
	if !cond {
		nlog.Flush(true)
		panic(assertMsg)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		nlog.Flush(true)
		panic(assertMsg + ": " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush(true)
		panic(err)
	}
}
