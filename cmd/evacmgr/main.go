// Package main for the evacuation manager executable.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"os"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/mgr"
)

// set at build time via -ldflags "-X main.build=... -X main.buildtime=..."
var (
	build     = "dev"
	buildtime string
)

func main() {
	ecode := mgr.Run(build, buildtime)
	nlog.Flush(true)
	os.Exit(ecode)
}
