// Package main for the storage node agent executable.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"os"

	"github.com/NVIDIA/rebalancer/agent"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

var (
	build     = "dev"
	buildtime string
)

func main() {
	ecode := agent.Run(build, buildtime)
	nlog.Flush(true)
	os.Exit(ecode)
}
