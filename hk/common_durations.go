// Package hk provides mechanism for registering periodic housekeeping
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import "time"

// common housekeeping intervals

const (
	LogFlushIval = 10 * time.Second // buffered log
)
