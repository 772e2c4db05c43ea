// Package apc: API control messages and constants
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package apc

// URL paths
const (
	Version     = "v1"
	Jobs        = "jobs"
	Assignments = "assignments"
	Capacity    = "capacity"
	Health      = "health"
	Objects     = "objects"
	Retry       = "retry"
	Duplicates  = "duplicates"
	Nodes       = "nodes"
	Metrics     = "metrics"
)

var (
	URLPathJobs        = "/" + Version + "/" + Jobs
	URLPathAssignments = "/" + Version + "/" + Assignments
	URLPathCapacity    = "/" + Version + "/" + Capacity
	URLPathHealth      = "/" + Version + "/" + Health
	URLPathObjects     = "/" + Version + "/" + Objects
	URLPathNodes       = "/" + Version + "/" + Nodes
	URLPathMetrics     = "/" + Metrics
)

// query parameters
const (
	QparamState     = "state"     // filter jobs by state
	QparamStatus    = "status"    // filter objects by status
	QparamAfter     = "after"     // pagination: last seen object ID
	QparamLimit     = "limit"     // page size
	QparamShark     = "shark"     // discovery: source storage node
	QparamBlacklist = "blacklist" // placement: comma-separated datacenters
)

// job update actions
const (
	ActSetMdConcurrency = "set_metadata_update_concurrency"
)

// job create actions
const (
	ActEvacuate = "evacuate"
)

type (
	// JobUpdateMsg is the body of PUT /v1/jobs/<id>
	JobUpdateMsg struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}

	// JobCreateMsg is the body of POST /v1/jobs
	JobCreateMsg struct {
		Action              string   `json:"action"`
		FromShark           string   `json:"from_shark"`
		DCBlacklist         []string `json:"dc_blacklist,omitempty"`
		MaxFillPercentage   int      `json:"max_fill_percentage,omitempty"`
		MaxObjects          int64    `json:"max_objects,omitempty"`
		MdUpdateConcurrency int      `json:"md_update_concurrency,omitempty"`
	}

	// CapacityInfo is returned by GET /v1/capacity on an agent.
	CapacityInfo struct {
		StorageID  string `json:"manta_storage_id"`
		Datacenter string `json:"datacenter"`
		TotalBytes int64  `json:"total_bytes"`
		UsedBytes  int64  `json:"used_bytes"`
		Pending    int    `json:"pending_assignments"`
	}

	HealthInfo struct {
		Status  string `json:"status"`
		Ready   bool   `json:"ready"`
		Version int    `json:"assignment_version"`
	}
)

// MdConcurrency extracts the only parameter of ActSetMdConcurrency.
// JSON numbers decode as float64; non-integral values are rejected.
func (msg *JobUpdateMsg) MdConcurrency() (int, bool) {
	v, ok := msg.Params["concurrency"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
