// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"net"
	"strconv"
	"strings"
)

// StorageNode (a.k.a. shark) as reported by the capacity/placement service.
type StorageNode struct {
	ID         string `json:"manta_storage_id"`
	Datacenter string `json:"datacenter"`
	// agent endpoint; when empty it is derived from ID and the configured agent port
	URL        string `json:"url,omitempty"`
	TotalBytes int64  `json:"total_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
	// held back by the operator (e.g. for in-flight writes)
	Reserved int64 `json:"reserved_bytes,omitempty"`
}

// AvailBytes is `total * maxFill% - used - reserved`; a node filled beyond maxFill has none.
func (n *StorageNode) AvailBytes(maxFillPct int) int64 {
	avail := n.TotalBytes/100*int64(maxFillPct) + n.TotalBytes%100*int64(maxFillPct)/100 - n.UsedBytes - n.Reserved
	return max(avail, 0)
}

func (n *StorageNode) FillPct() float64 {
	if n.TotalBytes <= 0 {
		return 100
	}
	return float64(n.UsedBytes) * 100 / float64(n.TotalBytes)
}

func (n *StorageNode) AgentURL(port int) string {
	if n.URL != "" {
		return strings.TrimSuffix(n.URL, "/")
	}
	host := n.ID
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return "http://" + host
}

func (n *StorageNode) Replica() Replica { return Replica{Datacenter: n.Datacenter, StorageID: n.ID} }

func (n *StorageNode) String() string { return "shark[" + n.ID + "@" + n.Datacenter + "]" }
