// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"
	"strings"

	"github.com/NVIDIA/rebalancer/cmn/cos"
)

type (
	ObjStatus string
	Reason    string
)

// object status
const (
	ObjUnprocessed ObjStatus = "unprocessed"
	ObjAssigned    ObjStatus = "assigned"
	ObjSkipped     ObjStatus = "skipped"
	ObjError       ObjStatus = "error"
	ObjComplete    ObjStatus = "complete"
)

// skip and error reasons (closed enumeration)
const (
	ReasonNone             Reason = ""
	ReasonNoDestination    Reason = "no-destination"
	ReasonDuplicate        Reason = "duplicate"
	ReasonNetwork          Reason = "network"
	ReasonChecksumMismatch Reason = "checksum-mismatch"
	ReasonDisk             Reason = "disk"
	ReasonRejected         Reason = "assignment-rejected"
	ReasonAgentUnavailable Reason = "agent-unavailable"
	ReasonMdUpdate         Reason = "md-update"
	ReasonObjectGone       Reason = "object-gone"
	ReasonReplicaMoved     Reason = "replica-moved"
	ReasonBadRecord        Reason = "bad-record"
	ReasonAborted          Reason = "aborted"
)

var reasons = cos.NewStrSet(
	string(ReasonNone), string(ReasonNoDestination), string(ReasonDuplicate), string(ReasonNetwork),
	string(ReasonChecksumMismatch), string(ReasonDisk), string(ReasonRejected), string(ReasonAgentUnavailable),
	string(ReasonMdUpdate), string(ReasonObjectGone), string(ReasonReplicaMoved), string(ReasonBadRecord),
	string(ReasonAborted),
)

var objStatuses = map[string]ObjStatus{
	string(ObjUnprocessed): ObjUnprocessed,
	string(ObjAssigned):    ObjAssigned,
	string(ObjSkipped):     ObjSkipped,
	string(ObjError):       ObjError,
	string(ObjComplete):    ObjComplete,
}

type (
	Replica struct {
		Datacenter string `json:"datacenter"`
		StorageID  string `json:"manta_storage_id"`
	}

	// EvacObj is one object under migration.
	EvacObj struct {
		Cksum        cos.Cksum `json:"cksum"`
		ID           string    `json:"object_id"`
		Owner        string    `json:"owner"`
		DestShark    string    `json:"dest_shark,omitempty"`
		AssignmentID string    `json:"assignment_id,omitempty"`
		Status       ObjStatus `json:"status"`
		Reason       Reason    `json:"reason,omitempty"`
		Sharks       []Replica `json:"sharks"`
		Size         int64     `json:"content_length"`
	}

	// DuplicateObject records a repeated discovery-time sighting of the same object ID.
	DuplicateObject struct {
		JobID    string    `json:"job_id"`
		ObjectID string    `json:"object_id"`
		Owner    string    `json:"owner"`
		Sharks   []Replica `json:"sharks"`
		Count    int       `json:"count"`
	}

	// ObjectMeta is the metadata-store record of an object.
	ObjectMeta struct {
		Cksum  cos.Cksum `json:"cksum"`
		ID     string    `json:"object_id"`
		Owner  string    `json:"owner"`
		Key    string    `json:"key,omitempty"`
		Sharks []Replica `json:"sharks"`
		Size   int64     `json:"content_length"`
	}
)

func ParseObjStatus(s string) (ObjStatus, error) {
	if st, ok := objStatuses[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown object status %q", s)
}

func ParseReason(s string) (Reason, error) {
	if !reasons.Contains(s) {
		return "", fmt.Errorf("unknown reason %q", s)
	}
	return Reason(s), nil
}

func (s ObjStatus) IsTerminal() bool {
	return s == ObjSkipped || s == ObjError || s == ObjComplete
}

// CanTransition enforces monotonic transitions: terminal statuses are never revisited
// (a retry job re-reads them as new unprocessed records).
func (s ObjStatus) CanTransition(to ObjStatus) bool {
	switch s {
	case ObjUnprocessed:
		return to != ObjUnprocessed
	case ObjAssigned:
		return to.IsTerminal()
	default:
		return false
	}
}

// SetStatus applies a monotonic transition.
func (o *EvacObj) SetStatus(to ObjStatus, reason Reason) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("object %s: invalid transition %s => %s", o.ID, o.Status, to)
	}
	o.Status, o.Reason = to, reason
	return nil
}

// Reset turns a record of a prior job into a new unprocessed record.
func (o *EvacObj) Reset() {
	o.Status, o.Reason = ObjUnprocessed, ReasonNone
	o.DestShark, o.AssignmentID = "", ""
}

func (o *EvacObj) HasReplicaOn(storageID string) bool {
	for _, r := range o.Sharks {
		if r.StorageID == storageID {
			return true
		}
	}
	return false
}

func (o *EvacObj) Replica(storageID string) (Replica, bool) {
	for _, r := range o.Sharks {
		if r.StorageID == storageID {
			return r, true
		}
	}
	return Replica{}, false
}

// Datacenters of all replicas other than `except`.
func (o *EvacObj) Datacenters(except string) cos.StrSet {
	dcs := make(cos.StrSet, len(o.Sharks))
	for _, r := range o.Sharks {
		if r.StorageID != except {
			dcs.Add(r.Datacenter)
		}
	}
	return dcs
}

func (o *EvacObj) Validate() error {
	if o.ID == "" || o.Owner == "" {
		return fmt.Errorf("invalid object record: empty id or owner (%q, %q)", o.ID, o.Owner)
	}
	if err := ValidatePathElem(o.Owner); err != nil {
		return err
	}
	if err := ValidatePathElem(o.ID); err != nil {
		return err
	}
	if o.Size < 0 {
		return fmt.Errorf("object %s: negative size %d", o.ID, o.Size)
	}
	if o.Cksum.IsEmpty() {
		return fmt.Errorf("object %s: no checksum to verify the copy against", o.ID)
	}
	return o.Cksum.Validate()
}

func (o *EvacObj) String() string { return "obj[" + o.Owner + "/" + o.ID + "]" }

func (m *ObjectMeta) HasReplicaOn(storageID string) bool {
	for _, r := range m.Sharks {
		if r.StorageID == storageID {
			return true
		}
	}
	return false
}

// SwapIdx locates `from` for a replica swap. done is set when the swap has already
// been applied (`to` present, `from` absent); otherwise a negative idx or a
// present `to` means the replica set moved under us.
func (m *ObjectMeta) SwapIdx(from, to Replica) (idx int, done bool, err error) {
	var hasTo bool
	idx = -1
	for i, r := range m.Sharks {
		switch r.StorageID {
		case to.StorageID:
			hasTo = true
		case from.StorageID:
			idx = i
		}
	}
	switch {
	case hasTo && idx < 0:
		return -1, true, nil
	case hasTo:
		return -1, false, fmt.Errorf("%w: %s already on %s", ErrReplicaMoved, m.ID, to.StorageID)
	case idx < 0:
		return -1, false, fmt.Errorf("%w: %s no longer on %s", ErrReplicaMoved, m.ID, from.StorageID)
	}
	return idx, false, nil
}

// ToEvacObj converts the metadata record into a new unprocessed evacuation record.
func (m *ObjectMeta) ToEvacObj() *EvacObj {
	return &EvacObj{
		ID:     m.ID,
		Owner:  m.Owner,
		Cksum:  m.Cksum,
		Size:   m.Size,
		Sharks: append([]Replica(nil), m.Sharks...),
		Status: ObjUnprocessed,
	}
}

func ValidatePathElem(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\x00") {
		return fmt.Errorf("invalid path element %q", s)
	}
	return nil
}
