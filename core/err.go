// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"errors"
	"fmt"
)

type ErrKind int

const (
	KindDiscovery ErrKind = iota + 1
	KindNoCandidates
	KindPlacement
	KindNoDestination
	KindDuplicate
	KindTransfer
	KindAsgnRejected
	KindAgentUnavailable
	KindMdObject
	KindMdUnreachable
	KindJobStore
	KindPanic
	KindAborted
	KindPolicy
)

var kindText = map[ErrKind]string{
	KindDiscovery:        "discovery",
	KindNoCandidates:     "no-candidates",
	KindPlacement:        "placement",
	KindNoDestination:    "no-destination",
	KindDuplicate:        "duplicate",
	KindTransfer:         "transfer",
	KindAsgnRejected:     "assignment-rejected",
	KindAgentUnavailable: "agent-unavailable",
	KindMdObject:         "md-update",
	KindMdUnreachable:    "md-unreachable",
	KindJobStore:         "job-store",
	KindPanic:            "panic",
	KindAborted:          "aborted",
	KindPolicy:           "policy",
}

// critical error kinds force the job to Failed; all others are counted per object.
var criticalKinds = map[ErrKind]bool{
	KindDiscovery:        true,
	KindNoCandidates:     true,
	KindPlacement:        false,
	KindNoDestination:    false,
	KindDuplicate:        false,
	KindTransfer:         false,
	KindAsgnRejected:     false,
	KindAgentUnavailable: false,
	KindMdObject:         false,
	KindMdUnreachable:    true,
	KindJobStore:         true,
	KindPanic:            true,
	KindAborted:          true,
	KindPolicy:           true,
}

var (
	ErrInvalidParams   = errors.New("invalid job parameters")
	ErrInvalidPayload  = errors.New("invalid assignment payload")
	ErrSnaplinkCleanup = errors.New("snaplink cleanup required: evacuation jobs are blocked until it completes")
	ErrNoCandidates    = errors.New("no destination candidates (all datacenters blacklisted or no storage nodes)")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRunning   = errors.New("job is not running")
	ErrJobRunning      = errors.New("job is still running")
	ErrAsgnNotFound    = errors.New("assignment not found")
	ErrAsgnRejected    = errors.New("assignment rejected")
	ErrAgentBusy       = errors.New("agent busy")
	ErrObjectGone      = errors.New("object no longer exists in the metadata store")
	ErrReplicaMoved    = errors.New("object replica set no longer contains the source shark")
	ErrMdUnreachable   = errors.New("metadata store unreachable")
)

type ErrEvac struct {
	Err   error
	ObjID string
	Kind  ErrKind
}

func NewErrEvac(kind ErrKind, objID string, err error) *ErrEvac {
	return &ErrEvac{Kind: kind, ObjID: objID, Err: err}
}

func (k ErrKind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsCritical reports the policy for a given kind; unknown kinds are critical.
func (k ErrKind) IsCritical() bool {
	critical, ok := criticalKinds[k]
	return !ok || critical
}

func (e *ErrEvac) Error() string {
	if e.ObjID == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + "[" + e.ObjID + "]: " + e.Err.Error()
}

func (e *ErrEvac) Unwrap() error { return e.Err }

// IsCriticalErr classifies worker errors: unclassified errors are critical.
func IsCriticalErr(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrEvac
	if errors.As(err, &e) {
		return e.Kind.IsCritical()
	}
	return true
}
