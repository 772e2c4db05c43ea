// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import "context"

// external collaborators of the evacuation job
type (
	// Feed streams the objects that reside on a storage node. Run returns when the
	// stream is exhausted (nil) or broken (discovery error); it must not close `out`.
	Feed interface {
		Run(ctx context.Context, shark string, out chan<- *EvacObj) error
	}

	// Placement reports available storage nodes, excluding blacklisted datacenters entirely.
	Placement interface {
		Nodes(ctx context.Context, dcBlacklist []string) ([]*StorageNode, error)
	}

	// MdClient reads and atomically updates object replica locations.
	// Object-level failures: ErrObjectGone, ErrReplicaMoved; connectivity: ErrMdUnreachable.
	// Repeating a ReplaceReplica that already went through returns the current record.
	MdClient interface {
		Get(ctx context.Context, objID string) (*ObjectMeta, error)
		ReplaceReplica(ctx context.Context, objID string, from, to Replica) (*ObjectMeta, error)
	}

	// AgentClient is the manager side of the assignment protocol.
	// PostAssignment returns ErrAsgnRejected (wrapped) when the agent refuses the
	// payload; any other error means the agent is unavailable.
	AgentClient interface {
		PostAssignment(ctx context.Context, node *StorageNode, payload *AsgnPayload) (*AsgnStatus, error)
		GetAssignment(ctx context.Context, node *StorageNode, id string) (*AsgnStatus, error)
		DeleteAssignment(ctx context.Context, node *StorageNode, id string) error
	}
)
