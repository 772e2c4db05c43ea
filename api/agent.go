// Package api provides the evacuation manager and agent APIs over HTTP
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/core"
)

// AgentClient is the manager side of the manager<=>agent assignment protocol.
type AgentClient struct {
	client *http.Client
	port   int
}

// interface guard
var _ core.AgentClient = (*AgentClient)(nil)

func NewAgentClient(timeout time.Duration, port int) *AgentClient {
	return &AgentClient{client: NewClient(timeout), port: port}
}

func (ac *AgentClient) bp(node *core.StorageNode, method string) BaseParams {
	return BaseParams{Client: ac.client, URL: node.AgentURL(ac.port), Method: method}
}

// PostAssignment: 4xx (invalid payload, unsupported version) and 503 (busy) mean the
// agent refused the assignment; anything else that fails means it is unavailable.
func (ac *AgentClient) PostAssignment(ctx context.Context, node *core.StorageNode, payload *core.AsgnPayload) (*core.AsgnStatus, error) {
	var (
		status    core.AsgnStatus
		reqParams = &ReqParams{
			BaseParams: ac.bp(node, http.MethodPost),
			Path:       apc.URLPathAssignments,
			Body:       jsonBody(payload),
		}
	)
	err := reqParams.DoReqResp(ctx, &status)
	if err == nil {
		return &status, nil
	}
	if code := cmn.StatusOf(err); code == http.StatusServiceUnavailable || (code >= 400 && code < 500) {
		return nil, fmt.Errorf("%s: %w: %v", node, core.ErrAsgnRejected, err)
	}
	return nil, err
}

func (ac *AgentClient) GetAssignment(ctx context.Context, node *core.StorageNode, id string) (*core.AsgnStatus, error) {
	var (
		status    core.AsgnStatus
		reqParams = &ReqParams{BaseParams: ac.bp(node, http.MethodGet), Path: apc.URLPathAssignments + "/" + id}
	)
	if err := reqParams.DoReqResp(ctx, &status); err != nil {
		if cmn.StatusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w: %s", node, core.ErrAsgnNotFound, id)
		}
		return nil, err
	}
	return &status, nil
}

// DeleteAssignment acknowledges the reported outcome; a missing assignment is fine (already acked).
func (ac *AgentClient) DeleteAssignment(ctx context.Context, node *core.StorageNode, id string) error {
	reqParams := &ReqParams{BaseParams: ac.bp(node, http.MethodDelete), Path: apc.URLPathAssignments + "/" + id}
	err := reqParams.DoRequest(ctx)
	if cmn.StatusOf(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (ac *AgentClient) GetCapacity(ctx context.Context, agentURL string) (*apc.CapacityInfo, error) {
	var (
		info      apc.CapacityInfo
		reqParams = &ReqParams{
			BaseParams: BaseParams{Client: ac.client, URL: agentURL, Method: http.MethodGet},
			Path:       apc.URLPathCapacity,
		}
	)
	if err := reqParams.DoReqResp(ctx, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (ac *AgentClient) Health(ctx context.Context, agentURL string) (*apc.HealthInfo, error) {
	var (
		info      apc.HealthInfo
		reqParams = &ReqParams{
			BaseParams: BaseParams{Client: ac.client, URL: agentURL, Method: http.MethodGet},
			Path:       apc.URLPathHealth,
		}
	)
	if err := reqParams.DoReqResp(ctx, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
