// Package api provides the evacuation manager and agent APIs over HTTP
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/core"
)

// job control client (manager API)

func CreateJob(ctx context.Context, bp BaseParams, msg *apc.JobCreateMsg) (*core.Job, error) {
	var job core.Job
	bp.Method = http.MethodPost
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs, Body: jsonBody(msg)}
	if err := reqParams.DoReqResp(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func GetJob(ctx context.Context, bp BaseParams, jobID string) (*core.Job, error) {
	var job core.Job
	bp.Method = http.MethodGet
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID}
	if err := reqParams.DoReqResp(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs, optionally filtered by state.
func ListJobs(ctx context.Context, bp BaseParams, state core.JobState) ([]*core.Job, error) {
	var jobs []*core.Job
	bp.Method = http.MethodGet
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs}
	if state != "" {
		reqParams.Query = url.Values{apc.QparamState: []string{string(state)}}
	}
	if err := reqParams.DoReqResp(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RetryJob creates a new job reprocessing the source job's objects that are not Complete.
func RetryJob(ctx context.Context, bp BaseParams, jobID string) (*core.Job, error) {
	var job core.Job
	bp.Method = http.MethodPost
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID + "/" + apc.Retry}
	if err := reqParams.DoReqResp(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func UpdateJob(ctx context.Context, bp BaseParams, jobID string, msg *apc.JobUpdateMsg) error {
	bp.Method = http.MethodPut
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID, Body: jsonBody(msg)}
	return reqParams.DoRequest(ctx)
}

func SetMdConcurrency(ctx context.Context, bp BaseParams, jobID string, n int) error {
	msg := &apc.JobUpdateMsg{Action: apc.ActSetMdConcurrency, Params: map[string]any{"concurrency": n}}
	return UpdateJob(ctx, bp, jobID, msg)
}

func AbortJob(ctx context.Context, bp BaseParams, jobID string) error {
	bp.Method = http.MethodDelete
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID}
	return reqParams.DoRequest(ctx)
}

// ListObjects pages through a job's objects (ordered by object ID) starting after `after`.
func ListObjects(ctx context.Context, bp BaseParams, jobID string, status core.ObjStatus, after string, limit int) ([]*core.EvacObj, error) {
	var (
		objs []*core.EvacObj
		q    = url.Values{}
	)
	if status != "" {
		q.Set(apc.QparamStatus, string(status))
	}
	if after != "" {
		q.Set(apc.QparamAfter, after)
	}
	if limit > 0 {
		q.Set(apc.QparamLimit, strconv.Itoa(limit))
	}
	bp.Method = http.MethodGet
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID + "/" + apc.Objects, Query: q}
	if err := reqParams.DoReqResp(ctx, &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

func ListDuplicates(ctx context.Context, bp BaseParams, jobID string) ([]*core.DuplicateObject, error) {
	var dups []*core.DuplicateObject
	bp.Method = http.MethodGet
	reqParams := &ReqParams{BaseParams: bp, Path: apc.URLPathJobs + "/" + jobID + "/" + apc.Duplicates}
	if err := reqParams.DoReqResp(ctx, &dups); err != nil {
		return nil, err
	}
	return dups, nil
}
