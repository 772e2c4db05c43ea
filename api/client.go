// Package api provides the evacuation manager and agent APIs over HTTP
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"

	jsoniter "github.com/json-iterator/go"
)

const (
	httpMaxRetries = 3
	httpRetrySleep = 100 * time.Millisecond
)

type (
	BaseParams struct {
		Client *http.Client
		URL    string
		Method string
	}

	// ReqParams is used in constructing client-side API requests
	ReqParams struct {
		Query      url.Values
		Header     http.Header
		BaseParams BaseParams
		Path       string
		Body       []byte
	}
)

func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// HTTPStatus returns HTTP status or (-1) for non-HTTP error.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status := cmn.StatusOf(err); status != 0 {
		return status
	}
	return -1
}

func jsonBody(v any) []byte {
	b, err := jsoniter.Marshal(v)
	cos.AssertNoErr(err)
	return b
}

///////////////
// ReqParams //
///////////////

// DoRequest makes the request; if successful, checks, drains, and closes the response body.
func (reqParams *ReqParams) DoRequest(ctx context.Context) error {
	resp, err := reqParams.do(ctx)
	if err != nil {
		return err
	}
	err = reqParams.checkResp(resp)
	cos.DrainReader(resp.Body)
	resp.Body.Close()
	return err
}

// DoReqResp makes the request and decodes the response into `v`.
func (reqParams *ReqParams) DoReqResp(ctx context.Context, v any) error {
	resp, err := reqParams.do(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cos.DrainReader(resp.Body)
		resp.Body.Close()
	}()
	if err := reqParams.checkResp(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to read %s %s response: %w", reqParams.BaseParams.Method, reqParams.Path, err)
	}
	return nil
}

// DoReader returns the response body for subsequent streaming; the caller closes it.
func (reqParams *ReqParams) DoReader(ctx context.Context) (io.ReadCloser, error) {
	resp, err := reqParams.do(ctx)
	if err != nil {
		return nil, err
	}
	if err := reqParams.checkResp(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// do makes the request and retries on connection-refused and reset errors
func (reqParams *ReqParams) do(ctx context.Context) (resp *http.Response, err error) {
	urlPath := reqParams.BaseParams.URL + reqParams.Path
	for i := 0; ; i++ {
		var (
			req     *http.Request
			reqBody io.Reader
		)
		if reqParams.Body != nil {
			reqBody = bytes.NewReader(reqParams.Body)
		}
		req, err = http.NewRequestWithContext(ctx, reqParams.BaseParams.Method, urlPath, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create http request: %w", err)
		}
		reqParams.setRequestOptParams(req)
		resp, err = reqParams.BaseParams.Client.Do(req) //nolint:bodyclose // closed by a caller
		if err == nil || !cos.IsRetriableConnErr(err) || i >= httpMaxRetries-1 {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(httpRetrySleep << i):
		}
	}
}

func (reqParams *ReqParams) setRequestOptParams(req *http.Request) {
	if len(reqParams.Query) != 0 {
		req.URL.RawQuery = reqParams.Query.Encode()
	}
	if reqParams.Header != nil {
		req.Header = reqParams.Header.Clone()
	}
	if reqParams.Body != nil && req.Header.Get(cmn.HdrContentType) == "" {
		req.Header.Set(cmn.HdrContentType, cmn.ContentJSON)
	}
}

func (*ReqParams) checkResp(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	return cmn.ParseErrHTTP(resp)
}
