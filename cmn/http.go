// Package cmn provides common constants, types, and utilities for the evacuation
// manager, agents, and their clients.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"

	jsoniter "github.com/json-iterator/go"
)

const (
	HdrContentType  = "Content-Type"
	HdrAllow        = "Allow"
	ContentJSON     = "application/json"
	ContentNDJSON   = "application/x-ndjson"
	maxErrBodyBytes = 4 * cos.KiB
)

// ErrHTTP is the JSON body of every non-2xx response.
type ErrHTTP struct {
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
	URLPath string `json:"url_path,omitempty"`
	Status  int    `json:"status"`
}

func NewErrHTTP(r *http.Request, err error, status int) *ErrHTTP {
	e := &ErrHTTP{Message: err.Error(), Status: status}
	if r != nil {
		e.Method, e.URLPath = r.Method, r.URL.Path
	}
	return e
}

func (e *ErrHTTP) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("%s %s: %s (%d)", e.Method, e.URLPath, e.Message, e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// ParseErrHTTP builds ErrHTTP from a failed response; the body is consumed.
func ParseErrHTTP(resp *http.Response) *ErrHTTP {
	e := &ErrHTTP{Status: resp.StatusCode}
	if resp.Request != nil {
		e.Method, e.URLPath = resp.Request.Method, resp.Request.URL.Path
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
	if err == nil && len(b) > 0 {
		var body ErrHTTP
		if jsoniter.Unmarshal(b, &body) == nil && body.Message != "" {
			e.Message = body.Message
			return e
		}
		e.Message = strings.TrimSpace(string(b))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

//
// server side
//

func WriteErr(w http.ResponseWriter, r *http.Request, err error, errCode ...int) {
	status := http.StatusBadRequest
	if len(errCode) > 0 && errCode[0] >= http.StatusBadRequest {
		status = errCode[0]
	}
	herr := NewErrHTTP(r, err, status)
	if status >= http.StatusInternalServerError {
		nlog.ErrorDepth(1, herr.Error())
	} else if nlog.V(4) {
		nlog.InfoDepth(1, herr.Error())
	}
	w.Header().Set(HdrContentType, ContentJSON)
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(herr); err != nil {
		nlog.Errorln("failed to write error response:", err)
	}
}

func WriteErrMsg(w http.ResponseWriter, r *http.Request, msg string, errCode ...int) {
	WriteErr(w, r, errors.New(msg), errCode...)
}

func WriteErr405(w http.ResponseWriter, r *http.Request, methods ...string) {
	w.Header().Set(HdrAllow, strings.Join(methods, ", "))
	WriteErrMsg(w, r, "invalid method "+r.Method, http.StatusMethodNotAllowed)
}

func WriteJSON(w http.ResponseWriter, v any, status ...int) error {
	w.Header().Set(HdrContentType, ContentJSON)
	if len(status) > 0 {
		w.WriteHeader(status[0])
	}
	return jsoniter.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body; on failure it writes 400 and returns the error.
func ReadJSON(w http.ResponseWriter, r *http.Request, out any) error {
	defer r.Body.Close()
	if err := jsoniter.NewDecoder(r.Body).Decode(out); err != nil {
		err = fmt.Errorf("failed to decode %s %s request: %w", r.Method, r.URL.Path, err)
		WriteErr(w, r, err)
		return err
	}
	return nil
}
