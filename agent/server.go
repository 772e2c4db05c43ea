// Package agent implements the per-node transfer processor: it accepts assignments,
// downloads and verifies objects, and reports per-task outcomes to the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/stats"
)

const readHeaderTimeout = 16 * time.Second

type Server struct {
	p   *Processor
	mux *http.ServeMux
	s   *http.Server
}

func NewServer(p *Processor, st *stats.Agent, addr string) *Server {
	h := &Server{p: p, mux: http.NewServeMux()}
	h.registerHandler(apc.URLPathAssignments, h.asgnHandler)
	h.registerHandler(apc.URLPathCapacity, h.capacityHandler)
	h.registerHandler(apc.URLPathHealth, h.healthHandler)
	h.registerHandler(apc.URLPathObjects, h.objectHandler)
	if st != nil {
		h.mux.Handle(apc.URLPathMetrics, st.Handler())
	}
	h.s = &http.Server{Addr: addr, Handler: h.mux, ReadHeaderTimeout: readHeaderTimeout}
	return h
}

func (h *Server) Handler() http.Handler { return h.mux }

func (h *Server) Run() error {
	nlog.Infoln("agent listening on", h.s.Addr)
	if err := h.s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		nlog.Errorf("server terminated with error: %v", err)
		return err
	}
	return nil
}

func (h *Server) Shutdown(ctx context.Context) error { return h.s.Shutdown(ctx) }

func (h *Server) registerHandler(path string, handler func(http.ResponseWriter, *http.Request)) {
	h.mux.HandleFunc(path, handler)
	if !strings.HasSuffix(path, "/") {
		h.mux.HandleFunc(path+"/", handler)
	}
}

// items after the given prefix, e.g. /v1/assignments/<id> => [<id>]
func items(r *http.Request, prefix string) []string {
	s := strings.Trim(strings.TrimPrefix(r.URL.EscapedPath(), prefix), "/")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "/")
	for i, p := range parts {
		if u, err := url.PathUnescape(p); err == nil {
			parts[i] = u
		}
	}
	return parts
}

func errCode(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAgentBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrAsgnNotFound), cos.IsNotExist(err):
		return http.StatusNotFound
	case errors.Is(err, ErrAsgnRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

/////////////////
// assignments //
/////////////////

func (h *Server) asgnHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.httpAsgnPost(w, r)
	case http.MethodGet:
		h.httpAsgnGet(w, r)
	case http.MethodDelete:
		h.httpAsgnDel(w, r)
	default:
		cmn.WriteErr405(w, r, http.MethodDelete, http.MethodGet, http.MethodPost)
	}
}

func (h *Server) httpAsgnPost(w http.ResponseWriter, r *http.Request) {
	if len(items(r, apc.URLPathAssignments)) != 0 {
		cmn.WriteErrMsg(w, r, "unexpected assignment id in the URL path")
		return
	}
	payload := &core.AsgnPayload{}
	if err := cmn.ReadJSON(w, r, payload); err != nil {
		return
	}
	status, err := h.p.Assign(payload)
	if err != nil {
		cmn.WriteErr(w, r, err, errCode(err))
		return
	}
	cmn.WriteJSON(w, status)
}

func (h *Server) asgnID(w http.ResponseWriter, r *http.Request) (string, bool) {
	parts := items(r, apc.URLPathAssignments)
	if len(parts) != 1 {
		cmn.WriteErrMsg(w, r, "expecting /"+apc.Version+"/"+apc.Assignments+"/<id>")
		return "", false
	}
	return parts[0], true
}

func (h *Server) httpAsgnGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.asgnID(w, r)
	if !ok {
		return
	}
	status, err := h.p.Status(id)
	if err != nil {
		cmn.WriteErr(w, r, err, errCode(err))
		return
	}
	cmn.WriteJSON(w, status)
}

func (h *Server) httpAsgnDel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.asgnID(w, r)
	if !ok {
		return
	}
	if err := h.p.Ack(id); err != nil {
		cmn.WriteErr(w, r, err, errCode(err))
	}
}

//////////////////////////
// capacity and health //
//////////////////////////

func (h *Server) capacityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cmn.WriteErr405(w, r, http.MethodGet)
		return
	}
	info, err := h.p.Capacity()
	if err != nil {
		cmn.WriteErr(w, r, err, http.StatusInternalServerError)
		return
	}
	cmn.WriteJSON(w, info)
}

func (h *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cmn.WriteErr405(w, r, http.MethodGet)
		return
	}
	info := &apc.HealthInfo{Status: "ok", Ready: h.p.Ready(), Version: core.AsgnVersion}
	if !info.Ready {
		info.Status = "starting"
	}
	cmn.WriteJSON(w, info)
}

/////////////
// objects //
/////////////

// GET /v1/objects/<owner>/<object-id> serves stored objects to peers evacuating from this node.
func (h *Server) objectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		cmn.WriteErr405(w, r, http.MethodGet, http.MethodHead)
		return
	}
	parts := items(r, apc.URLPathObjects)
	if len(parts) != 2 {
		cmn.WriteErrMsg(w, r, "expecting /"+apc.Version+"/"+apc.Objects+"/<owner>/<object-id>")
		return
	}
	fh, finfo, err := h.p.OpenObject(parts[0], parts[1])
	if err != nil {
		if os.IsNotExist(err) || cos.IsErrNotFound(err) {
			cmn.WriteErr(w, r, err, http.StatusNotFound)
		} else {
			cmn.WriteErr(w, r, err)
		}
		return
	}
	defer fh.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(finfo.Size(), 10))
	w.Header().Set(cmn.HdrContentType, "application/octet-stream")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, fh); err != nil {
		nlog.Warningln("failed to serve", r.URL.Path+":", err)
	}
}
