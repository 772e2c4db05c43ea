// Package mgr implements the evacuation manager: the job service that creates, retries,
// tunes, and aborts evacuation jobs, and its HTTP control surface.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/stats"
	"github.com/NVIDIA/rebalancer/xact/xreg"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const maxBodySize = "1M"

type (
	Server struct {
		svc *Service
		e   *echo.Echo
	}

	jsonSerializer struct{}
)

// interface guard
var _ echo.JSONSerializer = jsonSerializer{}

func NewServer(svc *Service, st *stats.Mgr) *Server {
	e := echo.New()
	e.HideBanner, e.HidePort = true, true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = writeErr

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if nlog.V(4) {
				nlog.Infof("%s %s %d %v [%s]", v.Method, v.URI, v.Status, v.Latency, v.RequestID)
			}
			return nil
		},
	}))

	s := &Server{svc: svc, e: e}
	s.routes(st)
	return s
}

func (s *Server) routes(st *stats.Mgr) {
	jobs := s.e.Group(apc.URLPathJobs)
	jobs.POST("", s.createJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
	jobs.PUT("/:id", s.updateJob)
	jobs.DELETE("/:id", s.abortJob)
	jobs.POST("/:id/"+apc.Retry, s.retryJob)
	jobs.GET("/:id/"+apc.Objects, s.listObjects)
	jobs.GET("/:id/"+apc.Duplicates, s.listDuplicates)

	s.e.GET(apc.URLPathHealth, func(c echo.Context) error {
		return c.JSON(http.StatusOK, &apc.HealthInfo{Status: "ok", Ready: true, Version: core.AsgnVersion})
	})
	if st != nil {
		s.e.GET(apc.URLPathMetrics, echo.WrapHandler(st.Handler()))
	}
}

func (s *Server) Handler() http.Handler { return s.e }

// Run blocks until Shutdown.
func (s *Server) Run(addr string) error {
	nlog.Infoln("manager listening on", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

//
// handlers
//

func (s *Server) createJob(c echo.Context) error {
	var msg apc.JobCreateMsg
	if err := c.Bind(&msg); err != nil {
		return err
	}
	job, err := s.svc.CreateJob(c.Request().Context(), &msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c echo.Context) error {
	var state core.JobState
	if v := c.QueryParam(apc.QparamState); v != "" {
		st, err := core.ParseJobState(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		state = st
	}
	jobs, err := s.svc.ListJobs(c.Request().Context(), state)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.svc.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) updateJob(c echo.Context) error {
	var msg apc.JobUpdateMsg
	if err := c.Bind(&msg); err != nil {
		return err
	}
	if err := s.svc.UpdateJob(c.Request().Context(), c.Param("id"), &msg); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) abortJob(c echo.Context) error {
	if err := s.svc.AbortJob(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) retryJob(c echo.Context) error {
	job, err := s.svc.RetryJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) listObjects(c echo.Context) error {
	var (
		status core.ObjStatus
		limit  int
		err    error
	)
	if v := c.QueryParam(apc.QparamStatus); v != "" {
		if status, err = core.ParseObjStatus(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if v := c.QueryParam(apc.QparamLimit); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+apc.QparamLimit+": "+v)
		}
	}
	objs, err := s.svc.ListObjects(c.Request().Context(), c.Param("id"), status, c.QueryParam(apc.QparamAfter), limit)
	if err != nil {
		return err
	}
	if objs == nil {
		objs = []*core.EvacObj{}
	}
	return c.JSON(http.StatusOK, objs)
}

func (s *Server) listDuplicates(c echo.Context) error {
	dups, err := s.svc.ListDuplicates(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if dups == nil {
		dups = []*core.DuplicateObject{}
	}
	return c.JSON(http.StatusOK, dups)
}

//
// errors
//

func errStatus(err error) int {
	var (
		herr *echo.HTTPError
		eevc *core.ErrEvac
	)
	switch {
	case errors.As(err, &herr):
		return herr.Code
	case errors.Is(err, core.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobNotRunning), errors.Is(err, core.ErrJobRunning):
		return http.StatusConflict
	case errors.As(err, &eevc) && eevc.Kind == core.KindPolicy:
		return http.StatusConflict
	case errors.Is(err, xreg.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr renders every error as cmn.ErrHTTP.
func writeErr(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var (
		status = errStatus(err)
		msg    = err.Error()
		herr   *echo.HTTPError
		req    = c.Request()
	)
	if errors.As(err, &herr) {
		msg = fmt.Sprint(herr.Message)
	}
	body := &cmn.ErrHTTP{Message: msg, Method: req.Method, URLPath: req.URL.Path, Status: status}
	if status >= http.StatusInternalServerError {
		nlog.Errorln(body.Error())
	} else if nlog.V(4) {
		nlog.Infoln(body.Error())
	}
	if err := c.JSON(status, body); err != nil {
		nlog.Errorln("failed to write error response:", err)
	}
}

////////////////////
// jsonSerializer //
////////////////////

func (jsonSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := jsoniter.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i any) error {
	err := jsoniter.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body: "+err.Error()).SetInternal(err)
	}
	return nil
}
