// Package mgr implements the evacuation manager: the job service that creates, retries,
// tunes, and aborts evacuation jobs, and its HTTP control surface.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mgr

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/NVIDIA/rebalancer/api"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/core/mock"
	"github.com/NVIDIA/rebalancer/discovery"
	"github.com/NVIDIA/rebalancer/hk"
	"github.com/NVIDIA/rebalancer/jobdb"
	"github.com/NVIDIA/rebalancer/mdstore"
	"github.com/NVIDIA/rebalancer/placement"
	"github.com/NVIDIA/rebalancer/stats"
)

const (
	role            = "evacmgr"
	shutdownTimeout = time.Minute
	startupTimeout  = 30 * time.Second
)

type (
	cliFlags struct {
		confFile string
		logLevel int
	}

	// metadata store as used by the manager: replica updates plus (optional) discovery scan
	mdStore interface {
		core.MdClient
		discovery.Scanner
	}
)

// Run is the manager's main; it returns the process exit code.
func Run(version, buildtime string) int {
	var cli cliFlags
	flset := flag.NewFlagSet(role, flag.ExitOnError)
	flset.StringVar(&cli.confFile, "config", "", "config filename (JSON or YAML)")
	flset.IntVar(&cli.logLevel, "loglevel", -1, "log verbosity level to override config (4 - verbose)")
	flset.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	if cli.confFile == "" {
		fmt.Fprintln(os.Stderr, "missing -config")
		return 2
	}
	conf, err := cmn.LoadConfig[cmn.MgrConfig](cli.confFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cli.logLevel >= 0 {
		conf.Log.Level = cli.logLevel
	}
	conf.Log.Init(role)
	nlog.SetTitle(role + " " + version + " (build " + buildtime + ")")
	nlog.Infoln("starting", role, version, "build", buildtime)

	if err := run(cmn.NewConfigOwner(conf, cli.confFile)); err != nil {
		var errSig *hk.ErrSignal
		if errors.As(err, &errSig) {
			nlog.Infoln(err)
			return 0
		}
		nlog.Errorln(err)
		return 1
	}
	return 0
}

func run(co *cmn.ConfigOwner[cmn.MgrConfig]) error {
	var (
		conf        = co.Get()
		ctx, cancel = context.WithTimeout(context.Background(), startupTimeout)
	)
	defer cancel()

	store, err := newStore(ctx, &conf.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	md, closeMd, err := newMdStore(ctx, &conf.MdStore)
	if err != nil {
		return err
	}
	defer closeMd()

	var (
		st  = stats.NewMgr()
		ac  = api.NewAgentClient(conf.Agent.Timeout.D(), conf.Agent.Port)
		svc = NewService(Args{
			Config:    co,
			Store:     store,
			Feed:      newFeed(&conf.Discovery, md),
			Placement: newPlacement(co, ac),
			Md:        md,
			Agents:    ac,
			Stats:     st,
		})
	)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// housekeeping and config reload
	h := hk.New()
	h.OnReload(func() {
		if err := co.Reload(cmn.LoadConfig[cmn.MgrConfig], (*cmn.MgrConfig).MergeReloadable); err != nil {
			nlog.Errorln("config reload:", err)
		}
	})
	go func() {
		for c := range co.Subscribe() {
			nlog.SetVerbosity(c.Log.Level)
		}
	}()

	var (
		srv   = NewServer(svc, st)
		addr  = net.JoinHostPort(conf.Net.Hostname, strconv.Itoa(conf.Net.Port))
		errCh = make(chan error, 2)
	)
	go func() { errCh <- srv.Run(addr) }()
	go func() { errCh <- h.Run() }()
	h.Reg("log.flush", func(int64) time.Duration { nlog.Flush(); return hk.LogFlushIval }, hk.LogFlushIval)
	h.Reg("stats.log", st.Log, stats.LogInterval)

	err = <-errCh
	nlog.Infoln("shutting down:", err)
	h.Stop()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if errShut := srv.Shutdown(sctx); errShut != nil {
		nlog.Errorln("http shutdown:", errShut)
	}
	if errShut := svc.Shutdown(sctx); errShut != nil {
		nlog.Errorln(errShut)
	}
	nlog.Flush()
	return err
}

// empty DSN selects the in-memory store (jobs do not survive restarts)
func newStore(ctx context.Context, conf *cmn.DBConf) (jobdb.Store, error) {
	if conf.DSN == "" {
		nlog.Warningln("db.dsn not configured: using in-memory job store")
		return jobdb.NewMem(), nil
	}
	return jobdb.NewPG(ctx, conf.DSN, conf.MaxConns)
}

// empty address selects the in-memory metadata store (development only)
func newMdStore(ctx context.Context, conf *cmn.MdStoreConf) (mdStore, func(), error) {
	if conf.RedisAddr == "" {
		nlog.Warningln("mdstore.redis_addr not configured: using in-memory metadata store")
		return mock.NewMdMock(), func() {}, nil
	}
	rds := mdstore.NewRedis(conf.RedisAddr, conf.Password, conf.RedisDB, conf.KeyPrefix)
	if err := rds.Ping(ctx); err != nil {
		rds.Close()
		return nil, nil, err
	}
	return rds, func() { rds.Close() }, nil
}

func newFeed(conf *cmn.DiscoveryConf, md discovery.Scanner) core.Feed {
	switch conf.Source {
	case "http":
		return discovery.NewHTTP(conf.URL)
	case "file":
		return discovery.NewFile(conf.File)
	default:
		return discovery.NewMd(md)
	}
}

// agents are re-read on every call, so that a config reload adds or removes nodes
func newPlacement(co *cmn.ConfigOwner[cmn.MgrConfig], ac *api.AgentClient) core.Placement {
	conf := co.Get()
	if conf.Placement.URL != "" {
		return placement.NewHTTP(conf.Placement.URL, conf.Agent.Timeout.D())
	}
	return placement.NewAgents(ac, func() []cmn.AgentAddr { return co.Get().Placement.Agents })
}
