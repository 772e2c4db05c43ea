// Package agent implements the per-node transfer processor: it accepts assignments,
// downloads and verifies objects, and reports per-task outcomes to the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/kvdb"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/hk"
	"github.com/NVIDIA/rebalancer/stats"
)

const (
	role            = "evacagent"
	shutdownTimeout = 30 * time.Second
)

// Run is the agent's main; it returns the process exit code.
func Run(version, buildtime string) int {
	var (
		confFile string
		logLevel int
		flset    = flag.NewFlagSet(role, flag.ExitOnError)
	)
	flset.StringVar(&confFile, "config", "", "config filename (JSON or YAML)")
	flset.IntVar(&logLevel, "loglevel", -1, "log verbosity level to override config (4 - verbose)")
	flset.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	if confFile == "" {
		fmt.Fprintln(os.Stderr, "missing -config")
		return 2
	}
	conf, err := cmn.LoadConfig[cmn.AgentConfig](confFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if logLevel >= 0 {
		conf.Log.Level = logLevel
	}
	conf.Log.Init(role)
	nlog.SetTitle(role + " " + version + " (build " + buildtime + ")")
	nlog.Infoln("starting", role, conf.StorageID, version, "build", buildtime)

	if err := run(cmn.NewConfigOwner(conf, confFile)); err != nil {
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

func run(co *cmn.ConfigOwner[cmn.AgentConfig]) error {
	conf := co.Get()
	db, err := kvdb.NewBuntDB(conf.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", conf.DBPath, err)
	}
	defer db.Close()

	var (
		st    = stats.NewAgent()
		p     = NewProcessor(co, db, st)
		srv   = NewServer(p, st, net.JoinHostPort(conf.Net.Hostname, strconv.Itoa(conf.Net.Port)))
		h     = hk.New()
		errCh = make(chan error, 3)
	)
	h.OnReload(func() {
		if err := co.Reload(cmn.LoadConfig[cmn.AgentConfig], (*cmn.AgentConfig).MergeReloadable); err != nil {
			nlog.Errorln("config reload:", err)
		}
	})
	go func() {
		for c := range co.Subscribe() {
			nlog.SetVerbosity(c.Log.Level)
		}
	}()

	// serving starts right away: health reports not-ready and assignments are refused until Init is done
	go func() { errCh <- srv.Run() }()
	go func() { errCh <- h.Run() }()
	go func() {
		if err := p.Init(); err != nil {
			errCh <- err
		}
	}()
	h.Reg("log.flush", func(int64) time.Duration { nlog.Flush(); return hk.LogFlushIval }, hk.LogFlushIval)
	h.Reg("stats.log", st.Log, stats.LogInterval)

	err = <-errCh
	nlog.Infoln("shutting down:", err)
	h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShut := srv.Shutdown(ctx); errShut != nil {
		nlog.Errorln("http shutdown:", errShut)
	}
	p.Stop()
	nlog.Flush()
	return err
}
