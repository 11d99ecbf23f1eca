// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"flag"

	"github.com/minimega-labs/blockfs/internal/blockstore"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/datanode"
	"github.com/minimega-labs/blockfs/internal/diskprobe"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

var (
	f_config    = flag.String("config", "/etc/blockfs/datanoded.ini", "path to configuration file")
	f_bind      = flag.String("bind", ":9100", "address to listen on for block traffic")
	f_advertise = flag.String("advertise", "", "endpoint to report to the coordinator (defaults to -bind)")
	f_level     = flag.String("level", "info", "minimum log level (debug, info, warn, error, fatal)")
	f_logfile   = flag.String("logfile", "", "log file path, in addition to stderr")
)

func main() {
	flag.Parse()

	level, err := mlog.LevelInt(*f_level)
	if err != nil {
		mlog.Fatal("invalid -level: %v", err)
	}
	if err := mlog.Setup(level, *f_logfile); err != nil {
		mlog.Fatal("setting up logging: %v", err)
	}

	cfg, err := config.Load(*f_config)
	if err != nil {
		mlog.Fatal("loading config: %v", err)
	}
	if err := cfg.ValidateDatanode(); err != nil {
		mlog.Fatal("invalid config: %v", err)
	}

	store, err := blockstore.New(cfg.DatanodeDataDir)
	if err != nil {
		mlog.Fatal("opening block store at %v: %v", cfg.DatanodeDataDir, err)
	}
	probe, err := diskprobe.New(cfg.DatanodeDataDir, cfg.DatanodeDiskCheckInterval)
	if err != nil {
		mlog.Fatal("starting disk probe on %v: %v", cfg.DatanodeDataDir, err)
	}
	go probe.Run()
	defer probe.Stop()

	client := nameservice.NewClient(cfg.DatanodeCoordinatorEndpoint)
	id := ids.NewServerID()

	advertise := *f_advertise
	if advertise == "" {
		advertise = *f_bind
	}

	srv := datanode.New(id, advertise, cfg, store, probe, client)
	ln, err := srv.Listen(*f_bind)
	if err != nil {
		mlog.Fatal("listening on %v: %v", *f_bind, err)
	}

	go srv.HeartbeatLoop()

	mlog.Info("datanoded: id=%v advertising %v, coordinator=%v, data=%v", id, advertise, cfg.DatanodeCoordinatorEndpoint, cfg.DatanodeDataDir)
	if err := srv.Serve(ln); err != nil {
		mlog.Fatal("serving: %v", err)
	}
}
