// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"flag"

	"github.com/minimega-labs/blockfs/internal/bimap"
	"github.com/minimega-labs/blockfs/internal/config"
	"github.com/minimega-labs/blockfs/internal/editlog"
	"github.com/minimega-labs/blockfs/internal/liveness"
	"github.com/minimega-labs/blockfs/internal/nameservice"
	"github.com/minimega-labs/blockfs/internal/namespace"
	"github.com/minimega-labs/blockfs/internal/progress"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

var (
	f_config  = flag.String("config", "/etc/blockfs/namenoded.ini", "path to configuration file")
	f_level   = flag.String("level", "info", "minimum log level (debug, info, warn, error, fatal)")
	f_logfile = flag.String("logfile", "", "log file path, in addition to stderr")
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
	if err := cfg.ValidateNamenode(); err != nil {
		mlog.Fatal("invalid config: %v", err)
	}

	log, err := editlog.Open(cfg.NamenodeNameDir)
	if err != nil {
		mlog.Fatal("opening edit log: %v", err)
	}
	defer log.Close()

	ns := namespace.New()
	bm := bimap.New()
	pt := progress.New()
	lv := liveness.New(bm, config.DefaultHeartbeatTimeout, config.DefaultHeartbeatRecheckInterval)
	reg := nameservice.New(cfg, ns, bm, pt, lv, log)

	// Replaying the edit log rebuilds the in-memory namespace before the
	// RPC listener opens, so no request can observe state the journal
	// hasn't caught up to yet.
	if err := editlog.Replay(cfg.NamenodeNameDir, reg.Apply); err != nil {
		mlog.Fatal("replaying edit log: %v", err)
	}

	go lv.Run()
	defer lv.Stop()

	srv := nameservice.NewServer(reg)
	ln, err := srv.Listen(cfg.NamenodeBindAddress)
	if err != nil {
		mlog.Fatal("listening on %v: %v", cfg.NamenodeBindAddress, err)
	}

	mlog.Info("namenoded: serving %v from %v", cfg.NamenodeBindAddress, cfg.NamenodeNameDir)
	if err := srv.Serve(ln); err != nil {
		mlog.Fatal("serving: %v", err)
	}
}
