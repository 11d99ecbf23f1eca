// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package config loads the INI-format configuration file recognized by both
// the coordinator and the data service. The loaded Config is immutable
// after Load returns and is shared, read-only, with every subsystem.
package config

import (
	"time"

	"gopkg.in/ini.v1"

	"github.com/minimega-labs/blockfs/internal/errs"
)

const (
	DefaultReplicationFactor = 3
	DefaultBlockSize         = 64 << 20 // 64 MiB
	DefaultPacketSize        = 64 << 10 // 64 KiB

	DefaultHeartbeatRate            = 3 * time.Second
	DefaultHeartbeatTimeout         = 600 * time.Second
	DefaultHeartbeatRecheckInterval = 20 * time.Second
	DefaultDiskCheckInterval        = 3 * time.Second
)

// Config mirrors the recognized options of the coordinator and data
// service configuration files.
type Config struct {
	ReplicationFactor int
	BlockSize         int64
	PacketSize        int64

	NamenodeBindAddress string
	NamenodeNameDir     string

	DatanodeCoordinatorEndpoint string
	DatanodeDataDir             string
	DatanodeDiskCheckInterval   time.Duration
}

// Load reads an INI file at path and overlays sensible defaults for any
// unset recognized key. A missing or malformed file is a ConfigError.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err, "loading %v", path)
	}

	c := &Config{
		ReplicationFactor:         DefaultReplicationFactor,
		BlockSize:                 DefaultBlockSize,
		PacketSize:                DefaultPacketSize,
		DatanodeDiskCheckInterval: DefaultDiskCheckInterval,
	}

	global := f.Section("")
	if k := global.Key("replication_factor"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, err, "replication_factor")
		}
		c.ReplicationFactor = v
	}
	if k := global.Key("block_size"); k.String() != "" {
		v, err := k.Int64()
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, err, "block_size")
		}
		c.BlockSize = v
	}
	if k := global.Key("packet_size"); k.String() != "" {
		v, err := k.Int64()
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, err, "packet_size")
		}
		c.PacketSize = v
	}

	nn := f.Section("namenode")
	c.NamenodeBindAddress = nn.Key("bind_address").String()
	c.NamenodeNameDir = nn.Key("name_dir").String()

	dn := f.Section("datanode")
	c.DatanodeCoordinatorEndpoint = dn.Key("coordinator_endpoint").String()
	c.DatanodeDataDir = dn.Key("data_dir").String()
	if k := dn.Key("disk_check_interval_ms"); k.String() != "" {
		ms, err := k.Int64()
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, err, "disk_check_interval_ms")
		}
		c.DatanodeDiskCheckInterval = time.Duration(ms) * time.Millisecond
	}

	return c, nil
}

// ValidateNamenode checks the fields a coordinator process needs.
func (c *Config) ValidateNamenode() error {
	if c.NamenodeBindAddress == "" {
		return errs.New(errs.ConfigError, "namenode.bind_address is required")
	}
	if c.NamenodeNameDir == "" {
		return errs.New(errs.ConfigError, "namenode.name_dir is required")
	}
	if c.ReplicationFactor < 1 {
		return errs.New(errs.ConfigError, "replication_factor must be >= 1")
	}
	return nil
}

// ValidateDatanode checks the fields a data service process needs.
func (c *Config) ValidateDatanode() error {
	if c.DatanodeCoordinatorEndpoint == "" {
		return errs.New(errs.ConfigError, "datanode.coordinator_endpoint is required")
	}
	if c.DatanodeDataDir == "" {
		return errs.New(errs.ConfigError, "datanode.data_dir is required")
	}
	return nil
}
