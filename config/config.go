// Package config reads the textual node and monitor configuration files.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Recognized node options, one `key: value` per line:
//
//	node_id: 1
//	pmem_file: /mnt/pmem0/hill
//	total_pm: 17179869184
//	available_pm: 8589934592
//	addr: 127.0.0.1:2333
//	monitor: 127.0.0.1:2334
//	erpc_port: 31851
//	erpc_listen_port: 31852
//	rpc_uri: 127.0.0.1:31851
//	dev_name: mlx5_0
//	ib_port: 1
//	gid_idx: 2
type Config struct {
	NodeID         int
	PmemFile       string
	TotalPM        uint64
	AvailablePM    uint64
	Addr           string
	Port           int
	MonitorAddr    string
	MonitorPort    int
	ErpcPort       int
	ErpcListenPort int
	RPCUri         string
	DevName        string
	IBPort         int
	GIDIdx         int
}

var (
	reNodeID         = regexp.MustCompile(`node_id:\s*(\d+)`)
	rePmemFile       = regexp.MustCompile(`pmem_file:\s*(\S+)`)
	reTotalPM        = regexp.MustCompile(`total_pm:\s*(\d+)`)
	reAvailablePM    = regexp.MustCompile(`available_pm:\s*(\d+)`)
	reAddr           = regexp.MustCompile(`(?m)^addr:\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d+)`)
	reMonitor        = regexp.MustCompile(`monitor:\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d+)`)
	reErpcPort       = regexp.MustCompile(`(?m)^erpc_port:\s*(\d+)`)
	reErpcListenPort = regexp.MustCompile(`erpc_listen_port:\s*(\d+)`)
	reRPCUri         = regexp.MustCompile(`rpc_uri:\s*(\S+)`)
	reDevName        = regexp.MustCompile(`dev_name:\s*(\S+)`)
	reIBPort         = regexp.MustCompile(`ib_port:\s*(\d+)`)
	reGIDIdx         = regexp.MustCompile(`gid_idx:\s*(\d+)`)

	reNodeNum = regexp.MustCompile(`node_num:\s*(\d+)`)
	reRange   = regexp.MustCompile(`range:\s*(\S+)\s*,\s*(\d+)`)
)

// ParseFile reads and validates a node configuration.
func ParseFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(string(content))
}

// Parse validates a node configuration from its text.
func Parse(content string) (*Config, error) {
	c := &Config{}

	m := reNodeID.FindStringSubmatch(content)
	if m == nil {
		return nil, errors.New("invalid or unspecified node_id")
	}
	c.NodeID, _ = strconv.Atoi(m[1])

	if m = reTotalPM.FindStringSubmatch(content); m == nil {
		return nil, errors.New("invalid or unspecified total_pm")
	}
	c.TotalPM, _ = strconv.ParseUint(m[1], 10, 64)

	if m = reAvailablePM.FindStringSubmatch(content); m == nil {
		return nil, errors.New("invalid or unspecified available_pm")
	}
	c.AvailablePM, _ = strconv.ParseUint(m[1], 10, 64)

	if m = reAddr.FindStringSubmatch(content); m == nil {
		return nil, errors.New("invalid or unspecified addr")
	}
	c.Addr = m[1]
	c.Port, _ = strconv.Atoi(m[2])

	if m = reMonitor.FindStringSubmatch(content); m == nil {
		return nil, errors.New("invalid or unspecified monitor")
	}
	c.MonitorAddr = m[1]
	c.MonitorPort, _ = strconv.Atoi(m[2])

	// optional: absent pmem_file means a DRAM-backed region
	if m = rePmemFile.FindStringSubmatch(content); m != nil {
		c.PmemFile = m[1]
	}
	if m = reErpcPort.FindStringSubmatch(content); m != nil {
		c.ErpcPort, _ = strconv.Atoi(m[1])
	}
	if m = reErpcListenPort.FindStringSubmatch(content); m != nil {
		c.ErpcListenPort, _ = strconv.Atoi(m[1])
	}
	if m = reRPCUri.FindStringSubmatch(content); m != nil {
		c.RPCUri = m[1]
	}
	if m = reDevName.FindStringSubmatch(content); m != nil {
		c.DevName = m[1]
	}
	if m = reIBPort.FindStringSubmatch(content); m != nil {
		c.IBPort, _ = strconv.Atoi(m[1])
	}
	if m = reGIDIdx.FindStringSubmatch(content); m != nil {
		c.GIDIdx, _ = strconv.Atoi(m[1])
	}
	return c, nil
}

// RangeEntry assigns a range start key to its main server.
type RangeEntry struct {
	Key    string
	NodeID int
}

// MonitorConfig is what the monitor reads at startup: the expected node
// count and the static range group.
type MonitorConfig struct {
	Addr    string
	Port    int
	NodeNum int
	Ranges  []RangeEntry
}

// ParseMonitorFile reads and validates a monitor configuration.
func ParseMonitorFile(path string) (*MonitorConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read monitor config %s", path)
	}
	return ParseMonitor(string(content))
}

// ParseMonitor validates a monitor configuration from its text.
func ParseMonitor(content string) (*MonitorConfig, error) {
	c := &MonitorConfig{}

	m := reAddr.FindStringSubmatch(content)
	if m == nil {
		return nil, errors.New("invalid or unspecified addr")
	}
	c.Addr = m[1]
	c.Port, _ = strconv.Atoi(m[2])

	if m = reNodeNum.FindStringSubmatch(content); m == nil {
		return nil, errors.New("invalid or unspecified node_num")
	}
	c.NodeNum, _ = strconv.Atoi(m[1])

	for _, line := range strings.Split(content, "\n") {
		m := reRange.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[2])
		c.Ranges = append(c.Ranges, RangeEntry{Key: m[1], NodeID: id})
	}
	if len(c.Ranges) == 0 {
		return nil, errors.New("no ranges configured")
	}
	return c, nil
}
