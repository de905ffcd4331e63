// Package config reads the textual node and monitor configuration files.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package config

import (
	"testing"

	"github.com/Dicridon/hillstore/tools/tassert"
)

const nodeConf = `
node_id: 3
pmem_file: /mnt/pmem0/hill
total_pm: 17179869184
available_pm: 8589934592
addr: 127.0.0.1:2333
monitor: 10.0.0.1:2334
erpc_port: 31851
erpc_listen_port: 31852
rpc_uri: 127.0.0.1:31851
dev_name: mlx5_0
ib_port: 1
gid_idx: 2
`

func TestParseNodeConfig(t *testing.T) {
	c, err := Parse(nodeConf)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, c.NodeID == 3, "node_id %d", c.NodeID)
	tassert.Fatalf(t, c.PmemFile == "/mnt/pmem0/hill", "pmem_file %q", c.PmemFile)
	tassert.Fatalf(t, c.TotalPM == 17179869184, "total_pm %d", c.TotalPM)
	tassert.Fatalf(t, c.AvailablePM == 8589934592, "available_pm %d", c.AvailablePM)
	tassert.Fatalf(t, c.Addr == "127.0.0.1" && c.Port == 2333, "addr %s:%d", c.Addr, c.Port)
	tassert.Fatalf(t, c.MonitorAddr == "10.0.0.1" && c.MonitorPort == 2334,
		"monitor %s:%d", c.MonitorAddr, c.MonitorPort)
	tassert.Fatalf(t, c.ErpcPort == 31851, "erpc_port %d", c.ErpcPort)
	tassert.Fatalf(t, c.ErpcListenPort == 31852, "erpc_listen_port %d", c.ErpcListenPort)
	tassert.Fatalf(t, c.RPCUri == "127.0.0.1:31851", "rpc_uri %q", c.RPCUri)
	tassert.Fatalf(t, c.DevName == "mlx5_0", "dev_name %q", c.DevName)
	tassert.Fatalf(t, c.IBPort == 1 && c.GIDIdx == 2, "ib %d gid %d", c.IBPort, c.GIDIdx)
}

func TestParseMissingRequired(t *testing.T) {
	bad := []string{
		"addr: 1.2.3.4:1\nmonitor: 1.2.3.4:2\ntotal_pm: 1\navailable_pm: 1",           // no node_id
		"node_id: 1\nmonitor: 1.2.3.4:2\ntotal_pm: 1\navailable_pm: 1",               // no addr
		"node_id: 1\naddr: 1.2.3.4:1\ntotal_pm: 1\navailable_pm: 1",                  // no monitor
		"node_id: 1\naddr: 1.2.3.4:1\nmonitor: 1.2.3.4:2\navailable_pm: 1",           // no total_pm
		"node_id: 1\naddr: 1.2.3.4:1\nmonitor: 1.2.3.4:2\ntotal_pm: 1",               // no available_pm
	}
	for i, content := range bad {
		if _, err := Parse(content); err == nil {
			t.Fatalf("case %d parsed despite a missing field", i)
		}
	}
}

func TestParseOptionalDefaults(t *testing.T) {
	c, err := Parse("node_id: 1\naddr: 1.2.3.4:1\nmonitor: 1.2.3.4:2\ntotal_pm: 64\navailable_pm: 32")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, c.PmemFile == "", "pmem_file defaulted to %q", c.PmemFile)
	tassert.Fatalf(t, c.DevName == "", "dev_name defaulted to %q", c.DevName)
}

const monitorConf = `
addr: 127.0.0.1:2334
node_num: 2
range: a,1
range: m,2
`

func TestParseMonitorConfig(t *testing.T) {
	c, err := ParseMonitor(monitorConf)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, c.Addr == "127.0.0.1" && c.Port == 2334, "addr %s:%d", c.Addr, c.Port)
	tassert.Fatalf(t, c.NodeNum == 2, "node_num %d", c.NodeNum)
	tassert.Fatalf(t, len(c.Ranges) == 2, "ranges %d", len(c.Ranges))
	tassert.Fatalf(t, c.Ranges[0].Key == "a" && c.Ranges[0].NodeID == 1, "range 0 %+v", c.Ranges[0])
	tassert.Fatalf(t, c.Ranges[1].Key == "m" && c.Ranges[1].NodeID == 2, "range 1 %+v", c.Ranges[1])
}

func TestParseMonitorNoRanges(t *testing.T) {
	if _, err := ParseMonitor("addr: 1.2.3.4:1\nnode_num: 2"); err == nil {
		t.Fatal("monitor config without ranges parsed")
	}
}
