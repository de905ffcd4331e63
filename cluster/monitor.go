// Package cluster tracks node membership and the key-range partitioning.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package cluster

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicridon/hillstore/config"
)

// Monitor is the cluster's resource bookkeeper: it accepts node
// heartbeats and keeps the authoritative ClusterMeta. The range group is
// static for the lifetime of the deployment.
type Monitor struct {
	meta ClusterMeta
	addr IPV4Addr
	port int

	run      atomic.Bool
	listener net.Listener
}

// MakeMonitor builds a monitor from its parsed configuration; it holds
// the latest range group from the start, so every range begins at
// version 1.
func MakeMonitor(cfg *config.MonitorConfig) (*Monitor, error) {
	addr, err := MakeIPV4Addr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	m := &Monitor{addr: addr, port: cfg.Port}
	m.meta.NodeNum = uint64(cfg.NodeNum)
	for _, r := range cfg.Ranges {
		m.meta.Group.AddMain(r.Key, r.NodeID)
	}
	for i := range m.meta.Group.Infos {
		m.meta.Group.Infos[i].Version = 1
	}
	return m, nil
}

// Launch starts accepting node and client connections.
func (m *Monitor) Launch() error {
	l, err := net.Listen("tcp", m.addr.String()+":"+strconv.Itoa(m.port))
	if err != nil {
		return errors.Wrap(err, "monitor listen")
	}
	m.listener = l
	m.run.Store(true)
	go m.acceptLoop()
	return nil
}

func (m *Monitor) Stop() {
	m.run.Store(false)
	if m.listener != nil {
		m.listener.Close()
	}
}

// Meta exposes the authoritative view.
func (m *Monitor) Meta() *ClusterMeta { return &m.meta }

func (m *Monitor) acceptLoop() {
	for m.run.Load() {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.run.Load() {
				log.Errorf("monitor accept: %v", err)
			}
			return
		}
		go m.serve(conn)
	}
}

// serve leads with the full view, then answers heartbeats until the peer
// goes away.
func (m *Monitor) serve(conn net.Conn) {
	defer conn.Close()
	if err := sendMeta(conn, &m.meta); err != nil {
		log.Warnf("monitor: initial meta: %v", err)
		return
	}
	for m.run.Load() {
		var incoming ClusterMeta
		if err := recvMeta(conn, &incoming); err != nil {
			return
		}
		m.meta.Update(&incoming)
		m.bumpVersion()
		if err := sendMeta(conn, &m.meta); err != nil {
			return
		}
	}
}

func (m *Monitor) bumpVersion() {
	m.meta.mtx.Lock()
	m.meta.Version++
	m.meta.mtx.Unlock()
}
