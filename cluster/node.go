// Package cluster tracks node membership and the key-range partitioning.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package cluster

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicridon/hillstore/config"
)

const heartbeatInterval = time.Second

// Node maintains this server's heartbeat with the monitor and keeps the
// local cluster view fresh. Resource tracking is the engine's business;
// Node only reports it.
type Node struct {
	NodeID      int
	TotalPM     uint64
	AvailablePM uint64
	CPUUsage    float32
	Addr        IPV4Addr
	Port        int
	RPCUri      string

	MonitorAddr IPV4Addr
	MonitorPort int

	ClusterStatus ClusterMeta

	run  atomic.Bool
	conn net.Conn
}

// MakeNode builds a node from its parsed configuration.
func MakeNode(cfg *config.Config) (*Node, error) {
	addr, err := MakeIPV4Addr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	monitor, err := MakeIPV4Addr(cfg.MonitorAddr)
	if err != nil {
		return nil, err
	}
	return &Node{
		NodeID:      cfg.NodeID,
		TotalPM:     cfg.TotalPM,
		AvailablePM: cfg.AvailablePM,
		Addr:        addr,
		Port:        cfg.Port,
		RPCUri:      cfg.RPCUri,
		MonitorAddr: monitor,
		MonitorPort: cfg.MonitorPort,
	}, nil
}

// Launch connects to the monitor, adopts the initial cluster view and
// starts the keepalive loop in the background.
func (n *Node) Launch() error {
	conn, err := n.dialMonitor()
	if err != nil {
		return err
	}
	if err := n.adoptInitialMeta(conn); err != nil {
		conn.Close()
		return err
	}
	n.conn = conn
	n.run.Store(true)
	go n.keepaliveLoop()
	return nil
}

func (n *Node) Stop() {
	n.run.Store(false)
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *Node) dialMonitor() (net.Conn, error) {
	var (
		conn net.Conn
		addr = n.MonitorAddr.String() + ":" + strconv.Itoa(n.MonitorPort)
	)
	operation := func() (err error) {
		conn, err = net.DialTimeout("tcp", addr, 3*time.Second)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Wrapf(err, "connect monitor %s", addr)
	}
	return conn, nil
}

// the monitor leads with the full cluster view; the node then claims its
// slot with a bumped version
func (n *Node) adoptInitialMeta(conn net.Conn) error {
	if err := recvMeta(conn, &n.ClusterStatus); err != nil {
		return err
	}
	n.updateOwnSlot()
	return nil
}

func (n *Node) updateOwnSlot() {
	m := &n.ClusterStatus
	m.mtx.Lock()
	defer m.mtx.Unlock()
	slot := &m.Nodes[n.NodeID]
	slot.Version++
	slot.NodeID = int32(n.NodeID)
	slot.TotalPM = n.TotalPM
	slot.AvailablePM = n.AvailablePM
	slot.CPUUsage = n.CPUUsage
	slot.Addr = n.Addr
	slot.Port = int32(n.Port)
	slot.IsActive = true
}

func (n *Node) keepaliveLoop() {
	for n.run.Load() {
		if err := n.keepalive(); err != nil {
			if !n.run.Load() {
				return
			}
			log.Warnf("heartbeat lost: %v; reconnecting", err)
			conn, err := n.dialMonitor()
			if err != nil {
				log.Errorf("monitor unreachable: %v", err)
				return
			}
			n.conn.Close()
			n.conn = conn
			if err := n.adoptInitialMeta(conn); err != nil {
				log.Errorf("bad initial meta: %v", err)
				return
			}
		}
		time.Sleep(heartbeatInterval)
	}
}

// one heartbeat round trip: send ours, receive the monitor's, merge
func (n *Node) keepalive() error {
	n.updateOwnSlot()
	if err := sendMeta(n.conn, &n.ClusterStatus); err != nil {
		return err
	}
	var incoming ClusterMeta
	if err := recvMeta(n.conn, &incoming); err != nil {
		return err
	}
	n.ClusterStatus.Update(&incoming)
	return nil
}

// Dump renders the node's cluster view for introspection endpoints.
func (n *Node) Dump() []byte {
	n.ClusterStatus.mtx.RLock()
	defer n.ClusterStatus.mtx.RUnlock()
	out, err := jsoniter.MarshalIndent(struct {
		NodeID  int
		Version uint64
		NodeNum uint64
		Nodes   []NodeInfo
		Ranges  []RangeInfo
	}{
		NodeID:  n.NodeID,
		Version: n.ClusterStatus.Version,
		NodeNum: n.ClusterStatus.NodeNum,
		Nodes:   activeNodes(&n.ClusterStatus),
		Ranges:  n.ClusterStatus.Group.Infos,
	}, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return out
}

func activeNodes(m *ClusterMeta) []NodeInfo {
	var out []NodeInfo
	for i := range m.Nodes {
		if m.Nodes[i].NodeID != 0 {
			out = append(out, m.Nodes[i])
		}
	}
	return out
}

// FetchMeta grabs the monitor's current cluster view once, the way a
// client (which never heartbeats) learns the routing table.
func FetchMeta(monitorAddr string) (*ClusterMeta, error) {
	conn, err := net.DialTimeout("tcp", monitorAddr, 3*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "connect monitor %s", monitorAddr)
	}
	defer conn.Close()
	meta := &ClusterMeta{}
	if err := recvMeta(conn, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// size-prefixed meta framing shared by both heartbeat ends
func sendMeta(conn net.Conn, m *ClusterMeta) error {
	buf := m.Serialize()
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(buf)))
	if _, err := conn.Write(size[:]); err != nil {
		return errors.Wrap(err, "send meta size")
	}
	if _, err := conn.Write(buf); err != nil {
		return errors.Wrap(err, "send meta")
	}
	return nil
}

func recvMeta(conn net.Conn, m *ClusterMeta) error {
	var size [8]byte
	if _, err := io.ReadFull(conn, size[:]); err != nil {
		return errors.Wrap(err, "recv meta size")
	}
	buf := make([]byte, binary.LittleEndian.Uint64(size[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return errors.Wrap(err, "recv meta")
	}
	return m.Deserialize(buf)
}
