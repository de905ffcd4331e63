// Package cluster tracks node membership and the key-range partitioning,
// and keeps both fresh over the monitor heartbeat.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package cluster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/kvpair"
)

// IPV4Addr avoids dragging OS socket types into persisted metadata.
type IPV4Addr [4]byte

func MakeIPV4Addr(in string) (IPV4Addr, error) {
	var addr IPV4Addr
	parts := strings.Split(in, ".")
	if len(parts) != 4 {
		return addr, errors.Errorf("invalid ipv4 address %q", in)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return addr, errors.Errorf("invalid ipv4 address %q", in)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}

func (a IPV4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// NodeInfo is one node's slot in the cluster metadata; node ids start at
// 1, 0 is the monitor.
type NodeInfo struct {
	Version     uint64
	NodeID      int32
	TotalPM     uint64
	AvailablePM uint64
	CPUUsage    float32
	Addr        IPV4Addr
	Port        int32
	IsActive    bool
}

const nodeInfoWireSize = 8 + 4 + 8 + 8 + 4 + 4 + 4 + 1

// RangeInfo is one partition: ranges never overlap and Nodes[0] is the
// range's main server.
type RangeInfo struct {
	Version uint64
	Start   string
	Nodes   [cmn.MaxNode]uint8
	IsMem   [cmn.MaxNode]bool
}

// RangeGroup is reconstructible, so it lives in DRAM.
type RangeGroup struct {
	Infos []RangeInfo
}

// AddMain opens a new range starting at s, served by node.
func (g *RangeGroup) AddMain(s string, node int) {
	if !cmn.ValidNodeID(node) {
		log.Errorf("node %d cannot serve a range", node)
		return
	}
	for i := range g.Infos {
		if g.Infos[i].Start == s {
			log.Warnf("range %q already has a main server", s)
			return
		}
	}
	info := RangeInfo{Start: s}
	info.Nodes[0] = uint8(node)
	g.Infos = append(g.Infos, info)
}

// AppendNode adds a replica to the range starting at s.
func (g *RangeGroup) AppendNode(s string, node int, isMem bool) {
	if !cmn.ValidNodeID(node) {
		log.Errorf("node %d cannot serve a range", node)
		return
	}
	for i := range g.Infos {
		if g.Infos[i].Start == s {
			g.Infos[i].Nodes[node] = uint8(node)
			g.Infos[i].IsMem[node] = isMem
			return
		}
	}
	log.Errorf("no main server found for range %q", s)
}

func (g *RangeGroup) AppendCPU(s string, node int) { g.AppendNode(s, node, false) }
func (g *RangeGroup) AppendMem(s string, node int) { g.AppendNode(s, node, true) }

// ClusterMeta is the shared cluster view: guarded by a reader-writer lock,
// mutated only by monitor-driven merges.
type ClusterMeta struct {
	mtx     sync.RWMutex
	Version uint64
	NodeNum uint64
	Nodes   [cmn.MaxNode]NodeInfo
	Group   RangeGroup
}

// wire format, little-endian, packed:
//
//	version u64 | node_num u64 | nodes[64] | num_infos u64 |
//	per range: version u64 | key_len u64 | key | is_mem[64] | nodes[64]
func (m *ClusterMeta) TotalSize() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.totalSizeNoLock()
}

func (m *ClusterMeta) totalSizeNoLock() int {
	size := 8 + 8 + cmn.MaxNode*nodeInfoWireSize + 8
	for i := range m.Group.Infos {
		size += 8 + 8 + len(m.Group.Infos[i].Start) + cmn.MaxNode + cmn.MaxNode
	}
	return size
}

// Serialize snapshots the metadata into its wire form.
func (m *ClusterMeta) Serialize() []byte {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	buf := make([]byte, m.totalSizeNoLock())
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], m.Version)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.NodeNum)
	off += 8
	for i := range m.Nodes {
		off = putNodeInfo(buf, off, &m.Nodes[i])
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(m.Group.Infos)))
	off += 8
	for i := range m.Group.Infos {
		info := &m.Group.Infos[i]
		binary.LittleEndian.PutUint64(buf[off:], info.Version)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(info.Start)))
		off += 8
		off += copy(buf[off:], info.Start)
		for _, b := range info.IsMem {
			if b {
				buf[off] = 1
			}
			off++
		}
		off += copy(buf[off:], info.Nodes[:])
	}
	return buf
}

func putNodeInfo(buf []byte, off int, n *NodeInfo) int {
	binary.LittleEndian.PutUint64(buf[off:], n.Version)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.NodeID))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], n.TotalPM)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], n.AvailablePM)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(n.CPUUsage))
	off += 4
	copy(buf[off:], n.Addr[:])
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.Port))
	off += 4
	if n.IsActive {
		buf[off] = 1
	}
	return off + 1
}

func getNodeInfo(buf []byte, off int, n *NodeInfo) int {
	n.Version = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n.NodeID = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	n.TotalPM = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n.AvailablePM = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n.CPUUsage = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	copy(n.Addr[:], buf[off:off+4])
	off += 4
	n.Port = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	n.IsActive = buf[off] == 1
	return off + 1
}

// Deserialize replaces the metadata with the wire form in buf.
func (m *ClusterMeta) Deserialize(buf []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(buf) < 8+8+cmn.MaxNode*nodeInfoWireSize+8 {
		return errors.New("cluster meta: short buffer")
	}
	off := 0
	m.Version = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.NodeNum = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	for i := range m.Nodes {
		off = getNodeInfo(buf, off, &m.Nodes[i])
	}
	numInfos := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	infos := make([]RangeInfo, numInfos)
	for i := range infos {
		if len(buf) < off+16 {
			return errors.New("cluster meta: truncated range info")
		}
		infos[i].Version = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		keyLen := int(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		if len(buf) < off+keyLen+2*cmn.MaxNode {
			return errors.New("cluster meta: truncated range info")
		}
		infos[i].Start = string(buf[off : off+keyLen])
		off += keyLen
		for j := 0; j < cmn.MaxNode; j++ {
			infos[i].IsMem[j] = buf[off] == 1
			off++
		}
		off += copy(infos[i].Nodes[:], buf[off:off+cmn.MaxNode])
	}
	m.Group.Infos = infos
	return nil
}

// Update merges a newer view: each node slot and range adopts the incoming
// value iff its version is strictly greater; ties keep local.
func (m *ClusterMeta) Update(newer *ClusterMeta) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for i := range m.Nodes {
		if m.Nodes[i].Version < newer.Nodes[i].Version {
			m.Nodes[i] = newer.Nodes[i]
		}
	}
	// the order of ranges in a static group never changes
	for i := range newer.Group.Infos {
		if i >= len(m.Group.Infos) {
			m.Group.Infos = append(m.Group.Infos, newer.Group.Infos[i])
			continue
		}
		if m.Group.Infos[i].Version < newer.Group.Infos[i].Version {
			m.Group.Infos[i].Version = newer.Group.Infos[i].Version
			m.Group.Infos[i].Nodes = newer.Group.Infos[i].Nodes
			m.Group.Infos[i].IsMem = newer.Group.Infos[i].IsMem
		}
	}
	if m.Version < newer.Version {
		m.Version = newer.Version
	}
	if m.NodeNum < newer.NodeNum {
		m.NodeNum = newer.NodeNum
	}
}

// FilterNode returns the smallest range index whose start key is strictly
// greater than key, or the range count when no such range exists.
func (m *ClusterMeta) FilterNode(key []byte) int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for i := range m.Group.Infos {
		if kvpair.CompareBytes([]byte(m.Group.Infos[i].Start), key) > 0 {
			return i
		}
	}
	return len(m.Group.Infos)
}

// NodeForKey routes key to the main server of the range covering it; 0
// when the group is empty or the key precedes every range.
func (m *ClusterMeta) NodeForKey(key []byte) int {
	i := m.FilterNode(key)
	if i == 0 {
		return 0
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return int(m.Group.Infos[i-1].Nodes[0])
}

// NodeAddr returns the dialing address of node id, if known and active.
func (m *ClusterMeta) NodeAddr(id int) (string, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if int(n.NodeID) == id && n.IsActive {
			return fmt.Sprintf("%s:%d", n.Addr, n.Port), true
		}
	}
	return "", false
}
