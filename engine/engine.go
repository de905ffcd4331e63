// Package engine wires one node's PM resources together: the mapped
// region, the WAL, the allocator, the remote memory agent, the peer
// channels and the monitor heartbeat. Engine stands for working nodes
// only — the monitor is a server too, but not an engine.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package engine

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicridon/hillstore/cluster"
	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/memory"
	"github.com/Dicridon/hillstore/rdma"
	"github.com/Dicridon/hillstore/wal"
)

// GrantRegionSize is how much PM one accepted peer channel is granted to
// place values in.
const GrantRegionSize = 64 * cmn.MiB

// The PM region is laid out as
//
//	|----------------------------|
//	|    per-worker WAL regions  |
//	|----------------------------|
//	|     remote memory agent    |
//	|----------------------------|
//	|   allocator header + heap  |
//	|----------------------------|
//	|     peer grant area        |
//	|----------------------------|
type Engine struct {
	Node *cluster.Node

	region *memory.Region
	logger *wal.Logger
	alloc  *memory.Allocator
	agent  *memory.RemoteMemoryAgent
	peers  memory.PeerConnections

	device   *rdma.Device
	listener net.Listener
	run      atomic.Bool

	grantMtx    sync.Mutex
	grantCursor uint64
	grantEnd    uint64
}

// MakeEngine maps the PM per the configuration and recovers (or formats)
// every PM-resident subsystem, in layout order.
func MakeEngine(cfg *config.Config) (*Engine, error) {
	node, err := cluster.MakeNode(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{Node: node}

	if cfg.PmemFile == "" {
		log.Infoln("pmem is not specified, using DRAM instead")
		e.region = memory.NewDRAM(cfg.AvailablePM)
	} else {
		e.region, err = memory.MapFile(cfg.PmemFile, cfg.AvailablePM)
		if err != nil {
			return nil, err
		}
		log.Infof("%.2fGB pmem mapped at %#x", float64(cfg.AvailablePM)/cmn.GiB, e.region.Base())
	}

	var (
		base   = e.region.Base()
		offset = uint64(0)
		freed  [][]uint64
	)
	e.logger, freed = wal.RecoverLogger(base)
	offset += wal.RegionsSize

	e.agent = memory.MakeAgent(base+offset, &e.peers)
	offset += memory.AgentSize
	offset = (offset + 7) &^ 7

	grant := uint64(GrantRegionSize)
	if cfg.AvailablePM < 4*grant {
		grant = cfg.AvailablePM / 4
	}
	if cfg.AvailablePM < offset+grant+16*memory.PageSize {
		return nil, errors.Errorf("available_pm %d leaves no room for the heap", cfg.AvailablePM)
	}
	allocSize := cfg.AvailablePM - offset - grant
	e.alloc, err = memory.RecoverAllocator(base+offset, allocSize)
	if err != nil {
		return nil, err
	}
	for id, pages := range freed {
		e.alloc.LinkFreePages(id, pages)
	}
	e.grantCursor = base + offset + allocSize
	e.grantEnd = base + cfg.AvailablePM

	if cfg.DevName != "" {
		e.device, err = rdma.MakeDevice(cfg.DevName, cfg.IBPort, cfg.GIDIdx)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Launch connects the monitor heartbeat and starts accepting peer
// channels on the engine wire port.
func (e *Engine) Launch() error {
	if err := e.Node.Launch(); err != nil {
		return err
	}
	l, err := net.Listen("tcp", e.Node.Addr.String()+":"+strconv.Itoa(e.Node.Port))
	if err != nil {
		return errors.Wrap(err, "engine listen")
	}
	e.listener = l
	e.run.Store(true)
	go e.acceptLoop()
	return nil
}

func (e *Engine) Stop() {
	e.run.Store(false)
	if e.listener != nil {
		e.listener.Close()
	}
	e.Node.Stop()
	if err := e.region.Sync(); err != nil {
		log.Warnf("pmem sync on stop: %v", err)
	}
}

func (e *Engine) Logger() *wal.Logger              { return e.logger }
func (e *Engine) Allocator() *memory.Allocator     { return e.alloc }
func (e *Engine) Agent() *memory.RemoteMemoryAgent { return e.agent }
func (e *Engine) Region() *memory.Region           { return e.region }

// RegisterWorker claims matching allocator and WAL slots.
func (e *Engine) RegisterWorker() (int, error) {
	atid, err := e.alloc.RegisterWorker()
	if err != nil {
		return -1, err
	}
	ltid, err := e.logger.RegisterWorker()
	if err != nil {
		e.alloc.UnregisterWorker(atid)
		return -1, err
	}
	if atid != ltid {
		e.alloc.UnregisterWorker(atid)
		e.logger.UnregisterWorker(ltid)
		return -1, errors.New("allocator and logger worker slots diverge")
	}
	return atid, nil
}

func (e *Engine) UnregisterWorker(tid int) {
	e.logger.UnregisterWorker(tid)
	e.alloc.UnregisterWorker(tid)
}

// ServerConnected reports whether the worker already holds a channel to
// node.
func (e *Engine) ServerConnected(tid, node int) bool {
	return e.peers[tid][node] != nil
}

// ConnectServer establishes the worker's channel to a peer server: dial
// its engine port, identify, swap certificates, and ring the granted
// region into the agent.
func (e *Engine) ConnectServer(tid, node int) error {
	if e.ServerConnected(tid, node) {
		return nil
	}
	addr, ok := e.Node.ClusterStatus.NodeAddr(node)
	if !ok {
		return errors.Errorf("node %d is not active", node)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial peer %d", node)
	}

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], uint32(e.Node.NodeID))
	if _, err := conn.Write(id[:]); err != nil {
		conn.Close()
		return errors.Wrap(err, "send node id")
	}
	ours := &rdma.Certificate{BaseAddr: e.region.Base(), Size: e.region.Size()}
	theirs, err := rdma.ExchangeCertificates(conn, ours)
	if err != nil {
		conn.Close()
		return err
	}

	ctx := rdma.NewTCPContext(conn)
	e.peers[tid][node] = ctx
	e.agent.SetPeerConnection(tid, node, ctx)
	if theirs.Size > 0 {
		e.agent.AddRegion(tid, memory.MakeRemotePointer(node, theirs.BaseAddr))
	}
	return nil
}

func (e *Engine) acceptLoop() {
	for e.run.Load() {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.run.Load() {
				log.Errorf("engine accept: %v", err)
			}
			return
		}
		go e.servePeer(conn)
	}
}

// servePeer runs one accepted channel: read the 4-byte peer id, swap
// certificates (servers get a grant region, clients see the whole region
// for reads), then service one-sided operations until the peer leaves.
func (e *Engine) servePeer(conn net.Conn) {
	defer conn.Close()
	var id [4]byte
	if _, err := io.ReadFull(conn, id[:]); err != nil {
		log.Warnf("peer handshake: %v", err)
		return
	}
	peer := int(binary.LittleEndian.Uint32(id[:]))

	ours := &rdma.Certificate{BaseAddr: e.region.Base(), Size: e.region.Size()}
	if peer != cmn.ClientID {
		base, size := e.GrantRegion()
		ours = &rdma.Certificate{BaseAddr: base, Size: size}
	}
	if _, err := rdma.ExchangeCertificates(conn, ours); err != nil {
		log.Warnf("peer %d certificate exchange: %v", peer, err)
		return
	}
	if err := rdma.Expose(conn, e.region.Bytes(), e.region.Base()); err != nil {
		log.Warnf("peer %d channel: %v", peer, err)
	}
}

// GrantRegion carves the next slice of the grant area; a zero size means
// the area is exhausted.
func (e *Engine) GrantRegion() (base, size uint64) {
	e.grantMtx.Lock()
	defer e.grantMtx.Unlock()
	if e.grantCursor >= e.grantEnd {
		return 0, 0
	}
	base = e.grantCursor
	size = e.grantEnd - e.grantCursor
	if size > GrantRegionSize {
		size = GrantRegionSize
	}
	e.grantCursor += size
	return base, size
}
