// Package engine wires one node's PM resources together.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package engine

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Dicridon/hillstore/cluster"
	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/rdma"
)

// Client is the engine-side identity of a store client: it learns the
// routing table from the monitor and holds per-worker channels for
// one-sided reads of server PM.
type Client struct {
	monitorAddr string
	rpcURI      string
	device      *rdma.Device

	meta  *cluster.ClusterMeta
	conns [cmn.WorkerNum][cmn.MaxNode]rdma.Context
	inUse [cmn.WorkerNum]bool
}

func MakeClient(cfg *config.Config) (*Client, error) {
	c := &Client{
		monitorAddr: cfg.MonitorAddr + ":" + strconv.Itoa(cfg.MonitorPort),
		rpcURI:      cfg.RPCUri,
	}
	if cfg.DevName != "" {
		device, err := rdma.MakeDevice(cfg.DevName, cfg.IBPort, cfg.GIDIdx)
		if err != nil {
			return nil, err
		}
		c.device = device
	}
	return c, nil
}

// ConnectMonitor fetches the cluster view used for routing.
func (c *Client) ConnectMonitor() error {
	meta, err := cluster.FetchMeta(c.monitorAddr)
	if err != nil {
		return err
	}
	c.meta = meta
	return nil
}

func (c *Client) Meta() *cluster.ClusterMeta { return c.meta }

// RegisterWorker claims a client-side worker slot.
func (c *Client) RegisterWorker() (int, error) {
	for i := range c.inUse {
		if !c.inUse[i] {
			c.inUse[i] = true
			return i, nil
		}
	}
	return -1, cmn.ErrNoSlot
}

func (c *Client) UnregisterWorker(tid int) {
	if tid < 0 || tid >= cmn.WorkerNum {
		return
	}
	c.inUse[tid] = false
	for node, conn := range c.conns[tid] {
		if conn != nil {
			conn.Close()
			c.conns[tid][node] = nil
		}
	}
}

func (c *Client) IsConnected(tid, node int) bool { return c.conns[tid][node] != nil }

// ConnectServer opens the worker's read channel to node, identifying as a
// client on the engine wire.
func (c *Client) ConnectServer(tid, node int) error {
	if c.IsConnected(tid, node) {
		return nil
	}
	addr, ok := c.meta.NodeAddr(node)
	if !ok {
		return errors.Errorf("node %d is not active", node)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial server %d", node)
	}
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], cmn.ClientID)
	if _, err := conn.Write(id[:]); err != nil {
		conn.Close()
		return errors.Wrap(err, "send client id")
	}
	if _, err := rdma.ExchangeCertificates(conn, &rdma.Certificate{}); err != nil {
		conn.Close()
		return err
	}
	c.conns[tid][node] = rdma.NewTCPContext(conn)
	return nil
}

// ReadFrom performs one durably-completed one-sided read of server PM.
func (c *Client) ReadFrom(tid, node int, remoteAddr, size uint64) ([]byte, error) {
	conn := c.conns[tid][node]
	if conn == nil {
		return nil, errors.Errorf("no channel to node %d", node)
	}
	buf := make([]byte, size)
	if err := conn.PostRead(buf, remoteAddr); err != nil {
		return nil, err
	}
	if err := conn.PollCompletionOnce(); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteTo performs one durably-transmitted one-sided write of server PM.
func (c *Client) WriteTo(tid, node int, remoteAddr uint64, msg []byte) error {
	conn := c.conns[tid][node]
	if conn == nil {
		return errors.Errorf("no channel to node %d", node)
	}
	if err := conn.PostWrite(msg, remoteAddr); err != nil {
		return err
	}
	return conn.PollCompletionOnce()
}
