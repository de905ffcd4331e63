// Package store is the request-serving surface of one Hill server.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package store

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/engine"
	"github.com/Dicridon/hillstore/kvpair"
	"github.com/Dicridon/hillstore/memory"
)

// ErrNotFound is a clean miss: the server answered, the key is absent.
var ErrNotFound = errors.New("key not found")

// Client routes each request to the server responsible for the key's
// range and dereferences value handles over one-sided reads.
type Client struct {
	ec    *engine.Client
	conns [cmn.WorkerNum][cmn.MaxNode]net.Conn
}

func MakeClient(cfg *config.Config) (*Client, error) {
	ec, err := engine.MakeClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{ec: ec}, nil
}

// Launch fetches the routing table from the monitor.
func (c *Client) Launch() error { return c.ec.ConnectMonitor() }

func (c *Client) RegisterWorker() (int, error) { return c.ec.RegisterWorker() }

func (c *Client) UnregisterWorker(tid int) {
	c.ec.UnregisterWorker(tid)
	for node, conn := range c.conns[tid] {
		if conn != nil {
			conn.Close()
			c.conns[tid][node] = nil
		}
	}
}

// rpcConn lazily dials the RPC port of node for this worker. A server's
// RPC listener sits one port above its engine wire port.
func (c *Client) rpcConn(tid, node int) (net.Conn, error) {
	if conn := c.conns[tid][node]; conn != nil {
		return conn, nil
	}
	addr, ok := c.ec.Meta().NodeAddr(node)
	if !ok {
		return nil, errors.Errorf("node %d is not active", node)
	}
	conn, err := net.Dial("tcp", bumpPort(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %d", node)
	}
	c.conns[tid][node] = conn
	return conn, nil
}

func (c *Client) call(tid int, key, req []byte) ([]byte, error) {
	node := c.ec.Meta().NodeForKey(key)
	if node == 0 {
		return nil, errors.Errorf("no range covers key %q", key)
	}
	conn, err := c.rpcConn(tid, node)
	if err != nil {
		return nil, err
	}
	if err := sendMsg(conn, req); err != nil {
		return nil, err
	}
	resp, err := recvMsg(conn)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response")
	}
	return resp, nil
}

// Insert stores (key, value) on the owning server.
func (c *Client) Insert(tid int, key, value []byte) (RPCStatus, error) {
	resp, err := c.call(tid, key, MarshalInsert(OpInsert, key, value))
	if err != nil {
		return StatusFailed, err
	}
	return RPCStatus(resp[0]), nil
}

// Update replaces key's value on the owning server.
func (c *Client) Update(tid int, key, value []byte) (RPCStatus, error) {
	resp, err := c.call(tid, key, MarshalInsert(OpUpdate, key, value))
	if err != nil {
		return StatusFailed, err
	}
	return RPCStatus(resp[0]), nil
}

// Search returns the durable handle and size of key's value; a zero size
// is a miss.
func (c *Client) Search(tid int, key []byte) (memory.PolymorphicPointer, uint64, error) {
	resp, err := c.call(tid, key, MarshalSearch(key))
	if err != nil {
		return 0, 0, err
	}
	if RPCStatus(resp[0]) != StatusOk || len(resp) < 17 {
		return 0, 0, errors.New("search failed")
	}
	size := binary.LittleEndian.Uint64(resp[1:])
	ptr := memory.PolymorphicPointer(binary.LittleEndian.Uint64(resp[9:]))
	return ptr, size, nil
}

// Get searches key and dereferences the handle over the one-sided channel
// to whichever node actually holds the bytes.
func (c *Client) Get(tid int, key []byte) ([]byte, error) {
	home := c.ec.Meta().NodeForKey(key)
	ptr, size, err := c.Search(tid, key)
	if err != nil {
		return nil, err
	}
	if size == 0 || ptr.IsNull() {
		return nil, ErrNotFound
	}

	node := home
	if ptr.IsRemote() {
		node = ptr.NodeID()
	}
	if err := c.ec.ConnectServer(tid, node); err != nil {
		return nil, err
	}
	buf, err := c.ec.ReadFrom(tid, node, ptr.AsAddress(), size)
	if err != nil {
		return nil, err
	}
	if len(buf) < kvpair.HeaderSize {
		return nil, errors.New("short value")
	}
	n := int(binary.LittleEndian.Uint16(buf) & kvpair.MaxLength)
	if kvpair.HeaderSize+n > len(buf) {
		return nil, errors.New("corrupt value header")
	}
	return buf[kvpair.HeaderSize : kvpair.HeaderSize+n], nil
}

// Range lists the (handle, size) pairs for keys in [start, end] from the
// server owning start.
func (c *Client) Range(tid int, start, end []byte) ([]memory.PolymorphicPointer, []uint64, error) {
	resp, err := c.call(tid, start, MarshalRange(start, end))
	if err != nil {
		return nil, nil, err
	}
	if RPCStatus(resp[0]) != StatusOk || len(resp) < 9 {
		return nil, nil, errors.New("range failed")
	}
	count := int(binary.LittleEndian.Uint64(resp[1:]))
	if len(resp) < 9+16*count {
		return nil, nil, errors.New("truncated range response")
	}
	var (
		ptrs  = make([]memory.PolymorphicPointer, count)
		sizes = make([]uint64, count)
		off   = 9
	)
	for i := 0; i < count; i++ {
		ptrs[i] = memory.PolymorphicPointer(binary.LittleEndian.Uint64(resp[off:]))
		sizes[i] = binary.LittleEndian.Uint64(resp[off+8:])
		off += 16
	}
	return ptrs, sizes, nil
}

// bumpPort turns an engine wire address into its RPC address.
func bumpPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	n, _ := strconv.Atoi(port)
	return net.JoinHostPort(host, strconv.Itoa(n+1))
}
