// Package rdma abstracts the one-sided transport the engine uses to reach
// peer PM.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package rdma

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// TCP emulation of the one-sided verbs. Each posted operation becomes one
// framed request serviced by the peer's exposer goroutine; completions are
// the peer's acks, drained by PollCompletionOnce in post order.
//
//	request:  op u8 | remote addr u64 | length u64 | payload (writes only)
//	response: status u8 | payload (reads only)
const (
	opWrite = uint8(0)
	opRead  = uint8(1)

	ackOk     = uint8(0)
	ackFailed = uint8(1)
)

// TCPContext implements Context over a connected stream.
type TCPContext struct {
	mtx     sync.Mutex
	conn    net.Conn
	pending []pendingOp
}

type pendingOp struct {
	read bool
	buf  []byte
}

func NewTCPContext(conn net.Conn) *TCPContext {
	return &TCPContext{conn: conn}
}

func (c *TCPContext) PostWrite(buf []byte, remoteAddr uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	hdr := make([]byte, 17)
	hdr[0] = opWrite
	binary.LittleEndian.PutUint64(hdr[1:], remoteAddr)
	binary.LittleEndian.PutUint64(hdr[9:], uint64(len(buf)))
	if _, err := c.conn.Write(hdr); err != nil {
		return errors.Wrap(err, "post write")
	}
	if _, err := c.conn.Write(buf); err != nil {
		return errors.Wrap(err, "post write payload")
	}
	c.pending = append(c.pending, pendingOp{})
	return nil
}

func (c *TCPContext) PostRead(buf []byte, remoteAddr uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	hdr := make([]byte, 17)
	hdr[0] = opRead
	binary.LittleEndian.PutUint64(hdr[1:], remoteAddr)
	binary.LittleEndian.PutUint64(hdr[9:], uint64(len(buf)))
	if _, err := c.conn.Write(hdr); err != nil {
		return errors.Wrap(err, "post read")
	}
	c.pending = append(c.pending, pendingOp{read: true, buf: buf})
	return nil
}

func (c *TCPContext) PollCompletionOnce() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.pending) == 0 {
		return errors.New("rdma: nothing posted")
	}
	op := c.pending[0]
	c.pending = c.pending[1:]

	status := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, status); err != nil {
		return errors.Wrap(err, "poll completion")
	}
	if status[0] != ackOk {
		return errors.New("rdma: remote operation failed")
	}
	if op.read {
		if _, err := io.ReadFull(c.conn, op.buf); err != nil {
			return errors.Wrap(err, "poll read payload")
		}
	}
	return nil
}

func (c *TCPContext) Close() error { return c.conn.Close() }

// Expose services one peer's one-sided operations against region until the
// stream closes. Requests address the region by this node's virtual
// addresses, base being the region's start. Run on its own goroutine by
// the engine for every accepted peer channel.
func Expose(conn net.Conn, region []byte, base uint64) error {
	hdr := make([]byte, 17)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "expose: read request")
		}
		var (
			op     = hdr[0]
			addr   = binary.LittleEndian.Uint64(hdr[1:])
			length = binary.LittleEndian.Uint64(hdr[9:])
			off    = addr - base
		)
		inBounds := addr >= base && off+length <= uint64(len(region))
		switch op {
		case opWrite:
			payload := make([]byte, length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return errors.Wrap(err, "expose: read payload")
			}
			if !inBounds {
				if _, err := conn.Write([]byte{ackFailed}); err != nil {
					return err
				}
				continue
			}
			copy(region[off:], payload)
			if _, err := conn.Write([]byte{ackOk}); err != nil {
				return err
			}
		case opRead:
			if !inBounds {
				if _, err := conn.Write([]byte{ackFailed}); err != nil {
					return err
				}
				continue
			}
			if _, err := conn.Write([]byte{ackOk}); err != nil {
				return err
			}
			if _, err := conn.Write(region[off : off+length]); err != nil {
				return err
			}
		default:
			return errors.Errorf("expose: unknown op %d", op)
		}
	}
}
