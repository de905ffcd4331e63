// Package rdma abstracts the one-sided transport the engine uses to reach
// peer PM. The real fabric is out of scope; what the rest of the system
// relies on is the opaque byte-channel contract below plus the certificate
// exchange that sets a channel up.
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

// Context is one established channel to a peer's memory. PostWrite and
// PostRead post one-sided operations against an address inside the peer's
// exposed region — the peer's virtual addresses, exactly what a remote
// pointer sign-extends to. PollCompletionOnce blocks until the oldest
// posted operation completes. The usage pattern throughout the core is
// synchronous: post, then poll, on the same worker.
type Context interface {
	PostWrite(buf []byte, remoteAddr uint64) error
	PostRead(buf []byte, remoteAddr uint64) error
	PollCompletionOnce() error
	Close() error
}

// Certificate is what two endpoints swap when establishing a channel:
// where the exposed region starts, how large it is, and the queue-pair
// identity. Fixed-size, little-endian on the wire.
type Certificate struct {
	BaseAddr uint64
	Size     uint64
	QPN      uint32
	PSN      uint32
	GID      [16]byte
}

const certWireSize = 8 + 8 + 4 + 4 + 16

func (c *Certificate) marshal() []byte {
	buf := make([]byte, certWireSize)
	binary.LittleEndian.PutUint64(buf[0:], c.BaseAddr)
	binary.LittleEndian.PutUint64(buf[8:], c.Size)
	binary.LittleEndian.PutUint32(buf[16:], c.QPN)
	binary.LittleEndian.PutUint32(buf[20:], c.PSN)
	copy(buf[24:], c.GID[:])
	return buf
}

func (c *Certificate) unmarshal(buf []byte) {
	c.BaseAddr = binary.LittleEndian.Uint64(buf[0:])
	c.Size = binary.LittleEndian.Uint64(buf[8:])
	c.QPN = binary.LittleEndian.Uint32(buf[16:])
	c.PSN = binary.LittleEndian.Uint32(buf[20:])
	copy(c.GID[:], buf[24:])
}

// ExchangeCertificates sends ours and receives the peer's over an already
// connected stream, in that order on the dialing side.
func ExchangeCertificates(conn net.Conn, ours *Certificate) (*Certificate, error) {
	if _, err := conn.Write(ours.marshal()); err != nil {
		return nil, errors.Wrap(err, "send certificate")
	}
	buf := make([]byte, certWireSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, errors.Wrap(err, "recv certificate")
	}
	theirs := &Certificate{}
	theirs.unmarshal(buf)
	return theirs, nil
}

// Device stands for the local HCA selected by configuration.
type Device struct {
	Name   string
	IBPort int
	GIDIdx int
}

func MakeDevice(name string, ibPort, gidIdx int) (*Device, error) {
	if name == "" {
		return nil, errors.New("rdma: empty device name")
	}
	return &Device{Name: name, IBPort: ibPort, GIDIdx: gidIdx}, nil
}

// MemContext is an in-process channel backed by a byte slice standing in
// for the peer's exposed region, addressed by the peer's base address. It
// keeps the post/poll discipline of the real thing and is what the tests
// use; the engine's channels are TCPContexts.
type MemContext struct {
	mtx        sync.Mutex
	region     []byte
	base       uint64
	completion []error
}

func NewMemContext(region []byte, base uint64) *MemContext {
	return &MemContext{region: region, base: base}
}

func (c *MemContext) PostWrite(buf []byte, remoteAddr uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	off := remoteAddr - c.base
	if remoteAddr < c.base || off+uint64(len(buf)) > uint64(len(c.region)) {
		c.completion = append(c.completion, errors.New("rdma: write past region end"))
		return nil
	}
	copy(c.region[off:], buf)
	c.completion = append(c.completion, nil)
	return nil
}

func (c *MemContext) PostRead(buf []byte, remoteAddr uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	off := remoteAddr - c.base
	if remoteAddr < c.base || off+uint64(len(buf)) > uint64(len(c.region)) {
		c.completion = append(c.completion, errors.New("rdma: read past region end"))
		return nil
	}
	copy(buf, c.region[off:])
	c.completion = append(c.completion, nil)
	return nil
}

func (c *MemContext) PollCompletionOnce() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.completion) == 0 {
		return errors.New("rdma: nothing posted")
	}
	err := c.completion[0]
	c.completion = c.completion[1:]
	return err
}

func (c *MemContext) Close() error { return nil }
