// Package store is the request-serving surface of one Hill server: the
// RPC codec, the handlers calling into the index, and the client that
// routes requests across the cluster.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package store

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/Dicridon/hillstore/kvpair"
)

// RPCOp is the first byte of every request.
type RPCOp uint8

const (
	// client ops
	OpInsert RPCOp = iota
	OpSearch
	OpUpdate
	OpRange

	// peer servers asking for memory
	OpCallForMemory

	OpUnknown
)

// RPCStatus is the first byte of every response.
type RPCStatus uint8

const (
	StatusOk RPCStatus = iota
	StatusNoMemory
	StatusFailed
)

// Request layouts, after the op byte:
//
//	Insert/Update: CompactString key | CompactString value
//	Search:        CompactString key
//	Range:         CompactString start | CompactString end
//	CallForMemory: nothing
//
// A CompactString travels as its in-PM form: a 2-byte {valid:1,length:15}
// header followed by the payload. Responses open with a status byte; a
// Search response carries a u64 size and the u64 value handle (a 0 size
// is a miss); a Range response carries a u64 count then (handle, size)
// pairs; a CallForMemory response carries the granted base and size.

func appendCompact(buf, payload []byte) []byte {
	var hdr [kvpair.HeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(payload))|1<<15)
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}

func splitCompact(buf []byte) (payload, rest []byte, err error) {
	if len(buf) < kvpair.HeaderSize {
		return nil, nil, errors.New("rpc: truncated string header")
	}
	hdr := binary.LittleEndian.Uint16(buf)
	if hdr>>15 != 1 {
		return nil, nil, errors.New("rpc: invalid string")
	}
	n := int(hdr & kvpair.MaxLength)
	if len(buf) < kvpair.HeaderSize+n {
		return nil, nil, errors.New("rpc: truncated string payload")
	}
	return buf[kvpair.HeaderSize : kvpair.HeaderSize+n], buf[kvpair.HeaderSize+n:], nil
}

// MarshalInsert encodes an Insert (or, with op, an Update) request.
func MarshalInsert(op RPCOp, key, value []byte) []byte {
	buf := make([]byte, 0, 1+2*kvpair.HeaderSize+len(key)+len(value))
	buf = append(buf, byte(op))
	buf = appendCompact(buf, key)
	return appendCompact(buf, value)
}

// MarshalSearch encodes a Search request.
func MarshalSearch(key []byte) []byte {
	buf := make([]byte, 0, 1+kvpair.HeaderSize+len(key))
	buf = append(buf, byte(OpSearch))
	return appendCompact(buf, key)
}

// MarshalRange encodes a Range request.
func MarshalRange(start, end []byte) []byte {
	buf := make([]byte, 0, 1+2*kvpair.HeaderSize+len(start)+len(end))
	buf = append(buf, byte(OpRange))
	buf = appendCompact(buf, start)
	return appendCompact(buf, end)
}

// MarshalCallForMemory encodes a peer's memory request.
func MarshalCallForMemory() []byte { return []byte{byte(OpCallForMemory)} }

// ParseRequest splits a request into its op and one or two strings.
func ParseRequest(buf []byte) (op RPCOp, key, value []byte, err error) {
	if len(buf) == 0 {
		return OpUnknown, nil, nil, errors.New("rpc: empty request")
	}
	op = RPCOp(buf[0])
	buf = buf[1:]
	switch op {
	case OpInsert, OpUpdate, OpRange:
		if key, buf, err = splitCompact(buf); err != nil {
			return
		}
		value, _, err = splitCompact(buf)
	case OpSearch:
		key, _, err = splitCompact(buf)
	case OpCallForMemory:
	default:
		err = errors.Errorf("rpc: unknown op %d", op)
	}
	return
}

// message framing: u32 length, then the message
func sendMsg(conn net.Conn, msg []byte) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(msg)))
	if _, err := conn.Write(size[:]); err != nil {
		return errors.Wrap(err, "send message size")
	}
	if _, err := conn.Write(msg); err != nil {
		return errors.Wrap(err, "send message")
	}
	return nil
}

func recvMsg(conn net.Conn) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(conn, size[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.LittleEndian.Uint32(size[:]))
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, errors.Wrap(err, "recv message")
	}
	return msg, nil
}
