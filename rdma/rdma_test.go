// Package rdma abstracts the one-sided transport.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package rdma

import (
	"bytes"
	"net"
	"testing"

	"github.com/Dicridon/hillstore/tools/tassert"
)

func TestMemContextWriteRead(t *testing.T) {
	var (
		region = make([]byte, 4096)
		base   = uint64(0x10000)
		ctx    = NewMemContext(region, base)
	)
	msg := []byte("one-sided")
	tassert.CheckFatal(t, ctx.PostWrite(msg, base+128))
	tassert.CheckFatal(t, ctx.PollCompletionOnce())
	tassert.Fatal(t, bytes.Equal(region[128:128+len(msg)], msg), "write did not land")

	buf := make([]byte, len(msg))
	tassert.CheckFatal(t, ctx.PostRead(buf, base+128))
	tassert.CheckFatal(t, ctx.PollCompletionOnce())
	tassert.Fatal(t, bytes.Equal(buf, msg), "read returned wrong bytes")

	// out-of-bounds completes with an error, like a remote NAK
	tassert.CheckFatal(t, ctx.PostWrite(msg, base+uint64(len(region))))
	if err := ctx.PollCompletionOnce(); err == nil {
		t.Fatal("out-of-bounds write completed cleanly")
	}
}

func TestPollWithoutPost(t *testing.T) {
	ctx := NewMemContext(make([]byte, 16), 0)
	if err := ctx.PollCompletionOnce(); err == nil {
		t.Fatal("poll with nothing posted succeeded")
	}
}

func TestTCPContextAgainstExposer(t *testing.T) {
	var (
		region = make([]byte, 8192)
		base   = uint64(0x4000)
	)
	server, client := net.Pipe()
	go Expose(server, region, base)
	defer server.Close()

	ctx := NewTCPContext(client)
	defer ctx.Close()

	msg := []byte("over the wire")
	tassert.CheckFatal(t, ctx.PostWrite(msg, base+256))
	tassert.CheckFatal(t, ctx.PollCompletionOnce())
	tassert.Fatal(t, bytes.Equal(region[256:256+len(msg)], msg), "write did not land")

	buf := make([]byte, len(msg))
	tassert.CheckFatal(t, ctx.PostRead(buf, base+256))
	tassert.CheckFatal(t, ctx.PollCompletionOnce())
	tassert.Fatal(t, bytes.Equal(buf, msg), "read returned wrong bytes")

	tassert.CheckFatal(t, ctx.PostRead(buf, base+uint64(len(region))))
	if err := ctx.PollCompletionOnce(); err == nil {
		t.Fatal("out-of-bounds read completed cleanly")
	}
}

func TestCertificateExchange(t *testing.T) {
	// real sockets: both ends send before receiving, which an unbuffered
	// in-process pipe cannot absorb
	l, err := net.Listen("tcp", "127.0.0.1:0")
	tassert.CheckFatal(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	tassert.CheckFatal(t, err)
	defer client.Close()
	server := <-accepted
	tassert.Fatal(t, server != nil, "accept failed")
	defer server.Close()

	var (
		ours   = &Certificate{BaseAddr: 0x1000, Size: 4096, QPN: 7, PSN: 9}
		theirs = &Certificate{BaseAddr: 0x2000, Size: 8192, QPN: 3}
		done   = make(chan *Certificate, 1)
	)
	go func() {
		got, err := ExchangeCertificates(server, theirs)
		if err != nil {
			done <- nil
			return
		}
		done <- got
	}()
	got, err := ExchangeCertificates(client, ours)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, *got == *theirs, "client saw %+v", got)
	serverGot := <-done
	tassert.Fatalf(t, serverGot != nil && *serverGot == *ours, "server saw %+v", serverGot)
}
