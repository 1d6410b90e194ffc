// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netops

import (
	"errors"
	"net"
	"testing"
	"time"

	routererrors "github.com/svagner/mysql-router/pkg/errors"
)

func TestConnectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ops := New()
	conn, err := ops.Connect(ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ops.Close(conn)

	backend := <-accepted
	defer backend.Close()
}

func TestConnectRefused(t *testing.T) {
	// Grab a free port, then close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ops := New()
	_, err = ops.Connect(addr, 2*time.Second)
	if err == nil {
		t.Fatal("Connect to closed port must fail")
	}
	if !errors.Is(err, routererrors.ErrRefused) {
		t.Fatalf("Connect error = %v, want ErrRefused", err)
	}
}

func TestWriteAllFullBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 0, len(payload))
		chunk := make([]byte, 4096)
		for len(buf) < len(payload) {
			n, err := server.Read(chunk)
			buf = append(buf, chunk[:n]...)
			if err != nil {
				break
			}
		}
		received <- buf
	}()

	ops := New()
	n, err := ops.WriteAll(client, payload)
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("WriteAll wrote %d bytes, want %d; short success is forbidden", n, len(payload))
	}

	got := <-received
	if len(got) != len(payload) {
		t.Fatalf("received %d bytes, want %d", len(got), len(payload))
	}
}

func TestWriteAllOnClosedConn(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	defer client.Close()

	ops := New()
	if _, err := ops.WriteAll(client, []byte("data")); err == nil {
		t.Fatal("WriteAll on closed connection must fail")
	}
}

func TestClassifyTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	ops := New()
	_, err := ops.Read(client, make([]byte, 1))
	if !errors.Is(err, routererrors.ErrTimeout) {
		t.Fatalf("Read past deadline = %v, want ErrTimeout", err)
	}
}

func TestShutdownUnblocksPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ops := New()
	conn, err := ops.Connect(ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	backend := <-accepted
	defer backend.Close()

	readDone := make(chan error, 1)
	go func() {
		_, err := backend.Read(make([]byte, 1))
		readDone <- err
	}()

	if err := ops.Shutdown(conn); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("peer read did not return after shutdown")
	}
	ops.Close(conn)
}
