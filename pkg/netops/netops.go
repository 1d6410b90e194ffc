// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package netops is the seam between the routing data plane and the OS
// socket API. The data plane only ever touches sockets through the
// Operations interface so it can be tested against a fake.
package netops

import (
	stderrors "errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/svagner/mysql-router/pkg/errors"
)

// Operations abstracts socket-level operations used by the data plane.
type Operations interface {
	// Connect dials addr with a wall-clock timeout that covers name
	// resolution. The returned connection is in blocking mode with
	// TCP_NODELAY set.
	Connect(addr string, timeout time.Duration) (net.Conn, error)

	// Read reads up to len(p) bytes from conn.
	Read(conn net.Conn, p []byte) (int, error)

	// Write writes up to len(p) bytes to conn.
	Write(conn net.Conn, p []byte) (int, error)

	// WriteAll writes the whole of p, retrying transient interrupted
	// conditions. It returns len(p) or an error; never a short count.
	WriteAll(conn net.Conn, p []byte) (int, error)

	// Shutdown closes both directions of the connection without
	// releasing the descriptor.
	Shutdown(conn net.Conn) error

	// Close releases the connection.
	Close(conn net.Conn) error
}

// closeHalves is implemented by *net.TCPConn and *net.UnixConn.
type closeHalves interface {
	CloseRead() error
	CloseWrite() error
}

type operations struct{}

// New returns the real socket operations.
func New() Operations {
	return operations{}
}

func (operations) Connect(addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, Classify(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, Classify(err)
		}
	}
	return conn, nil
}

func (operations) Read(conn net.Conn, p []byte) (int, error) {
	n, err := conn.Read(p)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

func (operations) Write(conn net.Conn, p []byte) (int, error) {
	n, err := conn.Write(p)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

func (operations) WriteAll(conn net.Conn, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := conn.Write(p[written:])
		written += n
		if err != nil {
			if stderrors.Is(Classify(err), errors.ErrInterrupted) {
				continue
			}
			return written, Classify(err)
		}
	}
	return written, nil
}

func (operations) Shutdown(conn net.Conn) error {
	ch, ok := conn.(closeHalves)
	if !ok {
		return nil
	}
	rerr := ch.CloseRead()
	werr := ch.CloseWrite()
	if rerr != nil {
		return Classify(rerr)
	}
	if werr != nil {
		return Classify(werr)
	}
	return nil
}

func (operations) Close(conn net.Conn) error {
	return conn.Close()
}

// Classify maps an OS-level error onto one of the categorized sentinel
// errors, keeping the original error in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.Wrap(errors.ErrRefused, err.Error())
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.EPIPE):
		return errors.Wrap(errors.ErrReset, err.Error())
	case stderrors.Is(err, syscall.EINTR), stderrors.Is(err, syscall.EAGAIN):
		return errors.Wrap(errors.ErrInterrupted, err.Error())
	case stderrors.Is(err, os.ErrDeadlineExceeded):
		return errors.Wrap(errors.ErrTimeout, err.Error())
	}
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return errors.Wrap(errors.ErrTimeout, err.Error())
	}
	return err
}
