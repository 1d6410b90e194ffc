// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xproto implements the protocol adapter for the X protocol
// (mysqlx).
//
// Messages are framed as a 4-byte little-endian length followed by a
// one-byte message type and the payload; the length counts the type
// byte but not itself. Unlike the classic protocol the client speaks
// first. The handshake is finished when the server answers the
// authentication exchange with AuthenticateOk.
package xproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/svagner/mysql-router/pkg/errors"
	"github.com/svagner/mysql-router/pkg/netops"
	"github.com/svagner/mysql-router/pkg/protocol"
)

const (
	defaultPort = 33060

	headerLen = 5

	// Server-side message types the adapter cares about.
	msgTypeError          = 1
	msgTypeAuthenticateOk = 4
)

// Adapter frames the X protocol.
type Adapter struct {
	ops netops.Operations
}

var _ protocol.Adapter = (*Adapter)(nil)

// New creates an X protocol adapter using the given socket operations.
func New(ops netops.Operations) *Adapter {
	return &Adapter{ops: ops}
}

// Name returns the protocol name.
func (a *Adapter) Name() string { return "x" }

// Type returns the protocol type.
func (a *Adapter) Type() protocol.Type { return protocol.X }

// DefaultPort returns the X protocol server port.
func (a *Adapter) DefaultPort() uint16 { return defaultPort }

// CopyPacket moves data from src to dst. While handshaking it reads
// exactly one message, forwards it verbatim, and watches the server
// side for AuthenticateOk; afterwards it forwards whatever is
// available in one read.
func (a *Adapter) CopyPacket(src, dst net.Conn, state *protocol.ConnState, buf []byte, serverToClient bool) (int, error) {
	if state.HandshakeDone() {
		n, err := a.ops.Read(src, buf)
		if n > 0 {
			if _, werr := a.ops.WriteAll(dst, buf[:n]); werr != nil {
				return 0, werr
			}
		}
		if err != nil {
			return n, err
		}
		return n, nil
	}

	header := buf[:headerLen]
	if _, err := io.ReadFull(src, header); err != nil {
		return 0, netops.Classify(err)
	}
	msgLen := binary.LittleEndian.Uint32(header[:4])
	if msgLen < 1 || int(msgLen)+4 > len(buf) {
		return 0, errors.Wrap(errors.ErrProtocolViolation,
			fmt.Sprintf("handshake message length %d exceeds network buffer", msgLen))
	}
	msgType := header[4]

	payload := buf[headerLen : 4+int(msgLen)]
	if _, err := io.ReadFull(src, payload); err != nil {
		return 0, netops.Classify(err)
	}

	total := 4 + int(msgLen)
	if _, err := a.ops.WriteAll(dst, buf[:total]); err != nil {
		return 0, err
	}

	state.ObservePacket()

	if serverToClient && msgType == msgTypeAuthenticateOk {
		state.FinishHandshake()
	}

	return total, nil
}

// SendError synthesizes a Mysqlx.Error message. The payload is the
// protobuf wire encoding of the Error message: code (field 2, varint),
// msg (field 3), sql_state (field 4).
func (a *Adapter) SendError(conn net.Conn, code uint16, message, sqlState, route string) error {
	if conn == nil {
		return nil
	}
	if len(sqlState) != 5 {
		sqlState = protocol.SQLStateGeneral
	}

	var payload []byte
	payload = append(payload, 0x10) // field 2, varint
	payload = binary.AppendUvarint(payload, uint64(code))
	payload = append(payload, 0x1a) // field 3, length-delimited
	payload = binary.AppendUvarint(payload, uint64(len(message)))
	payload = append(payload, message...)
	payload = append(payload, 0x22) // field 4, length-delimited
	payload = binary.AppendUvarint(payload, uint64(len(sqlState)))
	payload = append(payload, sqlState...)

	pkt := make([]byte, 0, headerLen+len(payload))
	pkt = binary.LittleEndian.AppendUint32(pkt, uint32(len(payload)+1))
	pkt = append(pkt, msgTypeError)
	pkt = append(pkt, payload...)

	_, err := a.ops.WriteAll(conn, pkt)
	return err
}

// OnBlockClientHost is a no-op for the X protocol: the server side of
// an aborted handshake is simply torn down.
func (a *Adapter) OnBlockClientHost(server net.Conn, route string) error {
	return nil
}
