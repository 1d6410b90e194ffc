// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package classic implements the protocol adapter for the classic
// MySQL client/server protocol.
//
// Packets are framed as a 3-byte little-endian payload length, a
// sequence byte, and the payload. The server always speaks first: it
// sends the greeting (sequence 0), the client answers with its
// handshake response (sequence 1), and the server closes the exchange
// with the authentication result (sequence 2 or later). The adapter
// only inspects packets until that result is seen.
package classic

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
	defaultPort = 3306

	headerLen = 4

	// Maximum payload length expressible in the 3-byte length prefix.
	maxPacketLen = 0xffffff

	okByte  = 0x00
	errByte = 0xff
)

// Adapter frames the classic protocol.
type Adapter struct {
	ops netops.Operations
}

var _ protocol.Adapter = (*Adapter)(nil)

// New creates a classic protocol adapter using the given socket
// operations.
func New(ops netops.Operations) *Adapter {
	return &Adapter{ops: ops}
}

// Name returns the protocol name.
func (a *Adapter) Name() string { return "classic" }

// Type returns the protocol type.
func (a *Adapter) Type() protocol.Type { return protocol.Classic }

// DefaultPort returns the classic protocol server port.
func (a *Adapter) DefaultPort() uint16 { return defaultPort }

// CopyPacket moves data from src to dst. While handshaking it reads
// exactly one packet, forwards it verbatim, and watches for the
// authentication result; afterwards it forwards whatever is available
// in one read.
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
	payloadLen := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	seq := header[3]
	if payloadLen > maxPacketLen || headerLen+payloadLen > len(buf) {
		return 0, errors.Wrap(errors.ErrProtocolViolation,
			fmt.Sprintf("handshake packet length %d exceeds network buffer", payloadLen))
	}

	payload := buf[headerLen : headerLen+payloadLen]
	if _, err := io.ReadFull(src, payload); err != nil {
		return 0, netops.Classify(err)
	}

	total := headerLen + payloadLen
	if _, err := a.ops.WriteAll(dst, buf[:total]); err != nil {
		return 0, err
	}

	state.ObservePacket()

	// The greeting carries sequence 0 and the client response
	// sequence 1; anything the server sends after that is the
	// authentication result. Only an OK terminates the handshake: an
	// ERR or an auth-switch request keeps the connection in the
	// handshaking phase.
	if serverToClient && seq >= 2 && payloadLen > 0 && payload[0] == okByte {
		state.FinishHandshake()
	}

	return total, nil
}

// SendError synthesizes a classic protocol ERR packet.
func (a *Adapter) SendError(conn net.Conn, code uint16, message, sqlState, route string) error {
	if conn == nil {
		return nil
	}
	if len(sqlState) != 5 {
		sqlState = protocol.SQLStateGeneral
	}

	payload := make([]byte, 0, 9+len(message))
	payload = append(payload, errByte)
	payload = binary.LittleEndian.AppendUint16(payload, code)
	payload = append(payload, '#')
	payload = append(payload, sqlState...)
	payload = append(payload, message...)

	pkt := make([]byte, 0, headerLen+len(payload))
	pkt = append(pkt, byte(len(payload)), byte(len(payload)>>8), byte(len(payload)>>16), 0)
	pkt = append(pkt, payload...)

	_, err := a.ops.WriteAll(conn, pkt)
	return err
}

// OnBlockClientHost writes an advisory error to the server side so the
// backend logs the aborted session against the blocked host.
func (a *Adapter) OnBlockClientHost(server net.Conn, route string) error {
	if server == nil {
		return nil
	}
	return a.SendError(server, protocol.CodeHostBlocked,
		"Too many connection errors", protocol.SQLStateGeneral, route)
}
