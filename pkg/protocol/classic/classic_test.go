// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package classic

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	routererrors "github.com/svagner/mysql-router/pkg/errors"
	"github.com/svagner/mysql-router/pkg/netops"
	"github.com/svagner/mysql-router/pkg/protocol"
)

func packet(seq byte, payload []byte) []byte {
	pkt := make([]byte, 0, 4+len(payload))
	pkt = append(pkt, byte(len(payload)), byte(len(payload)>>8), byte(len(payload)>>16), seq)
	return append(pkt, payload...)
}

// forwardOne pushes one packet through CopyPacket and returns the
// bytes that arrived on the destination side.
func forwardOne(t *testing.T, a *Adapter, state *protocol.ConnState, raw []byte, serverToClient bool) []byte {
	t.Helper()

	src, srcPeer := net.Pipe()
	dst, dstPeer := net.Pipe()
	defer src.Close()
	defer dst.Close()

	go func() {
		srcPeer.Write(raw)
		srcPeer.Close()
	}()

	forwarded := make(chan []byte, 1)
	go func() {
		var out []byte
		buf := make([]byte, 4096)
		dstPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			n, err := dstPeer.Read(buf)
			out = append(out, buf[:n]...)
			if err != nil || len(out) >= len(raw) {
				break
			}
		}
		forwarded <- out
	}()

	buf := make([]byte, 16384)
	n, err := a.CopyPacket(src, dst, state, buf, serverToClient)
	if err != nil {
		t.Fatalf("CopyPacket: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("CopyPacket forwarded %d bytes, want %d", n, len(raw))
	}
	dst.Close()
	return <-forwarded
}

func TestDefaultPort(t *testing.T) {
	a := New(netops.New())
	if got := a.DefaultPort(); got != 3306 {
		t.Fatalf("DefaultPort() = %d, want 3306", got)
	}
	if a.Type() != protocol.Classic {
		t.Fatalf("Type() = %v, want classic", a.Type())
	}
}

func TestCopyPacketForwardsVerbatim(t *testing.T) {
	a := New(netops.New())
	state := protocol.NewConnState()

	greeting := packet(0, []byte{0x0a, 'm', 'y', 's', 'q', 'l'})
	got := forwardOne(t, a, state, greeting, true)

	if string(got) != string(greeting) {
		t.Fatalf("forwarded %x, want %x", got, greeting)
	}
	if state.HandshakeDone() {
		t.Fatal("greeting must not complete the handshake")
	}
	if state.PacketNr() != 1 {
		t.Fatalf("PacketNr() = %d, want 1", state.PacketNr())
	}
}

func TestHandshakeCompletion(t *testing.T) {
	a := New(netops.New())
	state := protocol.NewConnState()

	// Server greeting.
	forwardOne(t, a, state, packet(0, []byte{0x0a, 0x01}), true)
	if state.HandshakeDone() {
		t.Fatal("handshake must not be done after greeting")
	}

	// Client handshake response.
	forwardOne(t, a, state, packet(1, []byte{0x85, 0xa6, 0x03, 0x00}), false)
	if state.HandshakeDone() {
		t.Fatal("handshake must not be done after client response")
	}

	// Server OK: authentication result.
	forwardOne(t, a, state, packet(2, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}), true)
	if !state.HandshakeDone() {
		t.Fatal("handshake must be done after the authentication OK")
	}
}

func TestAuthErrorKeepsHandshakePending(t *testing.T) {
	a := New(netops.New())
	state := protocol.NewConnState()

	forwardOne(t, a, state, packet(0, []byte{0x0a}), true)
	forwardOne(t, a, state, packet(1, []byte{0x85}), false)

	errPayload := append([]byte{0xff}, "access denied"...)
	forwardOne(t, a, state, packet(2, errPayload), true)
	if state.HandshakeDone() {
		t.Fatal("an ERR authentication result must not complete the handshake")
	}
}

func TestOversizedHandshakePacket(t *testing.T) {
	a := New(netops.New())
	state := protocol.NewConnState()

	src, srcPeer := net.Pipe()
	dst, _ := net.Pipe()
	defer src.Close()
	defer dst.Close()

	// Length prefix claims more than the buffer holds.
	header := []byte{0xff, 0xff, 0x00, 0x00}
	go func() {
		srcPeer.Write(header)
		srcPeer.Close()
	}()

	buf := make([]byte, 1024)
	_, err := a.CopyPacket(src, dst, state, buf, true)
	if !errors.Is(err, routererrors.ErrProtocolViolation) {
		t.Fatalf("CopyPacket = %v, want ErrProtocolViolation", err)
	}
}

func TestEstablishedCopyIsTransparent(t *testing.T) {
	a := New(netops.New())
	state := protocol.NewConnState()
	state.FinishHandshake()

	// Arbitrary non-packet bytes flow through untouched once
	// established.
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	got := forwardOne(t, a, state, raw, false)
	if string(got) != string(raw) {
		t.Fatalf("forwarded %x, want %x", got, raw)
	}
}

func TestSendError(t *testing.T) {
	a := New(netops.New())

	conn, peer := net.Pipe()
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- a.SendError(conn, protocol.CodeTooManyConnections, "Too many connections", "HY000", "test-route")
	}()

	header := make([]byte, 4)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peer, header); err != nil {
		t.Fatalf("reading error packet header: %v", err)
	}
	payloadLen := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	if header[3] != 0 {
		t.Fatalf("error packet sequence = %d, want 0", header[3])
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(peer, payload); err != nil {
		t.Fatalf("reading error packet payload: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendError: %v", err)
	}

	if payload[0] != 0xff {
		t.Fatalf("error marker = %#x, want 0xff", payload[0])
	}
	if code := binary.LittleEndian.Uint16(payload[1:3]); code != 1040 {
		t.Fatalf("error code = %d, want 1040", code)
	}
	if payload[3] != '#' {
		t.Fatalf("sqlstate marker = %#x, want '#'", payload[3])
	}
	if got := string(payload[4:9]); got != "HY000" {
		t.Fatalf("sqlstate = %q, want HY000", got)
	}
	if got := string(payload[9:]); got != "Too many connections" {
		t.Fatalf("message = %q", got)
	}
}
