// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	routererrors "github.com/svagner/mysql-router/pkg/errors"
)

// fakeOps scripts connect outcomes per address and records the dial
// order.
type fakeOps struct {
	mu        sync.Mutex
	reachable map[string]bool
	dialed    []string
}

func newFakeOps(reachable ...string) *fakeOps {
	f := &fakeOps{reachable: make(map[string]bool)}
	for _, addr := range reachable {
		f.reachable[addr] = true
	}
	return f
}

func (f *fakeOps) setReachable(addr string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable[addr] = ok
}

func (f *fakeOps) dialLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dialed))
	copy(out, f.dialed)
	return out
}

func (f *fakeOps) Connect(addr string, timeout time.Duration) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, addr)
	if f.reachable[addr] {
		c, p := net.Pipe()
		go func() { p.Close() }()
		return c, nil
	}
	return nil, routererrors.ErrRefused
}

func (f *fakeOps) Read(conn net.Conn, p []byte) (int, error)     { return conn.Read(p) }
func (f *fakeOps) Write(conn net.Conn, p []byte) (int, error)    { return conn.Write(p) }
func (f *fakeOps) WriteAll(conn net.Conn, p []byte) (int, error) { return conn.Write(p) }
func (f *fakeOps) Shutdown(conn net.Conn) error                  { return nil }
func (f *fakeOps) Close(conn net.Conn) error                     { return conn.Close() }

var (
	addrA = Address{Host: "10.0.0.1", Port: 3306}
	addrB = Address{Host: "10.0.0.2", Port: 3306}
	addrC = Address{Host: "10.0.0.3", Port: 3306}
)

func TestRoundRobinCycles(t *testing.T) {
	ops := newFakeOps(addrA.String(), addrB.String())
	d := NewRoundRobin(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	for i := 0; i < 4; i++ {
		conn, err := d.Dial(time.Second)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Close()
	}

	want := []string{addrA.String(), addrB.String(), addrA.String(), addrB.String()}
	got := ops.dialLog()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dial order = %v, want %v", got, want)
		}
	}
}

func TestRoundRobinSkipsFailed(t *testing.T) {
	ops := newFakeOps(addrB.String())
	d := NewRoundRobin(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	conn, err := d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	got := ops.dialLog()
	if len(got) != 2 || got[0] != addrA.String() || got[1] != addrB.String() {
		t.Fatalf("dial order = %v, want [A B]", got)
	}
}

func TestRoundRobinFailsAfterFullCycle(t *testing.T) {
	ops := newFakeOps()
	d := NewRoundRobin(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	if _, err := d.Dial(time.Second); err == nil {
		t.Fatal("Dial with no reachable destination must fail")
	}
	if got := len(ops.dialLog()); got != 2 {
		t.Fatalf("dialed %d times, want exactly one full cycle (2)", got)
	}
}

func TestFirstAvailableStaysOnCurrent(t *testing.T) {
	ops := newFakeOps(addrA.String(), addrB.String())
	d := NewFirstAvailable(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	for i := 0; i < 3; i++ {
		conn, err := d.Dial(time.Second)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Close()
	}

	for i, addr := range ops.dialLog() {
		if addr != addrA.String() {
			t.Fatalf("dial %d went to %s, want %s", i, addr, addrA)
		}
	}
}

func TestFirstAvailableAdvancesOnFailureAndNeverRegresses(t *testing.T) {
	ops := newFakeOps(addrB.String())
	d := NewFirstAvailable(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	conn, err := d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	// A recovering must not pull the cursor back.
	ops.setReachable(addrA.String(), true)
	conn, err = d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial after recovery: %v", err)
	}
	conn.Close()

	got := ops.dialLog()
	want := []string{addrA.String(), addrB.String(), addrB.String()}
	if len(got) != len(want) {
		t.Fatalf("dial order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dial order = %v, want %v", got, want)
		}
	}
}

func TestFirstAvailableExhaustion(t *testing.T) {
	ops := newFakeOps()
	d := NewFirstAvailable(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	if _, err := d.Dial(time.Second); err == nil {
		t.Fatal("Dial must fail when the whole list failed")
	}

	// The list is exhausted: even recovered servers are not retried.
	ops.setReachable(addrA.String(), true)
	if _, err := d.Dial(time.Second); err == nil {
		t.Fatal("exhausted first-available must keep failing")
	}
}

func TestFirstRingWrapsAround(t *testing.T) {
	ops := newFakeOps(addrB.String())
	d := NewFirstRingAvailable(ops, nil)
	d.Add(addrA)
	d.Add(addrB)
	d.Add(addrC)

	// A fails, B connects; cursor sits on B.
	conn, err := d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	// B goes down, A recovers: the ring wraps past C back to A.
	ops.setReachable(addrB.String(), false)
	ops.setReachable(addrA.String(), true)
	conn, err = d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial after wrap: %v", err)
	}
	conn.Close()

	got := ops.dialLog()
	want := []string{addrA.String(), addrB.String(), addrB.String(), addrC.String(), addrA.String()}
	if len(got) != len(want) {
		t.Fatalf("dial order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dial order = %v, want %v", got, want)
		}
	}
}

func TestFirstRingGivesUpAfterOneRing(t *testing.T) {
	ops := newFakeOps()
	d := NewFirstRingAvailable(ops, nil)
	d.Add(addrA)
	d.Add(addrB)

	if _, err := d.Dial(time.Second); err == nil {
		t.Fatal("Dial must fail after one full ring")
	}
	if got := len(ops.dialLog()); got != 2 {
		t.Fatalf("dialed %d times, want 2", got)
	}

	// Unlike first-available the ring recovers on the next pick.
	ops.setReachable(addrA.String(), true)
	conn, err := d.Dial(time.Second)
	if err != nil {
		t.Fatalf("Dial after recovery: %v", err)
	}
	conn.Close()
}

func TestDialEmptyList(t *testing.T) {
	for name, d := range map[string]Destination{
		"round-robin":     NewRoundRobin(newFakeOps(), nil),
		"first-available": NewFirstAvailable(newFakeOps(), nil),
		"first-ring":      NewFirstRingAvailable(newFakeOps(), nil),
	} {
		if _, err := d.Dial(time.Second); !errors.Is(err, routererrors.ErrNoDestinations) {
			t.Fatalf("%s: Dial on empty list = %v, want ErrNoDestinations", name, err)
		}
	}
}
