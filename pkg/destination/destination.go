// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package destination decides which backend a new client session is
// bound to. Every strategy holds an ordered collection of addresses
// and a policy for picking the next one.
package destination

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/svagner/mysql-router/pkg/errors"
	"github.com/svagner/mysql-router/pkg/netops"
)

// Address is one backend host:port pair.
type Address struct {
	Host string
	Port uint16
}

// String returns the address in host:port form.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Destination picks a backend for each new connection.
type Destination interface {
	// Add appends an address to the collection.
	Add(addr Address)

	// Size returns the number of addresses in the collection.
	Size() int

	// Start initializes strategies with background state. Called once
	// before the first Dial.
	Start()

	// Dial connects to the next backend according to the strategy's
	// policy, with a per-attempt timeout.
	Dial(connectTimeout time.Duration) (net.Conn, error)

	// Addresses returns the contained addresses in order.
	Addresses() []Address
}

// RoundRobin cycles over the list on every pick; a connect failure
// moves on to the next address and a full fruitless cycle fails the
// pick. The cursor is process-local: it is not persisted across
// restarts.
type RoundRobin struct {
	mu    sync.Mutex
	addrs []Address
	pos   int

	ops    netops.Operations
	logger *slog.Logger
}

// NewRoundRobin creates the round-robin strategy used by read-only
// routes with static destinations.
func NewRoundRobin(ops netops.Operations, logger *slog.Logger) *RoundRobin {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundRobin{ops: ops, logger: logger}
}

// Add appends an address.
func (d *RoundRobin) Add(addr Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
}

// Size returns the number of addresses.
func (d *RoundRobin) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// Start is a no-op.
func (d *RoundRobin) Start() {}

// Addresses returns the contained addresses.
func (d *RoundRobin) Addresses() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Address, len(d.addrs))
	copy(out, d.addrs)
	return out
}

// Dial tries each address once, starting at the cursor.
func (d *RoundRobin) Dial(connectTimeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	addrs := make([]Address, len(d.addrs))
	copy(addrs, d.addrs)
	start := d.pos
	if len(addrs) > 0 {
		d.pos = (d.pos + 1) % len(addrs)
	}
	d.mu.Unlock()

	if len(addrs) == 0 {
		return nil, errors.ErrNoDestinations
	}

	var lastErr error
	for i := 0; i < len(addrs); i++ {
		addr := addrs[(start+i)%len(addrs)]
		conn, err := d.ops.Connect(addr.String(), connectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		d.logger.Debug("failed connecting to destination",
			slog.String("destination", addr.String()),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

// FirstAvailable keeps serving the current address while it connects
// and advances only on failure. Once the whole list has failed the
// strategy is exhausted and keeps failing until the process restarts.
type FirstAvailable struct {
	mu    sync.Mutex
	addrs []Address
	pos   int

	ops    netops.Operations
	logger *slog.Logger
}

// NewFirstAvailable creates the first-available strategy used by
// read-write routes with static destinations.
func NewFirstAvailable(ops netops.Operations, logger *slog.Logger) *FirstAvailable {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirstAvailable{ops: ops, logger: logger}
}

// Add appends an address.
func (d *FirstAvailable) Add(addr Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
}

// Size returns the number of addresses.
func (d *FirstAvailable) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// Start is a no-op.
func (d *FirstAvailable) Start() {}

// Addresses returns the contained addresses.
func (d *FirstAvailable) Addresses() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Address, len(d.addrs))
	copy(out, d.addrs)
	return out
}

// Dial connects to the cursor's address, advancing past failures and
// never regressing.
func (d *FirstAvailable) Dial(connectTimeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.addrs) == 0 {
		return nil, errors.ErrNoDestinations
	}

	var lastErr error = errors.ErrNoDestinations
	for ; d.pos < len(d.addrs); d.pos++ {
		addr := d.addrs[d.pos]
		conn, err := d.ops.Connect(addr.String(), connectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		d.logger.Debug("failed connecting to destination",
			slog.String("destination", addr.String()),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

// FirstRingAvailable behaves like FirstAvailable but advancing past
// the end wraps back to the start, so a recovered early server is
// tried again.
type FirstRingAvailable struct {
	mu    sync.Mutex
	addrs []Address
	pos   int

	ops    netops.Operations
	logger *slog.Logger
}

// NewFirstRingAvailable creates the ring strategy used by
// read-write-ring routes with static destinations.
func NewFirstRingAvailable(ops netops.Operations, logger *slog.Logger) *FirstRingAvailable {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirstRingAvailable{ops: ops, logger: logger}
}

// Add appends an address.
func (d *FirstRingAvailable) Add(addr Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
}

// Size returns the number of addresses.
func (d *FirstRingAvailable) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// Start is a no-op.
func (d *FirstRingAvailable) Start() {}

// Addresses returns the contained addresses.
func (d *FirstRingAvailable) Addresses() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Address, len(d.addrs))
	copy(out, d.addrs)
	return out
}

// Dial connects starting at the cursor, wrapping around the end, and
// gives up after one full ring.
func (d *FirstRingAvailable) Dial(connectTimeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.addrs) == 0 {
		return nil, errors.ErrNoDestinations
	}

	var lastErr error
	for trying := 0; trying < len(d.addrs); trying++ {
		idx := (d.pos + trying) % len(d.addrs)
		addr := d.addrs[idx]
		d.logger.Debug("trying server",
			slog.String("destination", addr.String()),
			slog.Int("index", idx))
		conn, err := d.ops.Connect(addr.String(), connectTimeout)
		if err == nil {
			d.pos = idx
			return conn, nil
		}
		lastErr = err
	}
	// Out of destinations; next pick starts from the ring's
	// beginning again.
	d.pos = 0
	return nil, lastErr
}
