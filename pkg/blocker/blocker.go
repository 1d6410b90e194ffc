// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package blocker tracks connection errors per source IP and decides
// when a source must be refused at accept time.
package blocker

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Fingerprint is the normalized 16-byte representation of a client IP
// address. IPv4 addresses are mapped into the IPv6 space. Local stream
// sockets fingerprint to the zero value.
type Fingerprint [16]byte

// FingerprintAddr computes the fingerprint of a client address.
func FingerprintAddr(addr net.Addr) Fingerprint {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Fingerprint{}
	}
	return ip.As16()
}

type counter struct {
	count       uint64
	lastAttempt time.Time
}

// Blocker is the per-source connection-error tracker. A source is
// blocked once its error count reaches the configured maximum; the
// counter resets when a check finds the configured window elapsed. A
// zero window disables resets, making blocks permanent for the process
// lifetime.
type Blocker struct {
	mu        sync.Mutex
	counters  map[Fingerprint]*counter
	maxErrors uint64
	window    time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// New creates a blocker with the given threshold and reset window.
func New(maxErrors uint64, window time.Duration, logger *slog.Logger) *Blocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blocker{
		counters:  make(map[Fingerprint]*counter),
		maxErrors: maxErrors,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// maybeReset zeroes the counter when the window has elapsed since the
// last attempt. Returns true when a reset happened. Callers hold mu.
func (b *Blocker) maybeReset(c *counter) bool {
	if b.window == 0 {
		return false
	}
	if b.now().Sub(c.lastAttempt) > b.window {
		c.count = 0
		return true
	}
	return false
}

// IsBlocked reports whether the source is currently over threshold.
// Consulting it applies the window reset, so a stale block clears on
// the next check.
func (b *Blocker) IsBlocked(fp Fingerprint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[fp]
	if !ok || c.count < b.maxErrors {
		return false
	}
	return !b.maybeReset(c)
}

// Fail charges one failed handshake against the source and reports
// whether the source is now blocked. The window reset is applied
// before charging.
func (b *Blocker) Fail(fp Fingerprint, route, clientIP string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[fp]
	if !ok {
		c = &counter{}
		b.counters[fp] = c
	}
	b.maybeReset(c)
	c.lastAttempt = b.now()
	c.count++

	if c.count >= b.maxErrors {
		b.logger.Warn("blocking client host",
			slog.String("route", route),
			slog.String("client", clientIP))
		return true
	}
	b.logger.Info("connection errors for client",
		slog.String("route", route),
		slog.String("client", clientIP),
		slog.Uint64("count", c.count),
		slog.Uint64("max", b.maxErrors))
	return false
}

// BlockedHosts returns the fingerprints currently over threshold.
func (b *Blocker) BlockedHosts() []Fingerprint {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Fingerprint
	for fp, c := range b.counters {
		if c.count >= b.maxErrors {
			result = append(result, fp)
		}
	}
	return result
}
