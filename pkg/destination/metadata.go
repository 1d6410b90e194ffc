// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/svagner/mysql-router/pkg/errors"
	"github.com/svagner/mysql-router/pkg/metadata"
	"github.com/svagner/mysql-router/pkg/netops"
	"github.com/svagner/mysql-router/pkg/protocol"
)

// If the route wants a primary and there is none, wait up to this long
// for a failover to elect one before giving up on the client.
const primaryFailoverTimeout = 10 * time.Second

// ServerRole is the role query parameter of a metadata-cache route.
type ServerRole int

const (
	RolePrimary ServerRole = iota
	RoleSecondary
	RolePrimaryAndSecondary
)

// ParseServerRole parses the role query parameter.
func ParseServerRole(s string) (ServerRole, bool) {
	switch strings.ToUpper(s) {
	case "PRIMARY":
		return RolePrimary, true
	case "SECONDARY":
		return RoleSecondary, true
	case "PRIMARY_AND_SECONDARY":
		return RolePrimaryAndSecondary, true
	default:
		return 0, false
	}
}

// RoutingMode is the access mode of the containing route; it selects
// the pick policy over the eligible members.
type RoutingMode int

const (
	ModeReadWrite RoutingMode = iota
	ModeReadOnly
)

// TopologyCache is the slice of the metadata cache the strategy needs.
// Implemented by *metadata.Cache.
type TopologyCache interface {
	LookupReplicaset(name string) metadata.ManagedReplicaSet
	MarkInstanceReachability(uuid string, status metadata.InstanceStatus)
	WaitPrimaryFailover(replicaset string, timeout time.Duration) bool
}

// MetadataCacheConfig configures a metadata-cache-driven destination.
type MetadataCacheConfig struct {
	Replicaset        string
	Role              ServerRole
	Mode              RoutingMode
	Protocol          protocol.Type
	AllowPrimaryReads bool
	Logger            *slog.Logger
}

// MetadataCache picks destinations from the published topology
// snapshot: on each pick the declared members are filtered by the
// required mode and the route's access mode decides between
// first-available and round-robin over the filtered list. Declared
// order is the tie-break.
type MetadataCache struct {
	cfg   MetadataCacheConfig
	cache TopologyCache
	ops   netops.Operations

	mu  sync.Mutex
	pos int
}

var _ Destination = (*MetadataCache)(nil)

// NewMetadataCache creates the metadata-cache-driven strategy.
func NewMetadataCache(cache TopologyCache, ops netops.Operations, cfg MetadataCacheConfig) *MetadataCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AllowPrimaryReads && cfg.Mode != ModeReadOnly {
		cfg.Logger.Warn("allow_primary_reads only works with read-only mode")
		cfg.AllowPrimaryReads = false
	}
	return &MetadataCache{cfg: cfg, cache: cache, ops: ops}
}

// Add is a no-op: membership comes from the topology snapshot.
func (d *MetadataCache) Add(addr Address) {}

// Size returns the current number of eligible members.
func (d *MetadataCache) Size() int {
	addrs, _ := d.available()
	return len(addrs)
}

// Start is a no-op: the shared cache is started by its owner.
func (d *MetadataCache) Start() {}

// Addresses returns the currently eligible addresses.
func (d *MetadataCache) Addresses() []Address {
	addrs, _ := d.available()
	return addrs
}

// available filters the declared members of the replica set by the
// required mode, preserving declared order.
func (d *MetadataCache) available() ([]Address, []string) {
	rs := d.cache.LookupReplicaset(d.cfg.Replicaset)

	var addrs []Address
	var uuids []string
	for _, m := range rs.Members {
		if m.Role != "HA" {
			continue
		}
		eligible := false
		switch d.cfg.Role {
		case RolePrimary:
			eligible = m.Mode == metadata.ModeReadWrite
		case RoleSecondary:
			eligible = m.Mode == metadata.ModeReadOnly ||
				(d.cfg.AllowPrimaryReads && m.Mode == metadata.ModeReadWrite)
		case RolePrimaryAndSecondary:
			eligible = m.Mode == metadata.ModeReadWrite || m.Mode == metadata.ModeReadOnly
		}
		if !eligible {
			continue
		}

		port := m.Port
		if d.cfg.Protocol == protocol.X {
			port = m.XPort
		}
		addrs = append(addrs, Address{Host: m.Host, Port: port})
		uuids = append(uuids, m.ServerUUID)
	}
	return addrs, uuids
}

// pick returns the index to try next. Read-write routes stick to the
// head of the filtered list (first-available); read-only routes
// round-robin over it.
func (d *MetadataCache) pick(n int) int {
	if d.cfg.Mode == ModeReadWrite {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= n {
		d.pos = 0
	}
	idx := d.pos
	d.pos++
	if d.pos >= n {
		d.pos = 0
	}
	return idx
}

// Dial connects to the next eligible member. A connect failure marks
// the instance unreachable; when the route wants a primary the pick is
// retried after a primary failover, within a bounded wait.
func (d *MetadataCache) Dial(connectTimeout time.Duration) (net.Conn, error) {
	for {
		addrs, uuids := d.available()
		if len(addrs) == 0 {
			d.cfg.Logger.Warn("no available servers found for replicaset",
				slog.String("replicaset", d.cfg.Replicaset),
				slog.String("mode", d.modeName()))
			return nil, errors.ErrNoDestinations
		}

		idx := d.pick(len(addrs))
		conn, err := d.ops.Connect(addrs[idx].String(), connectTimeout)
		if err == nil {
			return conn, nil
		}

		d.cache.MarkInstanceReachability(uuids[idx], metadata.InstanceUnreachable)
		if d.cfg.Mode == ModeReadWrite &&
			d.cache.WaitPrimaryFailover(d.cfg.Replicaset, primaryFailoverTimeout) {
			d.cfg.Logger.Info("retrying connection after possible failover",
				slog.String("replicaset", d.cfg.Replicaset))
			continue
		}
		return nil, err
	}
}

func (d *MetadataCache) modeName() string {
	if d.cfg.Mode == ModeReadWrite {
		return "RW"
	}
	return "RO"
}
