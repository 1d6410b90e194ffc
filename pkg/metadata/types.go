// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metadata maintains a cached view of a managed MySQL cluster.
// A background refresher queries a metadata server for the declared
// topology, queries a live group member for the current group state,
// reconciles the two, and publishes an immutable snapshot that
// destination strategies read on every pick.
package metadata

import "fmt"

// ServerMode is the derived operational mode of one backend.
type ServerMode int

const (
	ModeUnavailable ServerMode = iota
	ModeReadOnly
	ModeReadWrite
)

// String returns a string representation of the mode.
func (m ServerMode) String() string {
	switch m {
	case ModeReadWrite:
		return "read_write"
	case ModeReadOnly:
		return "read_only"
	default:
		return "unavailable"
	}
}

// ReplicasetStatus is the derived availability of a replica set.
type ReplicasetStatus int

const (
	StatusUnavailable ReplicasetStatus = iota
	StatusAvailableReadOnly
	StatusAvailableWritable
)

// String returns a string representation of the status.
func (s ReplicasetStatus) String() string {
	switch s {
	case StatusAvailableWritable:
		return "available_writable"
	case StatusAvailableReadOnly:
		return "available_read_only"
	default:
		return "unavailable"
	}
}

// InstanceStatus is a local reachability hint for one instance.
type InstanceStatus int

const (
	InstanceReachable InstanceStatus = iota
	InstanceUnreachable
)

// GroupState is the live group-membership state of one member.
type GroupState int

const (
	StateOther GroupState = iota
	StateOnline
	StateRecovering
	StateUnreachable
	StateOffline
)

// GroupRole is the live role of one member.
type GroupRole int

const (
	RoleSecondary GroupRole = iota
	RolePrimary
)

// GroupMember is the live record one queried member reports about a
// peer, keyed by server UUID in GroupView.
type GroupMember struct {
	State GroupState
	Role  GroupRole
	Host  string
	Port  uint16
}

// GroupView is one member's perspective of the whole group.
type GroupView struct {
	SinglePrimaryMode bool
	PrimaryUUID       string
	Members           map[string]GroupMember
}

// ManagedInstance is the identity of one backend as declared in the
// cluster metadata, plus the mode derived from live group state.
type ManagedInstance struct {
	ReplicasetName string
	ServerUUID     string
	Role           string
	Mode           ServerMode
	Host           string
	Port           uint16
	XPort          uint16
	Weight         float32
	VersionToken   uint32
	Location       string
}

// Addr returns the classic protocol address of the instance.
func (i ManagedInstance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// XAddr returns the X protocol address of the instance.
func (i ManagedInstance) XAddr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.XPort)
}

// ManagedReplicaSet is a named set of instances. Member order follows
// the declared metadata, which makes round-robin picks stable across
// refreshes as long as the UUID set is unchanged.
type ManagedReplicaSet struct {
	Name              string
	SinglePrimaryMode bool
	Status            ReplicasetStatus
	Members           []ManagedInstance
}

// Snapshot is one consistent, immutable view of all replica sets.
// It is replaced wholesale on every successful refresh and never
// mutated in place.
type Snapshot struct {
	Version     uint64
	Replicasets map[string]ManagedReplicaSet
}

// Lookup returns the replica set with the given name.
func (s *Snapshot) Lookup(name string) (ManagedReplicaSet, bool) {
	if s == nil {
		return ManagedReplicaSet{}, false
	}
	rs, ok := s.Replicasets[name]
	return rs, ok
}

// Address is a host:port pair of a bootstrap metadata server.
type Address struct {
	Host string
	Port uint16
}

// String returns the address in host:port form.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
