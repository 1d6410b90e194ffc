// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import "log/slog"

// checkReplicasetStatus reconciles the declared members with the live
// view reported by one group member. It derives each member's mode
// from its live state, counts the quorum, and returns the replica set
// status.
//
// The host:port pairs in the live view may not match the declared
// addresses (localhost vs external addressing), so members are matched
// by server UUID only. A live member missing from the declared set is
// reported but never routed to.
func checkReplicasetStatus(members []ManagedInstance, view GroupView, logger *slog.Logger) ReplicasetStatus {
	declared := make(map[string]struct{}, len(members))
	for i := range members {
		declared[members[i].ServerUUID] = struct{}{}
	}
	for uuid, live := range view.Members {
		if _, ok := declared[uuid]; !ok {
			logger.Warn("member found in replicaset, yet is not defined in metadata",
				slog.String("uuid", uuid),
				slog.String("host", live.Host),
				slog.Int("port", int(live.Port)))
		}
	}

	onlineCount := 0
	havePrimary := false
	for i := range members {
		live, ok := view.Members[members[i].ServerUUID]
		if !ok {
			members[i].Mode = ModeUnavailable
			logger.Warn("member defined in metadata not found in actual replicaset",
				slog.String("uuid", members[i].ServerUUID),
				slog.String("host", members[i].Host),
				slog.Int("port", int(members[i].Port)))
			continue
		}
		switch live.State {
		case StateOnline:
			switch live.Role {
			case RolePrimary:
				members[i].Mode = ModeReadWrite
				havePrimary = true
				onlineCount++
			case RoleSecondary:
				members[i].Mode = ModeReadOnly
				onlineCount++
			}
		default:
			// Recovering, Unreachable, Offline and anything the
			// server may add later all mean: do not route.
			members[i].Mode = ModeUnavailable
		}
	}

	// Quorum is counted against the live view: the queried member's
	// own idea of how many peers exist.
	if onlineCount <= len(view.Members)/2 {
		return StatusUnavailable
	}
	if havePrimary {
		return StatusAvailableWritable
	}
	return StatusAvailableReadOnly
}
