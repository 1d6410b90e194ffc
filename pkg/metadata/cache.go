// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/svagner/mysql-router/pkg/metrics"
)

// Config holds the topology cache configuration.
type Config struct {
	// Cluster is the name of the cluster in the metadata schema.
	Cluster string

	// Bootstrap are the metadata server addresses, tried in order.
	Bootstrap []Address

	// TTL is the pause between the completion of one refresh and the
	// start of the next.
	TTL time.Duration

	// Logger for cache events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Cache continuously observes the cluster and publishes consistent
// topology snapshots. The refresher goroutine publishes each refreshed
// snapshot, and MarkInstanceReachability publishes annotated copies of
// the current one; any number of destination strategies read the
// published snapshot.
type Cache struct {
	cfg     Config
	fetcher Fetcher

	snap    atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu      sync.Mutex
	changed chan struct{}

	lastRefresh atomic.Int64
}

// New creates a cache over the given upstream session. No snapshot
// exists until the first successful refresh.
func New(fetcher Fetcher, cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(slog.String("cluster", cfg.Cluster))
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		changed: make(chan struct{}),
	}
}

// Run refreshes the topology until the context is cancelled. The next
// refresh starts TTL after the previous one completed, whether or not
// it succeeded.
func (c *Cache) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.fetcher.Close()
			return ctx.Err()
		case <-timer.C:
		}
		c.Refresh()
		timer.Reset(c.cfg.TTL)
	}
}

// Refresh performs one refresh cycle. A failure leaves the previously
// published snapshot live.
func (c *Cache) Refresh() {
	if err := c.refresh(); err != nil {
		c.cfg.Logger.Error("metadata refresh failed", slog.String("error", err.Error()))
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.MetadataRefreshes.WithLabelValues(c.cfg.Cluster, "error").Inc()
		}
		return
	}
	c.lastRefresh.Store(time.Now().Unix())
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MetadataRefreshes.WithLabelValues(c.cfg.Cluster, "success").Inc()
	}
}

func (c *Cache) refresh() error {
	if !c.fetcher.Connected() {
		if err := c.fetcher.Connect(c.cfg.Bootstrap); err != nil {
			return err
		}
	}

	c.cfg.Logger.Debug("updating metadata information")
	replicasets, err := c.fetcher.FetchInstances(c.cfg.Cluster)
	if err != nil {
		return err
	}
	if len(replicasets) == 0 {
		c.cfg.Logger.Warn("no replicasets defined for cluster")
	}

	for name, rs := range replicasets {
		c.updateReplicasetStatus(name, rs)
	}

	snap := &Snapshot{
		Version:     c.version.Add(1),
		Replicasets: make(map[string]ManagedReplicaSet, len(replicasets)),
	}
	for name, rs := range replicasets {
		snap.Replicasets[name] = *rs
		c.observeReplicaset(*rs)
	}
	c.publish(snap)
	return nil
}

// updateReplicasetStatus queries live group state through the replica
// set's own members, preferring the member the metadata session is
// already connected to, and reconciles it with the declared members.
func (c *Cache) updateReplicasetStatus(name string, rs *ManagedReplicaSet) {
	c.cfg.Logger.Debug("updating replicaset status from live group state",
		slog.String("replicaset", name))

	candidates := make([]ManagedInstance, 0, len(rs.Members))
	for _, m := range rs.Members {
		if m.Addr() == c.fetcher.Address() {
			candidates = append([]ManagedInstance{m}, candidates...)
		} else {
			candidates = append(candidates, m)
		}
	}

	for _, candidate := range candidates {
		view, err := c.fetcher.FetchGroupMembers(candidate.Host, candidate.Port)
		if err != nil {
			c.cfg.Logger.Warn("unable to fetch live group membership",
				slog.String("replicaset", name),
				slog.String("member", candidate.Addr()),
				slog.String("error", err.Error()))
			continue
		}

		status := checkReplicasetStatus(rs.Members, view, c.cfg.Logger)
		if status == StatusUnavailable {
			c.cfg.Logger.Warn("member is not part of quorum for replicaset",
				slog.String("replicaset", name),
				slog.String("member", candidate.Addr()))
			continue
		}

		rs.SinglePrimaryMode = view.SinglePrimaryMode
		rs.Status = status
		return
	}

	// No member of the replica set could be queried and reported a
	// quorum: publish it with no members so routing refuses to
	// dispatch.
	c.cfg.Logger.Error("unable to fetch live group membership from any member of replicaset",
		slog.String("replicaset", name))
	rs.Members = nil
	rs.Status = StatusUnavailable
}

func (c *Cache) observeReplicaset(rs ManagedReplicaSet) {
	if c.cfg.Metrics == nil {
		return
	}
	c.cfg.Metrics.ReplicasetStatus.WithLabelValues(rs.Name).Set(float64(rs.Status))
	counts := map[ServerMode]int{}
	for _, m := range rs.Members {
		counts[m.Mode]++
	}
	for _, mode := range []ServerMode{ModeReadWrite, ModeReadOnly, ModeUnavailable} {
		c.cfg.Metrics.ReplicasetMembers.WithLabelValues(rs.Name, mode.String()).Set(float64(counts[mode]))
	}
}

// publish replaces the current snapshot and wakes all waiters.
func (c *Cache) publish(snap *Snapshot) {
	c.snap.Store(snap)
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Cache) changeSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Snapshot returns the currently published snapshot, which may be nil
// before the first successful refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// LookupReplicaset returns the published state of the named replica
// set. An unknown name or a missing snapshot yields an empty set.
func (c *Cache) LookupReplicaset(name string) ManagedReplicaSet {
	rs, _ := c.Snapshot().Lookup(name)
	return rs
}

// LastRefresh returns the completion time of the last successful
// refresh, zero before the first one.
func (c *Cache) LastRefresh() time.Time {
	sec := c.lastRefresh.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// MarkInstanceReachability annotates the current snapshot with a local
// reachability hint, so picks skip an instance believed unreachable
// until the next refresh overrides the hint. The snapshot is replaced,
// never mutated.
func (c *Cache) MarkInstanceReachability(uuid string, status InstanceStatus) {
	old := c.Snapshot()
	if old == nil || status != InstanceUnreachable {
		return
	}

	snap := &Snapshot{
		Version:     c.version.Add(1),
		Replicasets: make(map[string]ManagedReplicaSet, len(old.Replicasets)),
	}
	for name, rs := range old.Replicasets {
		members := make([]ManagedInstance, len(rs.Members))
		copy(members, rs.Members)
		for i := range members {
			if members[i].ServerUUID == uuid {
				members[i].Mode = ModeUnavailable
				c.cfg.Logger.Info("marking instance unreachable",
					slog.String("replicaset", name),
					slog.String("uuid", uuid))
			}
		}
		rs.Members = members
		snap.Replicasets[name] = rs
	}
	c.publish(snap)
}

// WaitPrimaryFailover blocks until the published snapshot contains a
// writable member for the named replica set, or the timeout elapses.
// It returns promptly when a primary is already present.
func (c *Cache) WaitPrimaryFailover(replicaset string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if hasPrimary(c.Snapshot(), replicaset) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		signal := c.changeSignal()
		// Re-check after taking the signal: a publish may have raced.
		if hasPrimary(c.Snapshot(), replicaset) {
			return true
		}

		timer := time.NewTimer(remaining)
		select {
		case <-signal:
			timer.Stop()
		case <-timer.C:
			return hasPrimary(c.Snapshot(), replicaset)
		}
	}
}

func hasPrimary(snap *Snapshot, replicaset string) bool {
	rs, ok := snap.Lookup(replicaset)
	if !ok {
		return false
	}
	for _, m := range rs.Members {
		if m.Mode == ModeReadWrite {
			return true
		}
	}
	return false
}
