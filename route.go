// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mysqlrouter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/svagner/mysql-router/pkg/connhook"
	"github.com/svagner/mysql-router/pkg/destination"
	"github.com/svagner/mysql-router/pkg/metadata"
	"github.com/svagner/mysql-router/pkg/metrics"
	"github.com/svagner/mysql-router/pkg/netops"
	"github.com/svagner/mysql-router/pkg/protocol"
	"github.com/svagner/mysql-router/pkg/protocol/classic"
	"github.com/svagner/mysql-router/pkg/protocol/xproto"
	"github.com/svagner/mysql-router/pkg/router"
)

// NewRoute builds a running route from its configuration: protocol
// adapter, destination strategy, and the router instance around them.
// Routes with metadata-cache destinations share the given cache.
func NewRoute(cfg RouteConfig, cache *metadata.Cache, m *metrics.Metrics, logger *slog.Logger) (*router.Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ops := netops.New()

	var adapter protocol.Adapter
	switch cfg.Protocol {
	case "x":
		adapter = xproto.New(ops)
	default:
		adapter = classic.New(ops)
	}

	spec, err := ParseDestinations(cfg.Section(), cfg.Destinations, adapter.DefaultPort())
	if err != nil {
		return nil, err
	}

	bind := cfg.EffectiveBind(adapter.DefaultPort())

	dest, err := buildDestination(cfg, spec, bind, cache, ops, logger)
	if err != nil {
		return nil, err
	}

	var hooks connhook.Hooks
	if m != nil {
		hooks = connhook.NewMetricsHooks(m)
	}

	return router.New(router.Config{
		Name:                      cfg.Name,
		BindAddress:               bind,
		Socket:                    cfg.Socket,
		MaxConnections:            int(cfg.MaxConnections),
		DestinationConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		ClientConnectTimeout:      time.Duration(cfg.ClientConnectTimeout) * time.Second,
		MaxConnectErrors:          cfg.MaxConnectErrors,
		MaxConnectErrorsTimeout:   time.Duration(cfg.MaxConnectErrorsTimeout) * time.Second,
		NetBufferLength:           int(cfg.NetBufferLength),
		Logger:                    logger,
		Hooks:                     hooks,
		Metrics:                   m,
	}, adapter, dest, ops)
}

func buildDestination(cfg RouteConfig, spec DestinationSpec, bind string, cache *metadata.Cache, ops netops.Operations, logger *slog.Logger) (destination.Destination, error) {
	if spec.Metadata != nil {
		if cache == nil {
			return nil, optionErr(cfg.Section(), "destinations", "uses metadata-cache but no [metadata_cache] section is configured")
		}
		var mode destination.RoutingMode
		switch cfg.Mode {
		case "read-write":
			mode = destination.ModeReadWrite
		case "read-only":
			mode = destination.ModeReadOnly
		default:
			return nil, optionErr(cfg.Section(), "mode", "is invalid for metadata-cache destinations; valid are read-write, read-only (was '%s')", cfg.Mode)
		}
		var proto protocol.Type
		if cfg.Protocol == "x" {
			proto = protocol.X
		}
		return destination.NewMetadataCache(cache, ops, destination.MetadataCacheConfig{
			Replicaset:        spec.Metadata.Replicaset,
			Role:              spec.Metadata.Role,
			Mode:              mode,
			Protocol:          proto,
			AllowPrimaryReads: spec.Metadata.AllowPrimaryReads,
			Logger:            logger,
		}), nil
	}

	var dest destination.Destination
	switch cfg.Mode {
	case "read-only":
		dest = destination.NewRoundRobin(ops, logger)
	case "read-write":
		dest = destination.NewFirstAvailable(ops, logger)
	case "read-write-ring":
		dest = destination.NewFirstRingAvailable(ops, logger)
	default:
		return nil, optionErr(cfg.Section(), "mode", "is invalid; valid are read-write, read-only, read-write-ring (was '%s')", cfg.Mode)
	}

	for _, addr := range spec.Static {
		if bind != "" && addr.String() == bind {
			return nil, fmt.Errorf("[%s] bind address can not be part of destinations", cfg.Section())
		}
		dest.Add(addr)
	}
	if dest.Size() == 0 {
		return nil, optionErr(cfg.Section(), "destinations", "has no destinations available")
	}
	return dest, nil
}
