// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mysqlrouter

import (
	"strings"
	"testing"

	"github.com/svagner/mysql-router/pkg/destination"
	"github.com/svagner/mysql-router/pkg/metadata"
)

func validRouteConfig() RouteConfig {
	return RouteConfig{
		Name:                 "test",
		BindAddress:          "127.0.0.1",
		BindPort:             7001,
		Destinations:         "10.0.0.1:3306,10.0.0.2:3306",
		Mode:                 "read-only",
		Protocol:             "classic",
		ConnectTimeout:       1,
		ClientConnectTimeout: 9,
		MaxConnections:       512,
		MaxConnectErrors:     100,
		NetBufferLength:      16384,
	}
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validRouteConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidationErrorsNameOptionAndSection(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RouteConfig)
		option string
	}{
		{"missing mode", func(c *RouteConfig) { c.Mode = "" }, "option mode in [routing:test]"},
		{"bad mode", func(c *RouteConfig) { c.Mode = "write-only" }, "option mode in [routing:test]"},
		{"bad protocol", func(c *RouteConfig) { c.Protocol = "mqtt" }, "option protocol in [routing:test]"},
		{"missing destinations", func(c *RouteConfig) { c.Destinations = "" }, "option destinations in [routing:test]"},
		{"connect timeout low", func(c *RouteConfig) { c.ConnectTimeout = 0 }, "option connect_timeout in [routing:test]"},
		{"connect timeout high", func(c *RouteConfig) { c.ConnectTimeout = 65536 }, "option connect_timeout in [routing:test]"},
		{"client connect timeout low", func(c *RouteConfig) { c.ClientConnectTimeout = 1 }, "option client_connect_timeout in [routing:test]"},
		{"client connect timeout high", func(c *RouteConfig) { c.ClientConnectTimeout = 31536001 }, "option client_connect_timeout in [routing:test]"},
		{"max connections low", func(c *RouteConfig) { c.MaxConnections = 0 }, "option max_connections in [routing:test]"},
		{"max connections high", func(c *RouteConfig) { c.MaxConnections = 65536 }, "option max_connections in [routing:test]"},
		{"max connect errors low", func(c *RouteConfig) { c.MaxConnectErrors = 0 }, "option max_connect_errors in [routing:test]"},
		{"net buffer low", func(c *RouteConfig) { c.NetBufferLength = 512 }, "option net_buffer_length in [routing:test]"},
		{"net buffer high", func(c *RouteConfig) { c.NetBufferLength = 17 * 1024 * 1024 }, "option net_buffer_length in [routing:test]"},
		{"no bind at all", func(c *RouteConfig) { c.BindAddress = ""; c.Socket = "" }, "option bind_address in [routing:test]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validRouteConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate must fail")
			}
			if !strings.Contains(err.Error(), tc.option) {
				t.Fatalf("error %q does not identify %q", err, tc.option)
			}
		})
	}
}

func TestParseStaticDestinations(t *testing.T) {
	spec, err := ParseDestinations("routing:test", "10.0.0.1,10.0.0.2:3307, 10.0.0.3:3308", 3306)
	if err != nil {
		t.Fatalf("ParseDestinations: %v", err)
	}
	if spec.Metadata != nil {
		t.Fatal("static list must not parse as metadata URI")
	}

	want := []destination.Address{
		{Host: "10.0.0.1", Port: 3306},
		{Host: "10.0.0.2", Port: 3307},
		{Host: "10.0.0.3", Port: 3308},
	}
	if len(spec.Static) != len(want) {
		t.Fatalf("addresses = %v, want %v", spec.Static, want)
	}
	for i := range want {
		if spec.Static[i] != want[i] {
			t.Fatalf("addresses = %v, want %v", spec.Static, want)
		}
	}
}

func TestParseDestinationsRejectsEmptyItems(t *testing.T) {
	for _, value := range []string{",10.0.0.1", "10.0.0.1,", "10.0.0.1,,10.0.0.2"} {
		if _, err := ParseDestinations("routing:test", value, 3306); err == nil {
			t.Fatalf("ParseDestinations(%q) must fail", value)
		}
	}
}

func TestParseDestinationsRejectsBadPort(t *testing.T) {
	if _, err := ParseDestinations("routing:test", "10.0.0.1:70000", 3306); err == nil {
		t.Fatal("out-of-range port must fail")
	}
	if _, err := ParseDestinations("routing:test", "10.0.0.1:abc", 3306); err == nil {
		t.Fatal("non-numeric port must fail")
	}
}

func TestParseMetadataURI(t *testing.T) {
	spec, err := ParseDestinations("routing:test", "metadata-cache://mycluster/myreplicaset?role=SECONDARY&allow_primary_reads=yes", 3306)
	if err != nil {
		t.Fatalf("ParseDestinations: %v", err)
	}
	md := spec.Metadata
	if md == nil {
		t.Fatal("metadata URI must parse as metadata destination")
	}
	if md.Key != "mycluster" {
		t.Fatalf("key = %q, want mycluster", md.Key)
	}
	if md.Replicaset != "myreplicaset" {
		t.Fatalf("replicaset = %q, want myreplicaset", md.Replicaset)
	}
	if md.Role != destination.RoleSecondary {
		t.Fatalf("role = %v, want secondary", md.Role)
	}
	if !md.AllowPrimaryReads {
		t.Fatal("allow_primary_reads=yes must be honored")
	}
}

func TestParseMetadataURIDefaultsReplicaset(t *testing.T) {
	spec, err := ParseDestinations("routing:test", "metadata-cache://mycluster/?role=PRIMARY", 3306)
	if err != nil {
		t.Fatalf("ParseDestinations: %v", err)
	}
	if spec.Metadata.Replicaset != "default" {
		t.Fatalf("replicaset = %q, want default", spec.Metadata.Replicaset)
	}
}

func TestParseMetadataURIRequiresRole(t *testing.T) {
	_, err := ParseDestinations("routing:test", "metadata-cache://mycluster/default", 3306)
	if err == nil {
		t.Fatal("missing role must fail")
	}
	if !strings.Contains(err.Error(), "role") {
		t.Fatalf("error %q does not mention the missing role", err)
	}
}

func TestEffectiveBind(t *testing.T) {
	cases := []struct {
		addr string
		port uint16
		want string
	}{
		{"127.0.0.1", 7001, "127.0.0.1:7001"},
		{"0.0.0.0:7002", 0, "0.0.0.0:7002"},
		{"127.0.0.1", 0, "127.0.0.1:3306"},
		{"", 7001, ""},
	}
	for _, tc := range cases {
		cfg := RouteConfig{BindAddress: tc.addr, BindPort: tc.port}
		if got := cfg.EffectiveBind(3306); got != tc.want {
			t.Fatalf("EffectiveBind(%q, %d) = %q, want %q", tc.addr, tc.port, got, tc.want)
		}
	}
}

func TestMetadataConfigValidation(t *testing.T) {
	valid := MetadataConfig{
		BootstrapServerAddresses: "mysql://meta1:3306,meta2",
		User:                     "router",
		MetadataCluster:          "main",
		TTL:                      5,
		SSLMode:                  "PREFERRED",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	addrs, err := valid.BootstrapAddresses()
	if err != nil {
		t.Fatalf("BootstrapAddresses: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("addresses = %v, want 2", addrs)
	}
	if addrs[0].Host != "meta1" || addrs[0].Port != 3306 {
		t.Fatalf("first address = %v", addrs[0])
	}
	if addrs[1].Host != "meta2" || addrs[1].Port != defaultMetadataPort {
		t.Fatalf("second address = %v, want default metadata port", addrs[1])
	}

	cases := []struct {
		name   string
		mutate func(*MetadataConfig)
		option string
	}{
		{"missing bootstrap", func(c *MetadataConfig) { c.BootstrapServerAddresses = "" }, "option bootstrap_server_addresses in [metadata_cache]"},
		{"bad bootstrap port", func(c *MetadataConfig) { c.BootstrapServerAddresses = "meta1:99999" }, "option bootstrap_server_addresses in [metadata_cache]"},
		{"missing user", func(c *MetadataConfig) { c.User = "" }, "option user in [metadata_cache]"},
		{"missing cluster", func(c *MetadataConfig) { c.MetadataCluster = "" }, "option metadata_cluster in [metadata_cache]"},
		{"zero ttl", func(c *MetadataConfig) { c.TTL = 0 }, "option ttl in [metadata_cache]"},
		{"bad ssl mode", func(c *MetadataConfig) { c.SSLMode = "MAYBE" }, "option ssl_mode in [metadata_cache]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate must fail")
			}
			if !strings.Contains(err.Error(), tc.option) {
				t.Fatalf("error %q does not identify %q", err, tc.option)
			}
		})
	}
}

func TestNewRouteRejectsBindInDestinations(t *testing.T) {
	cfg := validRouteConfig()
	cfg.BindAddress = "10.0.0.1"
	cfg.BindPort = 3306
	cfg.Destinations = "10.0.0.1:3306,10.0.0.2:3306"

	if _, err := NewRoute(cfg, nil, nil, nil); err == nil {
		t.Fatal("bind address inside the destination list must fail")
	}
}

func TestNewRouteMetadataRequiresCache(t *testing.T) {
	cfg := validRouteConfig()
	cfg.Destinations = "metadata-cache://main/default?role=PRIMARY"
	cfg.Mode = "read-write"

	if _, err := NewRoute(cfg, nil, nil, nil); err == nil {
		t.Fatal("metadata destinations without a metadata cache must fail")
	}
}

func TestNewRouteRejectsRingModeForMetadata(t *testing.T) {
	cfg := validRouteConfig()
	cfg.Destinations = "metadata-cache://main/default?role=PRIMARY"
	cfg.Mode = "read-write-ring"

	// A cache is present, so only the mode can make NewRoute fail.
	cache := metadata.New(nil, metadata.Config{Cluster: "main"})
	if _, err := NewRoute(cfg, cache, nil, nil); err == nil {
		t.Fatal("read-write-ring with metadata destinations must fail")
	}
}
