// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mysqlrouter wires configured routes and the topology cache
// into running services.
package mysqlrouter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/svagner/mysql-router/pkg/destination"
	"github.com/svagner/mysql-router/pkg/metadata"
)

// Option value bounds.
const (
	minNetBufferLength = 1024
	maxNetBufferLength = 16 * 1024 * 1024

	maxClientConnectTimeout = 31536000 // one year, in seconds

	// Default port of a metadata server bootstrapped for the router.
	defaultMetadataPort = 32275
)

// RouteConfig holds one routing section, typically parsed from
// prefixed environment variables.
type RouteConfig struct {
	Name                    string `env:"NAME"`
	BindAddress             string `env:"BIND_ADDRESS" envDefault:"127.0.0.1"`
	BindPort                uint16 `env:"BIND_PORT"`
	Socket                  string `env:"SOCKET"`
	Destinations            string `env:"DESTINATIONS"`
	Mode                    string `env:"MODE"`
	Protocol                string `env:"PROTOCOL" envDefault:"classic"`
	ConnectTimeout          uint   `env:"CONNECT_TIMEOUT" envDefault:"1"`
	ClientConnectTimeout    uint   `env:"CLIENT_CONNECT_TIMEOUT" envDefault:"9"`
	MaxConnections          uint   `env:"MAX_CONNECTIONS" envDefault:"512"`
	MaxConnectErrors        uint64 `env:"MAX_CONNECT_ERRORS" envDefault:"100"`
	MaxConnectErrorsTimeout uint   `env:"MAX_CONNECT_ERRORS_TIMEOUT" envDefault:"0"`
	NetBufferLength         uint   `env:"NET_BUFFER_LENGTH" envDefault:"16384"`
}

// NewRouteConfig parses and validates one routing section.
func NewRouteConfig(opts env.Options) (RouteConfig, error) {
	cfg := RouteConfig{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Section returns the configuration section name used in error
// messages.
func (c RouteConfig) Section() string {
	if c.Name == "" {
		return "routing"
	}
	return "routing:" + c.Name
}

func optionErr(section, option, format string, args ...any) error {
	return fmt.Errorf("option %s in [%s] %s", option, section, fmt.Sprintf(format, args...))
}

// Validate checks all option values and ranges.
func (c *RouteConfig) Validate() error {
	section := c.Section()

	c.Mode = strings.ToLower(c.Mode)
	switch c.Mode {
	case "":
		return optionErr(section, "mode", "needs to be specified; valid are read-write, read-only, read-write-ring")
	case "read-write", "read-only", "read-write-ring":
	default:
		return optionErr(section, "mode", "is invalid; valid are read-write, read-only, read-write-ring (was '%s')", c.Mode)
	}

	c.Protocol = strings.ToLower(c.Protocol)
	switch c.Protocol {
	case "classic", "x":
	default:
		return optionErr(section, "protocol", "is invalid; valid are classic, x (was '%s')", c.Protocol)
	}

	if c.Destinations == "" {
		return optionErr(section, "destinations", "is required and needs a value")
	}

	if c.ConnectTimeout < 1 || c.ConnectTimeout > 65535 {
		return optionErr(section, "connect_timeout", "needs value between 1 and 65535 inclusive (was '%d')", c.ConnectTimeout)
	}
	if c.ClientConnectTimeout < 2 || c.ClientConnectTimeout > maxClientConnectTimeout {
		return optionErr(section, "client_connect_timeout", "needs value between 2 and %d inclusive (was '%d')", maxClientConnectTimeout, c.ClientConnectTimeout)
	}
	if c.MaxConnections < 1 || c.MaxConnections > 65535 {
		return optionErr(section, "max_connections", "needs value between 1 and 65535 inclusive (was '%d')", c.MaxConnections)
	}
	if c.MaxConnectErrors < 1 {
		return optionErr(section, "max_connect_errors", "needs value between 1 and %d inclusive (was '%d')", uint64(1)<<63-1, c.MaxConnectErrors)
	}
	if c.NetBufferLength < minNetBufferLength || c.NetBufferLength > maxNetBufferLength {
		return optionErr(section, "net_buffer_length", "needs value between %d and %d inclusive (was '%d')", minNetBufferLength, maxNetBufferLength, c.NetBufferLength)
	}

	if c.BindAddress == "" && c.Socket == "" {
		return optionErr(section, "bind_address", "either bind_address or socket option needs to be supplied, or both")
	}

	return nil
}

// EffectiveBind returns the host:port the route's TCP listener binds
// to, empty when TCP is disabled. bind_port and a port embedded in
// bind_address are both honored; the protocol default fills the gap.
func (c RouteConfig) EffectiveBind(defaultPort uint16) string {
	if c.BindAddress == "" {
		return ""
	}
	host := c.BindAddress
	port := c.BindPort
	if h, p, err := splitAddrPort(c.BindAddress); err == nil && p != 0 {
		host = h
		port = p
	}
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// MetadataURI is a parsed metadata-cache destination URI.
type MetadataURI struct {
	Key               string
	Replicaset        string
	Role              destination.ServerRole
	AllowPrimaryReads bool
}

// DestinationSpec is a parsed destinations option: either a static
// address list or a metadata-cache URI.
type DestinationSpec struct {
	Static   []destination.Address
	Metadata *MetadataURI
}

// ParseDestinations parses the destinations option. The value is
// either a metadata-cache URI
// (metadata-cache://<key>/<replicaset>?role=...) or a comma-separated
// host[:port] list; missing ports default to the protocol's.
func ParseDestinations(section, value string, defaultPort uint16) (DestinationSpec, error) {
	if strings.HasPrefix(value, "metadata-cache:") {
		u, err := url.Parse(value)
		if err != nil {
			return DestinationSpec{}, optionErr(section, "destinations", "has an invalid URI (was '%s')", value)
		}
		replicaset := strings.Trim(u.Path, "/")
		if replicaset == "" {
			replicaset = "default"
		}
		roleValue := u.Query().Get("role")
		if roleValue == "" {
			return DestinationSpec{}, optionErr(section, "destinations", "is missing 'role' in routing destination specification")
		}
		role, ok := destination.ParseServerRole(roleValue)
		if !ok {
			return DestinationSpec{}, optionErr(section, "destinations", "has invalid role '%s'; valid are PRIMARY, SECONDARY, PRIMARY_AND_SECONDARY", roleValue)
		}
		return DestinationSpec{Metadata: &MetadataURI{
			Key:               u.Host,
			Replicaset:        replicaset,
			Role:              role,
			AllowPrimaryReads: strings.EqualFold(u.Query().Get("allow_primary_reads"), "yes"),
		}}, nil
	}

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, ",") || strings.HasSuffix(trimmed, ",") {
		return DestinationSpec{}, optionErr(section, "destinations", "has an empty address in destination list (was '%s')", value)
	}

	var spec DestinationSpec
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return DestinationSpec{}, optionErr(section, "destinations", "has an empty address in destination list (was '%s')", value)
		}
		host, port, err := splitAddrPort(part)
		if err != nil {
			return DestinationSpec{}, optionErr(section, "destinations", "has an invalid destination address '%s'", part)
		}
		if port == 0 {
			port = defaultPort
		}
		spec.Static = append(spec.Static, destination.Address{Host: host, Port: port})
	}
	if len(spec.Static) == 0 {
		return DestinationSpec{}, optionErr(section, "destinations", "has no destinations available")
	}
	return spec, nil
}

// splitAddrPort splits host[:port], returning port 0 when absent.
func splitAddrPort(s string) (string, uint16, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0, nil
	}
	// Bracketed IPv6 literal or plain host:port.
	if strings.HasPrefix(s, "[") {
		host, portStr, err := splitBracketed(s)
		if err != nil {
			return "", 0, err
		}
		if portStr == "" {
			return host, 0, nil
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return "", 0, fmt.Errorf("invalid port in %q", s)
		}
		return host, uint16(port), nil
	}
	if strings.Count(s, ":") > 1 {
		// Unbracketed IPv6 literal without a port.
		return s, 0, nil
	}
	host := s[:idx]
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", s)
	}
	port, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, uint16(port), nil
}

func splitBracketed(s string) (string, string, error) {
	end := strings.Index(s, "]")
	if end < 0 {
		return "", "", fmt.Errorf("unbalanced bracket in %q", s)
	}
	host := s[1:end]
	rest := s[end+1:]
	if rest == "" {
		return host, "", nil
	}
	if !strings.HasPrefix(rest, ":") {
		return "", "", fmt.Errorf("invalid address %q", s)
	}
	return host, rest[1:], nil
}

// MetadataConfig holds the metadata_cache section.
type MetadataConfig struct {
	BootstrapServerAddresses string `env:"BOOTSTRAP_SERVER_ADDRESSES"`
	User                     string `env:"USER"`
	Password                 string `env:"PASSWORD"`
	MetadataCluster          string `env:"METADATA_CLUSTER"`
	TTL                      uint   `env:"TTL" envDefault:"5"`
	ConnectTimeout           uint   `env:"CONNECT_TIMEOUT" envDefault:"1"`
	SSLMode                  string `env:"SSL_MODE" envDefault:"PREFERRED"`
	SSLCA                    string `env:"SSL_CA"`
	SSLCAPath                string `env:"SSL_CAPATH"`
	SSLCRL                   string `env:"SSL_CRL"`
	SSLCRLPath               string `env:"SSL_CRLPATH"`
	SSLCipher                string `env:"SSL_CIPHER"`
	TLSVersion               string `env:"TLS_VERSION"`
}

// NewMetadataConfig parses and validates the metadata_cache section.
func NewMetadataConfig(opts env.Options) (MetadataConfig, error) {
	cfg := MetadataConfig{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the metadata_cache option values.
func (c *MetadataConfig) Validate() error {
	const section = "metadata_cache"

	if c.BootstrapServerAddresses == "" {
		return optionErr(section, "bootstrap_server_addresses", "is required and needs a value")
	}
	if _, err := c.BootstrapAddresses(); err != nil {
		return err
	}
	if c.User == "" {
		return optionErr(section, "user", "is required and needs a value")
	}
	if c.MetadataCluster == "" {
		return optionErr(section, "metadata_cluster", "is required and needs a value")
	}
	if c.TTL < 1 {
		return optionErr(section, "ttl", "needs value between 1 and %d inclusive (was '%d')", uint(4294967295), c.TTL)
	}

	c.SSLMode = strings.ToUpper(c.SSLMode)
	switch c.SSLMode {
	case metadata.SSLModeDisabled, metadata.SSLModePreferred, metadata.SSLModeRequired,
		metadata.SSLModeVerifyCA, metadata.SSLModeVerifyIdentity:
	default:
		return optionErr(section, "ssl_mode", "is invalid; valid are DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY (was '%s')", c.SSLMode)
	}

	return nil
}

// BootstrapAddresses parses the bootstrap server URIs. Entries may be
// host, host:port, or mysql://host:port; ports must be 1-65535.
func (c MetadataConfig) BootstrapAddresses() ([]metadata.Address, error) {
	const section = "metadata_cache"

	var addrs []metadata.Address
	for _, part := range strings.Split(c.BootstrapServerAddresses, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, optionErr(section, "bootstrap_server_addresses", "has an empty address (was '%s')", c.BootstrapServerAddresses)
		}
		part = strings.TrimPrefix(part, "mysql://")
		host, port, err := splitAddrPort(part)
		if err != nil {
			return nil, optionErr(section, "bootstrap_server_addresses", "has an invalid address '%s'", part)
		}
		if port == 0 {
			port = defaultMetadataPort
		}
		addrs = append(addrs, metadata.Address{Host: host, Port: port})
	}
	return addrs, nil
}

// SSL returns the TLS options of the upstream session.
func (c MetadataConfig) SSL() metadata.SSLOptions {
	return metadata.SSLOptions{
		Mode:       c.SSLMode,
		CA:         c.SSLCA,
		CAPath:     c.SSLCAPath,
		CRL:        c.SSLCRL,
		CRLPath:    c.SSLCRLPath,
		Cipher:     c.SSLCipher,
		TLSVersion: c.TLSVersion,
	}
}

// TTLDuration returns the refresh TTL.
func (c MetadataConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}
