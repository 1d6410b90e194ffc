// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/svagner/mysql-router/pkg/errors"
)

// Queries against the metadata schema and performance_schema. These
// strings are part of the compatibility surface.
const (
	queryMetadataInstances = "SELECT " +
		"R.replicaset_name, " +
		"I.mysql_server_uuid, " +
		"I.role, " +
		"I.weight, " +
		"I.version_token, " +
		"H.location, " +
		"I.addresses->>'$.mysqlClassic', " +
		"I.addresses->>'$.mysqlX' " +
		"FROM " +
		"mysql_innodb_cluster_metadata.clusters AS F " +
		"JOIN mysql_innodb_cluster_metadata.replicasets AS R " +
		"ON F.cluster_id = R.cluster_id " +
		"JOIN mysql_innodb_cluster_metadata.instances AS I " +
		"ON R.replicaset_id = I.replicaset_id " +
		"JOIN mysql_innodb_cluster_metadata.hosts AS H " +
		"ON I.host_id = H.host_id " +
		"WHERE F.cluster_name = ?"

	queryPrimaryMember = "show status like 'group_replication_primary_member'"

	queryGroupMembers = "SELECT member_id, member_host, member_port, member_state, " +
		"@@group_replication_single_primary_mode " +
		"FROM performance_schema.replication_group_members " +
		"WHERE channel_name = 'group_replication_applier'"
)

// Fetcher is one upstream session to the metadata servers. The cache
// refresher is its only user; it reuses the session across refreshes
// and reconnects on loss.
type Fetcher interface {
	// Connect establishes a session to the first reachable address,
	// trying them in order.
	Connect(addrs []Address) error

	// Connected reports whether a session is established.
	Connected() bool

	// Address returns the address of the current session, host:port.
	Address() string

	// FetchInstances returns the declared topology for the cluster,
	// keyed by replicaset name.
	FetchInstances(cluster string) (map[string]*ManagedReplicaSet, error)

	// FetchGroupMembers returns the live group state as seen by the
	// member at host:port.
	FetchGroupMembers(host string, port uint16) (GroupView, error)

	// Close tears the session down.
	Close() error
}

// SSLOptions configure TLS on the upstream metadata session.
type SSLOptions struct {
	Mode       string
	CA         string
	CAPath     string
	CRL        string
	CRLPath    string
	Cipher     string
	TLSVersion string
}

// Recognized ssl_mode values.
const (
	SSLModeDisabled       = "DISABLED"
	SSLModePreferred      = "PREFERRED"
	SSLModeRequired       = "REQUIRED"
	SSLModeVerifyCA       = "VERIFY_CA"
	SSLModeVerifyIdentity = "VERIFY_IDENTITY"
)

var tlsConfigSeq atomic.Uint64

// SQLFetcher is the production Fetcher backed by database/sql and the
// MySQL driver.
type SQLFetcher struct {
	user           string
	password       string
	connectTimeout time.Duration
	tlsParam       string
	logger         *slog.Logger

	db   *sql.DB
	addr string
}

var _ Fetcher = (*SQLFetcher)(nil)

// NewSQLFetcher creates a fetcher authenticating with the given
// credentials. The ssl options are validated and, when certificate
// verification is requested, registered with the driver.
func NewSQLFetcher(user, password string, connectTimeout time.Duration, ssl SSLOptions, logger *slog.Logger) (*SQLFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsParam, err := tlsParamFor(ssl)
	if err != nil {
		return nil, err
	}
	if ssl.Mode != "" {
		logger.Info("connections using ssl_mode", slog.String("ssl_mode", strings.ToUpper(ssl.Mode)))
	}
	return &SQLFetcher{
		user:           user,
		password:       password,
		connectTimeout: connectTimeout,
		tlsParam:       tlsParam,
		logger:         logger,
	}, nil
}

// tlsParamFor maps ssl options onto the driver's tls parameter,
// registering a custom TLS config when verification is requested.
func tlsParamFor(ssl SSLOptions) (string, error) {
	mode := strings.ToUpper(ssl.Mode)
	switch mode {
	case "", SSLModePreferred:
		return "preferred", nil
	case SSLModeDisabled:
		return "false", nil
	case SSLModeRequired:
		return "skip-verify", nil
	case SSLModeVerifyCA, SSLModeVerifyIdentity:
	default:
		return "", fmt.Errorf("error initializing metadata cache: invalid configuration item 'ssl_mode=%s'", ssl.Mode)
	}

	cfg := &tls.Config{}
	if ssl.CA != "" || ssl.CAPath != "" {
		pool := x509.NewCertPool()
		if ssl.CA != "" {
			pem, err := os.ReadFile(ssl.CA)
			if err != nil {
				return "", errors.Wrap(err, "reading ssl_ca")
			}
			if !pool.AppendCertsFromPEM(pem) {
				return "", fmt.Errorf("no certificates parsed from ssl_ca %q", ssl.CA)
			}
		}
		if ssl.CAPath != "" {
			entries, err := os.ReadDir(ssl.CAPath)
			if err != nil {
				return "", errors.Wrap(err, "reading ssl_capath")
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				pem, err := os.ReadFile(filepath.Join(ssl.CAPath, e.Name()))
				if err != nil {
					return "", errors.Wrap(err, "reading ssl_capath")
				}
				pool.AppendCertsFromPEM(pem)
			}
		}
		cfg.RootCAs = pool
	}
	if mode == SSLModeVerifyCA {
		// Verify the chain but not the server name.
		roots := cfg.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return err
				}
				certs = append(certs, cert)
			}
			if len(certs) == 0 {
				return fmt.Errorf("no peer certificate")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, cert := range certs[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := certs[0].Verify(opts)
			return err
		}
	}
	switch ssl.TLSVersion {
	case "":
	case "TLSv1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "TLSv1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return "", fmt.Errorf("unsupported tls_version %q", ssl.TLSVersion)
	}
	if ssl.Cipher != "" {
		for _, cs := range tls.CipherSuites() {
			if cs.Name == ssl.Cipher {
				cfg.CipherSuites = []uint16{cs.ID}
			}
		}
		if cfg.CipherSuites == nil {
			return "", fmt.Errorf("unsupported ssl_cipher %q", ssl.Cipher)
		}
	}

	name := fmt.Sprintf("metadata-%d", tlsConfigSeq.Add(1))
	if err := mysql.RegisterTLSConfig(name, cfg); err != nil {
		return "", errors.Wrap(err, "registering tls config")
	}
	return name, nil
}

// normalizeHost maps localhost onto the loopback address so that
// sessions go over TCP rather than a socket file.
func normalizeHost(host string) string {
	if host == "localhost" {
		return "127.0.0.1"
	}
	return host
}

func (f *SQLFetcher) open(host string, port uint16) (*sql.DB, string, error) {
	addr := fmt.Sprintf("%s:%d", normalizeHost(host), port)
	cfg := mysql.NewConfig()
	cfg.User = f.user
	cfg.Passwd = f.password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.Timeout = f.connectTimeout
	cfg.ReadTimeout = f.connectTimeout
	cfg.WriteTimeout = f.connectTimeout
	cfg.TLSConfig = f.tlsParam

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, addr, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), f.connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, addr, err
	}
	return db, addr, nil
}

// Connect establishes a session to the first reachable bootstrap
// address. Every failure is logged; total failure leaves the fetcher
// disconnected.
func (f *SQLFetcher) Connect(addrs []Address) error {
	f.Close()

	for _, a := range addrs {
		db, addr, err := f.open(a.Host, a.Port)
		if err != nil {
			f.logger.Error("failed connecting with metadata server",
				slog.String("address", a.String()),
				slog.String("error", err.Error()))
			continue
		}
		f.db = db
		f.addr = addr
		f.logger.Info("connected with metadata server", slog.String("address", addr))
		return nil
	}

	f.logger.Error("failed connecting with any of the bootstrap servers")
	return errors.ErrMetadataUnavailable
}

// Connected reports whether a session is established.
func (f *SQLFetcher) Connected() bool {
	return f.db != nil
}

// Address returns the address of the current session.
func (f *SQLFetcher) Address() string {
	return f.addr
}

// Close tears the session down.
func (f *SQLFetcher) Close() error {
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	f.addr = ""
	return err
}

// FetchInstances returns the declared topology for the cluster. A
// query error drops the session so the next refresh reconnects.
func (f *SQLFetcher) FetchInstances(cluster string) (map[string]*ManagedReplicaSet, error) {
	if f.db == nil {
		return nil, errors.ErrMetadataUnavailable
	}

	rows, err := f.db.Query(queryMetadataInstances, cluster)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fetching cluster metadata")
	}
	defer rows.Close()

	replicasets := make(map[string]*ManagedReplicaSet)
	for rows.Next() {
		var (
			rsName, uuid  string
			role          sql.NullString
			weight        sql.NullFloat64
			versionToken  sql.NullInt64
			location      sql.NullString
			classicAddr   sql.NullString
			xAddr         sql.NullString
		)
		if err := rows.Scan(&rsName, &uuid, &role, &weight, &versionToken, &location, &classicAddr, &xAddr); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "scanning cluster metadata")
		}

		inst := ManagedInstance{
			ReplicasetName: rsName,
			ServerUUID:     uuid,
			Role:           role.String,
			Mode:           ModeUnavailable,
			Weight:         float32(weight.Float64),
			VersionToken:   uint32(versionToken.Int64),
			Location:       location.String,
		}

		host, port, err := splitInstanceAddr(classicAddr.String, 3306)
		if err != nil {
			f.logger.Warn("error parsing URI in metadata for instance",
				slog.String("uuid", uuid),
				slog.String("uri", classicAddr.String),
				slog.String("error", err.Error()))
			continue
		}
		inst.Host = host
		inst.Port = port

		// X protocol support is not mandatory. An instance has one
		// host; the X address only contributes its port.
		if xAddr.Valid && xAddr.String != "" {
			xhost, xport, err := splitInstanceAddr(xAddr.String, 33060)
			if err != nil {
				f.logger.Warn("error parsing URI in metadata for instance",
					slog.String("uuid", uuid),
					slog.String("uri", xAddr.String),
					slog.String("error", err.Error()))
				continue
			}
			if xhost != inst.Host {
				f.logger.Warn("X protocol address host differs from classic address host",
					slog.String("uuid", uuid),
					slog.String("host", inst.Host),
					slog.String("x_host", xhost))
			}
			inst.XPort = xport
		} else {
			inst.XPort = inst.Port * 10
		}

		rs, ok := replicasets[rsName]
		if !ok {
			rs = &ManagedReplicaSet{
				Name: rsName,
				// Actual value set later from group state.
				SinglePrimaryMode: true,
			}
			replicasets[rsName] = rs
		}
		rs.Members = append(rs.Members, inst)
	}
	if err := rows.Err(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "reading cluster metadata")
	}

	return replicasets, nil
}

func splitInstanceAddr(uri string, defaultPort uint16) (string, uint16, error) {
	if uri == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	idx := strings.LastIndex(uri, ":")
	if idx < 0 {
		return uri, defaultPort, nil
	}
	port, err := strconv.ParseUint(uri[idx+1:], 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in %q", uri)
	}
	return uri[:idx], uint16(port), nil
}

// FetchGroupMembers returns the live group state as seen by the member
// at host:port. When that member is the current metadata session the
// established connection is shared.
func (f *SQLFetcher) FetchGroupMembers(host string, port uint16) (GroupView, error) {
	addr := fmt.Sprintf("%s:%d", normalizeHost(host), port)

	db := f.db
	if db == nil || addr != f.addr {
		ephemeral, _, err := f.open(host, port)
		if err != nil {
			return GroupView{}, errors.Wrap(err, "connecting to group member")
		}
		defer ephemeral.Close()
		db = ephemeral
	}

	view := GroupView{Members: make(map[string]GroupMember)}

	rows, err := db.Query(queryPrimaryMember)
	if err != nil {
		return GroupView{}, errors.Wrap(err, "querying group primary member")
	}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return GroupView{}, errors.Wrap(err, "scanning group primary member")
		}
		view.PrimaryUUID = value
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return GroupView{}, errors.Wrap(err, "reading group primary member")
	}
	rows.Close()

	rows, err = db.Query(queryGroupMembers)
	if err != nil {
		return GroupView{}, errors.Wrap(err, "querying group members")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			uuid, state   string
			memberHost    sql.NullString
			memberPort    sql.NullInt64
			singlePrimary string
		)
		if err := rows.Scan(&uuid, &memberHost, &memberPort, &state, &singlePrimary); err != nil {
			return GroupView{}, errors.Wrap(err, "scanning group members")
		}
		view.SinglePrimaryMode = singlePrimary == "1" || strings.EqualFold(singlePrimary, "ON")

		m := GroupMember{
			State: parseGroupState(state),
			Role:  RoleSecondary,
			Host:  memberHost.String,
			Port:  uint16(memberPort.Int64),
		}
		if uuid == view.PrimaryUUID {
			m.Role = RolePrimary
		}
		view.Members[uuid] = m
	}
	if err := rows.Err(); err != nil {
		return GroupView{}, errors.Wrap(err, "reading group members")
	}

	return view, nil
}

func parseGroupState(state string) GroupState {
	switch strings.ToUpper(state) {
	case "ONLINE":
		return StateOnline
	case "RECOVERING":
		return StateRecovering
	case "UNREACHABLE":
		return StateUnreachable
	case "OFFLINE":
		return StateOffline
	default:
		return StateOther
	}
}
