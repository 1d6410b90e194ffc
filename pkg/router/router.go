// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements one configured route: its listeners, the
// acceptor loop, per-connection workers, admission control, and the
// per-source error tracking.
package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/svagner/mysql-router/pkg/blocker"
	"github.com/svagner/mysql-router/pkg/connhook"
	"github.com/svagner/mysql-router/pkg/destination"
	"github.com/svagner/mysql-router/pkg/errors"
	"github.com/svagner/mysql-router/pkg/metrics"
	"github.com/svagner/mysql-router/pkg/netops"
	"github.com/svagner/mysql-router/pkg/protocol"
)

// Defaults match the MySQL server's related settings where one exists.
const (
	DefaultBindAddress               = "127.0.0.1"
	DefaultMaxConnections            = 512
	DefaultDestinationConnectTimeout = 1 * time.Second
	DefaultMaxConnectErrors          = 100
	DefaultMaxConnectErrorsTimeout   = 0 * time.Second
	DefaultClientConnectTimeout      = 9 * time.Second
	DefaultNetBufferLength           = 16384
)

// How long the acceptor waits for a connection before checking the
// stop flag again.
const acceptorStopPollInterval = 1 * time.Second

// Config holds one route's configuration.
type Config struct {
	// Name of the route, used in logs and metrics.
	Name string

	// BindAddress is the TCP listen address (host:port). Empty
	// disables the TCP listener.
	BindAddress string

	// Socket is the path of the local stream socket. Empty disables
	// the socket listener. At least one of BindAddress and Socket is
	// required.
	Socket string

	// MaxConnections is the admission ceiling for concurrent routed
	// connections.
	MaxConnections int

	// DestinationConnectTimeout is the per-attempt budget when
	// reaching backends.
	DestinationConnectTimeout time.Duration

	// ClientConnectTimeout bounds the handshake phase of a routed
	// connection.
	ClientConnectTimeout time.Duration

	// MaxConnectErrors is the per-source error threshold.
	MaxConnectErrors uint64

	// MaxConnectErrorsTimeout is the window after which a source's
	// error counter resets. Zero disables resets.
	MaxConnectErrorsTimeout time.Duration

	// NetBufferLength is the per-direction copy buffer size.
	NetBufferLength int

	// Logger for route events.
	Logger *slog.Logger

	// Hooks receives connection lifecycle notifications. Optional.
	Hooks connhook.Hooks

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Router accepts client connections on one route and forwards them to
// a backend picked by the destination strategy.
type Router struct {
	cfg     Config
	adapter protocol.Adapter
	dest    destination.Destination
	ops     netops.Operations
	blocker *blocker.Blocker
	logger  *slog.Logger
	hooks   connhook.Hooks

	tcpListener  net.Listener
	unixListener net.Listener

	stopping      atomic.Bool
	activeRoutes  atomic.Int64
	handledRoutes atomic.Uint64
}

// deadlineListener lets the acceptor poll for the stop flag.
// *net.TCPListener and *net.UnixListener both implement it.
type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// New creates a router for one route. The destination strategy and the
// protocol adapter are owned by the router from here on.
func New(cfg Config, adapter protocol.Adapter, dest destination.Destination, ops netops.Operations) (*Router, error) {
	if cfg.BindAddress == "" && cfg.Socket == "" {
		return nil, fmt.Errorf("[%s] no valid address:port or socket to bind to", cfg.Name)
	}
	if cfg.MaxConnections <= 0 || cfg.MaxConnections > 65535 {
		return nil, fmt.Errorf("[%s] tried to set max_connections using invalid value, was '%d'", cfg.Name, cfg.MaxConnections)
	}
	if s := cfg.DestinationConnectTimeout.Seconds(); s <= 0 || s > 65535 {
		return nil, fmt.Errorf("[%s] tried to set destination_connect_timeout using invalid value, was '%v'", cfg.Name, cfg.DestinationConnectTimeout)
	}
	if cfg.ClientConnectTimeout <= 0 {
		cfg.ClientConnectTimeout = DefaultClientConnectTimeout
	}
	if cfg.MaxConnectErrors == 0 {
		cfg.MaxConnectErrors = DefaultMaxConnectErrors
	}
	if cfg.NetBufferLength <= 0 {
		cfg.NetBufferLength = DefaultNetBufferLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = &connhook.NoopHooks{}
	}

	logger := cfg.Logger.With(slog.String("route", cfg.Name))

	return &Router{
		cfg:     cfg,
		adapter: adapter,
		dest:    dest,
		ops:     ops,
		blocker: blocker.New(cfg.MaxConnectErrors, cfg.MaxConnectErrorsTimeout, logger),
		logger:  logger,
		hooks:   cfg.Hooks,
	}, nil
}

// Name returns the route name.
func (r *Router) Name() string { return r.cfg.Name }

// ActiveConnections returns the number of currently routed sessions.
func (r *Router) ActiveConnections() int64 { return r.activeRoutes.Load() }

// HandledConnections returns the number of sessions routed so far.
func (r *Router) HandledConnections() uint64 { return r.handledRoutes.Load() }

// BlockedHosts returns the sources currently over the error threshold.
func (r *Router) BlockedHosts() []blocker.Fingerprint { return r.blocker.BlockedHosts() }

// TCPAddr returns the bound TCP address, nil when TCP is disabled or
// the router has not started.
func (r *Router) TCPAddr() net.Addr {
	if r.tcpListener == nil {
		return nil
	}
	return r.tcpListener.Addr()
}

// Listen binds the configured endpoints and serves until the context
// is cancelled. In-flight sessions are not torn down on stop; they
// drain naturally.
func (r *Router) Listen(ctx context.Context) error {
	if r.cfg.BindAddress != "" {
		ln, err := net.Listen("tcp", r.cfg.BindAddress)
		if err != nil {
			return errors.New("setting up TCP service", r.cfg.Name, r.cfg.BindAddress, err)
		}
		r.tcpListener = ln
		r.logger.Info("started: listening", slog.String("address", r.cfg.BindAddress))
	}
	if r.cfg.Socket != "" {
		ln, err := r.setupNamedSocketService()
		if err != nil {
			if r.tcpListener != nil {
				r.tcpListener.Close()
			}
			return errors.New("setting up named socket service", r.cfg.Name, r.cfg.Socket, err)
		}
		r.unixListener = ln
		r.logger.Info("started: listening", slog.String("socket", r.cfg.Socket))
	}

	r.dest.Start()

	g, ctx := errgroup.WithContext(ctx)
	if r.tcpListener != nil {
		g.Go(func() error { return r.acceptLoop(ctx, r.tcpListener.(deadlineListener), true) })
	}
	if r.unixListener != nil {
		g.Go(func() error { return r.acceptLoop(ctx, r.unixListener.(deadlineListener), false) })
	}

	g.Go(func() error {
		<-ctx.Done()
		r.stopping.Store(true)
		if r.tcpListener != nil {
			r.tcpListener.Close()
		}
		if r.unixListener != nil {
			r.unixListener.Close()
		}
		return nil
	})

	err := g.Wait()

	if r.cfg.Socket != "" {
		if rmErr := os.Remove(r.cfg.Socket); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn("failed removing socket file",
				slog.String("socket", r.cfg.Socket),
				slog.String("error", rmErr.Error()))
		}
	}

	r.logger.Info("stopped")
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setupNamedSocketService binds the local stream socket, recovering a
// stale socket file left behind by a dead process.
func (r *Router) setupNamedSocketService() (net.Listener, error) {
	ln, err := net.Listen("unix", r.cfg.Socket)
	if err == nil {
		return ln, nil
	}
	if !strings.Contains(err.Error(), "address already in use") {
		return nil, err
	}

	// The file exists: probe it to see whether the socket is live.
	probe, dialErr := net.DialTimeout("unix", r.cfg.Socket, time.Second)
	if dialErr == nil {
		probe.Close()
		r.logger.Error("socket file already in use by another process",
			slog.String("socket", r.cfg.Socket))
		return nil, fmt.Errorf("socket file already in use")
	}

	r.logger.Warn("socket file already exists, but seems to be unused; deleting and retrying",
		slog.String("socket", r.cfg.Socket))
	if rmErr := os.Remove(r.cfg.Socket); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("failed removing socket file %s: %w", r.cfg.Socket, rmErr)
	}
	return net.Listen("unix", r.cfg.Socket)
}

// acceptLoop waits for connections with a bounded poll so the stop
// flag is observed promptly. Accept failures are logged and never tear
// down the listener.
func (r *Router) acceptLoop(ctx context.Context, ln deadlineListener, isTCP bool) error {
	for !r.stopping.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		ln.SetDeadline(time.Now().Add(acceptorStopPollInterval))
		conn, err := ln.Accept()
		if err != nil {
			var nerr net.Error
			if stderrors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if r.stopping.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed accepting connection", slog.String("error", err.Error()))
			continue
		}

		r.handleAccept(ctx, conn, isTCP)
	}
	return ctx.Err()
}

// handleAccept runs the admission checks and detaches a worker.
func (r *Router) handleAccept(ctx context.Context, conn net.Conn, isTCP bool) {
	fp := blocker.FingerprintAddr(conn.RemoteAddr())
	clientIP := peerHost(conn)

	if r.blocker.IsBlocked(fp) {
		msg := "Too many connection errors from " + clientIP
		r.adapter.SendError(conn, protocol.CodeHostBlocked, msg, protocol.SQLStateGeneral, r.cfg.Name)
		r.logger.Info(msg)
		// No shutdown before close.
		r.ops.Close(conn)
		r.hooks.OnBlocked(ctx, r.newSession(conn))
		r.observeRefused("blocked")
		return
	}

	if r.activeRoutes.Load() >= int64(r.cfg.MaxConnections) {
		r.adapter.SendError(conn, protocol.CodeTooManyConnections, "Too many connections", protocol.SQLStateGeneral, r.cfg.Name)
		r.ops.Close(conn)
		r.logger.Warn("reached max active connections",
			slog.Int64("active", r.activeRoutes.Load()),
			slog.Int("max", r.cfg.MaxConnections))
		r.observeRefused("max_connections")
		return
	}

	if isTCP {
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				r.logger.Error("client setsockopt error", slog.String("error", err.Error()))
				r.ops.Close(conn)
				return
			}
		}
	}

	go r.routeConnection(ctx, conn, fp, clientIP)
}

// routeConnection is the per-connection worker: it binds the client to
// a backend and streams bytes in both directions until either side
// ends or the handshake times out.
func (r *Router) routeConnection(ctx context.Context, client net.Conn, fp blocker.Fingerprint, clientIP string) {
	session := r.newSession(client)

	server, err := r.dest.Dial(r.cfg.DestinationConnectTimeout)
	if err != nil {
		msg := fmt.Sprintf("Can't connect to remote MySQL server for client '%s'", session.RemoteAddr)
		rerr := errors.New("connecting to destination", r.cfg.Name, session.RemoteAddr, err)
		r.logger.Warn(msg, slog.String("error", rerr.Error()))
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.DestinationErrors.WithLabelValues(r.cfg.Name).Inc()
		}

		// At this point it does not matter whether the client gets
		// the error.
		r.adapter.SendError(client, protocol.CodeCantConnectToServer, msg, protocol.SQLStateGeneral, r.cfg.Name)
		r.ops.Shutdown(client)
		r.ops.Close(client)

		// The handshake never started, so the failure is charged to
		// the source.
		r.chargeHandshakeFailure(ctx, session, fp, clientIP, nil)
		return
	}

	r.logger.Debug("routing started",
		slog.String("source", session.RemoteAddr),
		slog.String("destination", server.RemoteAddr().String()))

	r.activeRoutes.Add(1)
	r.handledRoutes.Add(1)
	r.hooks.OnAccept(ctx, session)

	state := protocol.NewConnState()

	stream := func() error {
		errCh := make(chan error, 2)

		// The server always speaks first on the classic protocol, but
		// each direction pumps independently; ordering per direction
		// is what matters.
		go func() { errCh <- r.copyLoop(server, client, state, true) }()
		go func() { errCh <- r.copyLoop(client, server, state, false) }()

		streamErr := <-errCh

		// Charge before the teardown so the adapter can still leave
		// its advisory on the server side.
		if !state.HandshakeDone() {
			streamErr = errors.New("handshake", r.cfg.Name, session.RemoteAddr, streamErr)
			r.logger.Debug("routing failed", slog.String("error", errString(streamErr)))
			r.chargeHandshakeFailure(ctx, session, fp, clientIP, server)
		}

		// Unblock the other direction.
		r.ops.Shutdown(client)
		r.ops.Shutdown(server)
		<-errCh

		r.ops.Close(client)
		r.ops.Close(server)
		return streamErr
	}

	var streamErr error
	if r.cfg.Metrics != nil {
		streamErr = r.cfg.Metrics.ObserveConnection(r.cfg.Name, stream)
	} else {
		streamErr = stream()
	}

	r.activeRoutes.Add(-1)

	up, down := state.Bytes()
	r.hooks.OnDisconnect(ctx, session, up, down)
	r.logger.Debug("routing stopped",
		slog.Uint64("bytes_up", up),
		slog.Uint64("bytes_down", down),
		slog.String("error", errString(streamErr)))
}

// copyLoop pumps one direction. While the handshake is pending each
// read is bounded by the client connect timeout; afterwards reads
// block indefinitely.
func (r *Router) copyLoop(src, dst net.Conn, state *protocol.ConnState, serverToClient bool) error {
	buf := make([]byte, r.cfg.NetBufferLength)
	for {
		if !state.HandshakeDone() {
			src.SetReadDeadline(time.Now().Add(r.cfg.ClientConnectTimeout))
		} else {
			src.SetReadDeadline(time.Time{})
		}

		n, err := r.adapter.CopyPacket(src, dst, state, buf, serverToClient)
		state.AddBytes(serverToClient, n)
		if err != nil {
			// A deadline armed before the handshake completed may
			// fire on an idle established connection.
			if stderrors.Is(err, errors.ErrTimeout) && state.HandshakeDone() {
				continue
			}
			return err
		}
	}
}

// chargeHandshakeFailure counts a failed handshake against the source
// and, on the transition to blocked, notifies the protocol adapter so
// it can leave an advisory error on the server side.
func (r *Router) chargeHandshakeFailure(ctx context.Context, session *connhook.Session, fp blocker.Fingerprint, clientIP string, server net.Conn) {
	r.hooks.OnHandshakeFailed(ctx, session)
	if !r.blocker.Fail(fp, r.cfg.Name, clientIP) {
		return
	}
	if server != nil {
		r.adapter.OnBlockClientHost(server, r.cfg.Name)
	}
	r.hooks.OnBlocked(ctx, session)
}

func (r *Router) newSession(conn net.Conn) *connhook.Session {
	return &connhook.Session{
		ID:         uuid.New().String(),
		Route:      r.cfg.Name,
		RemoteAddr: conn.RemoteAddr().String(),
		Protocol:   r.adapter.Name(),
	}
}

func (r *Router) observeRefused(reason string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RefusedConnections.WithLabelValues(r.cfg.Name, reason).Inc()
	}
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
