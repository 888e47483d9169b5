package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/shhac/scout/internal/domain"
	apperrors "github.com/shhac/scout/internal/errors"
)

// ConnectionState represents the current state of a pooled connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns a human-readable representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

type pooledConn struct {
	conn  *grpc.ClientConn
	state ConnectionState
	refs  int
}

// ConnectionManager shares one client connection per endpoint between
// reflection sessions. Connections are reference counted and closed when the
// last holder releases them.
type ConnectionManager struct {
	logger *slog.Logger
	mu     sync.RWMutex
	conns  map[string]*pooledConn

	// Callbacks for state changes
	onStateChange func(endpoint domain.Endpoint, state ConnectionState, message string)
}

// NewConnectionManager creates an empty connection pool
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		logger: logger,
		conns:  make(map[string]*pooledConn),
	}
}

// Acquire returns the pooled connection for cfg.Endpoint, creating it if
// needed. Every successful Acquire must be paired with a Release.
func (m *ConnectionManager) Acquire(_ context.Context, cfg domain.Connection) (*grpc.ClientConn, error) {
	ep := cfg.Endpoint
	if ep.Address == "" {
		return nil, fmt.Errorf("%w: empty address", apperrors.ErrConnectionFailed)
	}
	key := ep.String()

	m.mu.Lock()
	if pc, ok := m.conns[key]; ok {
		pc.refs++
		m.mu.Unlock()
		return pc.conn, nil
	}
	m.mu.Unlock()

	m.updateState(ep, StateConnecting, "Connecting to "+ep.Address)

	conn, err := grpc.NewClient(ep.Address, dialOptions(cfg)...)
	if err != nil {
		m.logger.Error("failed to create gRPC client",
			slog.String("address", ep.Address),
			slog.Any("error", err),
		)
		m.updateState(ep, StateError, "Failed to connect: "+err.Error())
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrConnectionFailed, ep.Address, err)
	}

	m.mu.Lock()
	if pc, ok := m.conns[key]; ok {
		// lost a race with another Acquire for the same endpoint
		pc.refs++
		m.mu.Unlock()
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close duplicate connection", slog.Any("error", err))
		}
		return pc.conn, nil
	}
	m.conns[key] = &pooledConn{conn: conn, state: StateConnecting, refs: 1}
	m.mu.Unlock()

	m.logger.Info("gRPC client created",
		slog.String("address", ep.Address),
		slog.Bool("tls", ep.TLS),
	)

	// NewClient is lazy; dial now so the watcher sees real transitions.
	conn.Connect()
	go m.watch(ep, conn)

	return conn, nil
}

// watch follows conn's connectivity until it shuts down.
func (m *ConnectionManager) watch(ep domain.Endpoint, conn *grpc.ClientConn) {
	seenActive := false
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Shutdown:
			return
		case connectivity.Connecting:
			seenActive = true
			m.watchedState(ep, conn, StateConnecting, "Connecting to "+ep.Address)
		case connectivity.Ready:
			seenActive = true
			m.watchedState(ep, conn, StateConnected, "Connected to "+ep.Address)
		case connectivity.TransientFailure:
			seenActive = true
			m.watchedState(ep, conn, StateError, "Connection to "+ep.Address+" failed")
		case connectivity.Idle:
			// idle before the first dial attempt is not a disconnect
			if seenActive {
				m.watchedState(ep, conn, StateDisconnected, "Idle")
			}
		}
		if !conn.WaitForStateChange(context.Background(), s) {
			return
		}
	}
}

// watchedState is updateState for the watcher: it ignores connections that
// have left the pool and repeats of the current state.
func (m *ConnectionManager) watchedState(ep domain.Endpoint, conn *grpc.ClientConn, state ConnectionState, message string) {
	m.mu.Lock()
	pc, ok := m.conns[ep.String()]
	if !ok || pc.conn != conn || pc.state == state {
		m.mu.Unlock()
		return
	}
	pc.state = state
	callback := m.onStateChange
	m.mu.Unlock()

	m.logger.Debug("connection state changed",
		slog.String("address", ep.Address),
		slog.String("state", state.String()),
		slog.String("message", message),
	)
	if callback != nil {
		callback(ep, state, message)
	}
}

// Release drops one reference to the endpoint's connection and closes it when
// no references remain. Releasing an unknown endpoint is a no-op.
func (m *ConnectionManager) Release(ep domain.Endpoint) error {
	key := ep.String()

	m.mu.Lock()
	pc, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	pc.refs--
	if pc.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, key)
	m.mu.Unlock()

	return m.close(ep, pc.conn)
}

// CloseAll closes every pooled connection regardless of outstanding references.
func (m *ConnectionManager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*pooledConn)
	m.mu.Unlock()

	var errs error
	for key, pc := range conns {
		if err := pc.conn.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errs
}

// Len returns the number of open connections.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// State returns the current state of an endpoint's connection
func (m *ConnectionManager) State(ep domain.Endpoint) ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pc, ok := m.conns[ep.String()]; ok {
		return pc.state
	}
	return StateDisconnected
}

// SetStateCallback registers a callback function to be called on state changes
func (m *ConnectionManager) SetStateCallback(fn func(endpoint domain.Endpoint, state ConnectionState, message string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

func (m *ConnectionManager) close(ep domain.Endpoint, conn *grpc.ClientConn) error {
	if err := conn.Close(); err != nil {
		m.logger.Error("failed to close connection",
			slog.String("address", ep.Address),
			slog.Any("error", err),
		)
		m.updateState(ep, StateError, "Failed to disconnect: "+err.Error())
		return err
	}
	m.logger.Info("gRPC connection closed", slog.String("address", ep.Address))
	m.updateState(ep, StateDisconnected, "Disconnected")
	return nil
}

// updateState records the state and invokes the callback if set
func (m *ConnectionManager) updateState(ep domain.Endpoint, state ConnectionState, message string) {
	m.mu.Lock()
	if pc, ok := m.conns[ep.String()]; ok {
		pc.state = state
	}
	callback := m.onStateChange
	m.mu.Unlock()

	m.logger.Debug("connection state changed",
		slog.String("address", ep.Address),
		slog.String("state", state.String()),
		slog.String("message", message),
	)

	if callback != nil {
		callback(ep, state, message)
	}
}

func dialOptions(cfg domain.Connection) []grpc.DialOption {
	var opts []grpc.DialOption

	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}))
	}

	if cfg.Endpoint.TLS {
		// system roots; custom credentials are not supported
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts
}
