package busconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/metrics"
	"github.com/buskeeper/buskeeper/core/mediation"
	"github.com/buskeeper/buskeeper/core/policy"
)

const (
	defaultCallTimeout = 5 * time.Second
	backoffInitial     = time.Second
	backoffMax         = 30 * time.Second
)

// Conn abstracts one bus connection so tests can substitute fakes for the
// real D-Bus transport.
type Conn interface {
	Call(ctx context.Context, target, objectPath, iface, method string, args ...any) ([]any, error)
	Introspect(ctx context.Context, target, objectPath string) (string, error)
	Names(ctx context.Context) ([]string, error)
	Connected() bool
	Close() error
}

// Dialer opens a connection to the given bus scope.
type Dialer func(scope policy.BusScope) (Conn, error)

type busState struct {
	mu        sync.Mutex
	conn      Conn
	nextRetry time.Time
	delay     time.Duration
}

// Manager owns the lazily-connected session and system bus connections.
// Connection loss invalidates the introspection cache for that scope and
// schedules a reconnect with exponential backoff; callers arriving before
// the backoff elapses fail fast with a retryable transport error instead of
// hammering the bus.
type Manager struct {
	dial        Dialer
	callTimeout time.Duration
	systemBus   bool
	metrics     metrics.Metrics
	schemas     *SchemaCache
	session     busState
	system      busState
}

// Options configures the manager.
type Options struct {
	Dialer          Dialer
	CallTimeout     time.Duration
	EnableSystemBus bool
	Metrics         metrics.Metrics
}

// NewManager creates a manager. A nil dialer selects the real D-Bus dialer.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = DBusDialer
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	m := &Manager{
		dial:        opts.Dialer,
		callTimeout: opts.CallTimeout,
		systemBus:   opts.EnableSystemBus,
		metrics:     opts.Metrics,
	}
	m.schemas = NewSchemaCache(m)
	return m
}

// Schemas returns the introspection cache, which also implements
// policy.SchemaSource for the classifier.
func (m *Manager) Schemas() *SchemaCache {
	return m.schemas
}

// Call invokes a method on the given bus scope with the configured timeout.
func (m *Manager) Call(ctx context.Context, scope policy.BusScope, target, objectPath, iface, method string, args ...any) ([]any, error) {
	return m.CallWithTimeout(ctx, m.callTimeout, scope, target, objectPath, iface, method, args...)
}

// CallWithTimeout invokes a method with an explicit timeout, for callers
// whose budget legitimately exceeds the default per-call timeout, such as
// interactive authorization checks.
func (m *Manager) CallWithTimeout(ctx context.Context, timeout time.Duration, scope policy.BusScope, target, objectPath, iface, method string, args ...any) ([]any, error) {
	conn, err := m.connFor(scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := conn.Call(ctx, target, objectPath, iface, method, args...)
	m.metrics.ObserveBusCall(string(scope), time.Since(start).Seconds())
	if err != nil {
		if !conn.Connected() || ctx.Err() != nil {
			m.dropConn(scope)
			return nil, mediation.Wrap(mediation.CodeTransportError, "", "bus call failed", err)
		}
		// The bus answered with an error reply; the transport is fine.
		return nil, err
	}
	return out, nil
}

// Introspect fetches introspection XML for an endpoint.
func (m *Manager) Introspect(ctx context.Context, scope policy.BusScope, target, objectPath string) (string, error) {
	conn, err := m.connFor(scope)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	xml, err := conn.Introspect(ctx, target, objectPath)
	if err != nil {
		if !conn.Connected() || ctx.Err() != nil {
			m.dropConn(scope)
			return "", mediation.Wrap(mediation.CodeTransportError, "", "introspection failed", err)
		}
		return "", err
	}
	return xml, nil
}

// ListNames returns the service names registered on a bus scope.
func (m *Manager) ListNames(ctx context.Context, scope policy.BusScope) ([]string, error) {
	conn, err := m.connFor(scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	names, err := conn.Names(ctx)
	if err != nil {
		m.dropConn(scope)
		return nil, mediation.Wrap(mediation.CodeTransportError, "", "list names failed", err)
	}
	return names, nil
}

// Connected reports whether a live connection to the scope exists right now.
// It never dials.
func (m *Manager) Connected(scope policy.BusScope) bool {
	state, err := m.stateFor(scope)
	if err != nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.conn != nil && state.conn.Connected()
}

// Close shuts both connections down.
func (m *Manager) Close() {
	for _, state := range []*busState{&m.session, &m.system} {
		state.mu.Lock()
		if state.conn != nil {
			_ = state.conn.Close()
			state.conn = nil
		}
		state.mu.Unlock()
	}
}

func (m *Manager) stateFor(scope policy.BusScope) (*busState, error) {
	switch scope {
	case policy.BusSession:
		return &m.session, nil
	case policy.BusSystem:
		if !m.systemBus {
			return nil, mediation.New(mediation.CodeTransportError, "", "system bus is disabled")
		}
		return &m.system, nil
	default:
		return nil, mediation.New(mediation.CodeTransportError, "", fmt.Sprintf("unknown bus scope %q", scope))
	}
}

func (m *Manager) connFor(scope policy.BusScope) (Conn, error) {
	state, err := m.stateFor(scope)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.conn != nil && state.conn.Connected() {
		return state.conn, nil
	}
	if state.conn != nil {
		_ = state.conn.Close()
		state.conn = nil
		m.schemas.InvalidateScope(scope)
	}

	now := time.Now()
	if now.Before(state.nextRetry) {
		return nil, mediation.New(mediation.CodeTransportError, "",
			fmt.Sprintf("%s bus reconnect backing off", scope))
	}

	m.metrics.IncBusReconnect(string(scope))
	conn, err := m.dial(scope)
	if err != nil {
		if state.delay <= 0 {
			state.delay = backoffInitial
		} else {
			state.delay *= 2
			if state.delay > backoffMax {
				state.delay = backoffMax
			}
		}
		state.nextRetry = now.Add(state.delay)
		logging.Error("busconn", "connect failed", "bus", scope, "retry_in", state.delay, "error", err)
		return nil, mediation.Wrap(mediation.CodeTransportError, "", fmt.Sprintf("%s bus unavailable", scope), err)
	}

	state.conn = conn
	state.delay = 0
	state.nextRetry = time.Time{}
	logging.Info("busconn", "connected", "bus", scope)
	return conn, nil
}

func (m *Manager) dropConn(scope policy.BusScope) {
	state, err := m.stateFor(scope)
	if err != nil {
		return
	}
	state.mu.Lock()
	if state.conn != nil {
		_ = state.conn.Close()
		state.conn = nil
	}
	if state.delay <= 0 {
		state.delay = backoffInitial
	}
	state.nextRetry = time.Now().Add(state.delay)
	state.mu.Unlock()
	m.schemas.InvalidateScope(scope)
	logging.Warn("busconn", "connection lost", "bus", scope)
}
