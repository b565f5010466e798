package busconn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/buskeeper/buskeeper/core/mediation"
	"github.com/buskeeper/buskeeper/core/policy"
)

const notificationsXML = `
<node>
  <interface name="org.freedesktop.Notifications">
    <method name="Notify">
      <arg type="s" direction="in"/>
      <arg type="u" direction="in"/>
      <arg type="u" direction="out"/>
    </method>
    <method name="GetCapabilities">
      <arg type="as" direction="out"/>
    </method>
  </interface>
  <interface name="org.freedesktop.DBus.Peer">
    <method name="Ping"/>
  </interface>
</node>`

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	callErr    error
	callBody   []any
	introspect string
	names      []string
	calls      int
	closed     bool
}

func (f *fakeConn) Call(ctx context.Context, target, objectPath, iface, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callBody, nil
}

func (f *fakeConn) Introspect(ctx context.Context, target, objectPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.introspect == "" {
		return "", errors.New("no introspection data")
	}
	return f.introspect, nil
}

func (f *fakeConn) Names(ctx context.Context) ([]string, error) {
	return f.names, nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func newFakeManager(t *testing.T, conn *fakeConn, dialErr error) (*Manager, *int) {
	t.Helper()
	dials := 0
	m := NewManager(Options{
		EnableSystemBus: true,
		Dialer: func(scope policy.BusScope) (Conn, error) {
			dials++
			if dialErr != nil {
				return nil, dialErr
			}
			return conn, nil
		},
	})
	return m, &dials
}

func TestManagerLazyConnect(t *testing.T) {
	conn := &fakeConn{connected: true, callBody: []any{uint32(1)}}
	m, dials := newFakeManager(t, conn, nil)

	if *dials != 0 {
		t.Fatalf("manager must not dial before first use")
	}
	out, err := m.Call(context.Background(), policy.BusSession, "org.freedesktop.Notifications", "", "org.freedesktop.Notifications", "GetCapabilities")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("unexpected body: %v", out)
	}
	if *dials != 1 {
		t.Fatalf("expected one dial, got %d", *dials)
	}

	// Second call reuses the connection.
	if _, err := m.Call(context.Background(), policy.BusSession, "x", "", "i", "m"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if *dials != 1 {
		t.Fatalf("connection should be reused, got %d dials", *dials)
	}
}

func TestManagerDialFailureIsRetryableAndBacksOff(t *testing.T) {
	m, dials := newFakeManager(t, nil, errors.New("no bus"))

	_, err := m.Call(context.Background(), policy.BusSession, "t", "", "i", "m")
	if mediation.CodeOf(err) != mediation.CodeTransportError {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !mediation.IsRetryable(err) {
		t.Fatalf("transport errors must be retryable")
	}

	// Within the backoff window the manager fails fast without dialing.
	_, err = m.Call(context.Background(), policy.BusSession, "t", "", "i", "m")
	if mediation.CodeOf(err) != mediation.CodeTransportError {
		t.Fatalf("expected transport error during backoff, got %v", err)
	}
	if *dials != 1 {
		t.Fatalf("expected no second dial during backoff, got %d", *dials)
	}
}

func TestManagerSystemBusDisabled(t *testing.T) {
	conn := &fakeConn{connected: true}
	m := NewManager(Options{
		EnableSystemBus: false,
		Dialer: func(scope policy.BusScope) (Conn, error) {
			return conn, nil
		},
	})
	_, err := m.Call(context.Background(), policy.BusSystem, "t", "", "i", "m")
	if mediation.CodeOf(err) != mediation.CodeTransportError {
		t.Fatalf("disabled system bus must be a transport error, got %v", err)
	}
}

func TestManagerDropsConnOnTransportFailure(t *testing.T) {
	conn := &fakeConn{connected: true, introspect: notificationsXML}
	m, _ := newFakeManager(t, conn, nil)

	// Prime the schema cache.
	if _, ok := m.Schemas().Lookup(policy.BusSession, "org.freedesktop.Notifications"); !ok {
		t.Fatalf("expected schema lookup to succeed")
	}
	if m.Schemas().Len() != 1 {
		t.Fatalf("expected cached schema")
	}

	// Simulate connection loss during a call.
	conn.mu.Lock()
	conn.callErr = errors.New("connection reset")
	conn.connected = false
	conn.mu.Unlock()

	_, err := m.Call(context.Background(), policy.BusSession, "t", "", "i", "m")
	if mediation.CodeOf(err) != mediation.CodeTransportError {
		t.Fatalf("expected transport error, got %v", err)
	}
	if m.Schemas().Len() != 0 {
		t.Fatalf("schema cache must be invalidated on connection loss")
	}
	if m.Connected(policy.BusSession) {
		t.Fatalf("connection should be dropped")
	}
}

func TestManagerMethodErrorKeepsConnection(t *testing.T) {
	conn := &fakeConn{connected: true, callErr: errors.New("org.freedesktop.DBus.Error.UnknownMethod")}
	m, dials := newFakeManager(t, conn, nil)

	_, err := m.Call(context.Background(), policy.BusSession, "t", "", "i", "m")
	if err == nil {
		t.Fatalf("expected method error")
	}
	if mediation.CodeOf(err) == mediation.CodeTransportError {
		t.Fatalf("bus-level error reply must not be a transport error")
	}
	if !m.Connected(policy.BusSession) {
		t.Fatalf("connection must survive a method error reply")
	}
	_ = dials
}

func TestManagerListNames(t *testing.T) {
	conn := &fakeConn{connected: true, names: []string{"org.freedesktop.DBus", "org.freedesktop.Notifications"}}
	m, _ := newFakeManager(t, conn, nil)
	names, err := m.ListNames(context.Background(), policy.BusSession)
	if err != nil {
		t.Fatalf("list names: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("unexpected names: %v", names)
	}
}
