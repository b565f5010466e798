package busconn

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/buskeeper/buskeeper/core/policy"
)

// dbusConn adapts a godbus connection to the Conn interface.
type dbusConn struct {
	conn *dbus.Conn
}

// DBusDialer opens a real D-Bus connection for the given scope.
func DBusDialer(scope policy.BusScope) (Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch scope {
	case policy.BusSession:
		conn, err = dbus.SessionBus()
	case policy.BusSystem:
		conn, err = dbus.SystemBus()
	default:
		return nil, fmt.Errorf("unknown bus scope %q", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s bus: %w", scope, err)
	}
	return &dbusConn{conn: conn}, nil
}

func (c *dbusConn) Call(ctx context.Context, target, objectPath, iface, method string, args ...any) ([]any, error) {
	if objectPath == "" {
		objectPath = conventionalPath(target)
	}
	obj := c.conn.Object(target, dbus.ObjectPath(objectPath))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (c *dbusConn) Introspect(ctx context.Context, target, objectPath string) (string, error) {
	obj := c.conn.Object(target, dbus.ObjectPath(objectPath))
	var raw string
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Introspectable.Introspect", 0).Store(&raw)
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (c *dbusConn) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (c *dbusConn) Connected() bool {
	return c.conn.Connected()
}

func (c *dbusConn) Close() error {
	return c.conn.Close()
}
