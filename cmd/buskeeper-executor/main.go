package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/buskeeper/buskeeper/core/privilege"
)

// The executor is the narrow end of the privilege boundary: it reads one
// validated operation from stdin, performs exactly one bus call on its own
// connection, writes one result to stdout and exits. It holds no catalog,
// no listener and no long-lived state.
func main() {
	err := privilege.Serve(context.Background(), os.Stdin, os.Stdout, callOnce)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func callOnce(ctx context.Context, env privilege.Envelope) ([]any, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch env.Bus {
	case "system":
		conn, err = dbus.SystemBus()
	case "session":
		conn, err = dbus.SessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", env.Bus)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s bus: %w", env.Bus, err)
	}
	defer conn.Close()

	objectPath := objectPathFor(env.Target)
	obj := conn.Object(env.Target, dbus.ObjectPath(objectPath))
	name := env.Method
	if env.Interface != "" {
		name = env.Interface + "." + env.Method
	}
	call := obj.CallWithContext(ctx, name, 0, env.Args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

// objectPathFor derives the conventional object path from a well-known
// endpoint name (org.freedesktop.systemd1 -> /org/freedesktop/systemd1).
func objectPathFor(target string) string {
	return "/" + strings.ReplaceAll(target, ".", "/")
}
