package privilege

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/buskeeper/buskeeper/core/busconn"
	"github.com/buskeeper/buskeeper/core/policy"
)

// AuthorizationResult is the answer from the authorization authority.
// Challenge means the authority could grant after user interaction that
// did not happen; the mediator treats it the same as not granted.
type AuthorizationResult struct {
	Granted   bool
	Challenge bool
	Details   map[string]string
}

// Authorizer answers whether the current subject may perform a privileged
// action. CheckAuthorization blocks until the authority answers or ctx is
// done; CancelCheckAuthorization tells the authority to abandon a pending
// check identified by cancelID.
type Authorizer interface {
	CheckAuthorization(ctx context.Context, actionID string, details map[string]string, cancelID string) (AuthorizationResult, error)
	CancelCheckAuthorization(ctx context.Context, cancelID string) error
}

const (
	polkitTarget    = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	// Ask the authority to interact with the user when the action needs it.
	polkitAllowInteraction = uint32(1)
)

// PolkitAuthority implements Authorizer against the system-bus polkit
// daemon. The subject is always this process; polkit resolves the session
// and seat from the pid.
type PolkitAuthority struct {
	bus *busconn.Manager
	pid uint32
}

func NewPolkitAuthority(bus *busconn.Manager) *PolkitAuthority {
	return &PolkitAuthority{bus: bus, pid: uint32(os.Getpid())}
}

func (p *PolkitAuthority) CheckAuthorization(ctx context.Context, actionID string, details map[string]string, cancelID string) (AuthorizationResult, error) {
	subject := polkitSubject{
		Kind: "unix-process",
		Details: map[string]any{
			"pid":        p.pid,
			"start-time": uint64(0),
		},
	}
	if details == nil {
		details = map[string]string{}
	}
	// The check may interact with the user; budget it from the caller's
	// deadline rather than the default per-call timeout.
	timeout := time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline) + time.Second
	}
	body, err := p.bus.CallWithTimeout(ctx, timeout, policy.BusSystem, polkitTarget, polkitPath, polkitInterface,
		"CheckAuthorization", subject, actionID, details, polkitAllowInteraction, cancelID)
	if err != nil {
		return AuthorizationResult{}, err
	}
	return parseAuthorizationReply(body)
}

func (p *PolkitAuthority) CancelCheckAuthorization(ctx context.Context, cancelID string) error {
	_, err := p.bus.Call(ctx, policy.BusSystem, polkitTarget, polkitPath, polkitInterface,
		"CancelCheckAuthorization", cancelID)
	return err
}

// polkitSubject marshals to the (sa{sv}) Subject structure polkit expects.
type polkitSubject struct {
	Kind    string
	Details map[string]any
}

// parseAuthorizationReply decodes the (bba{ss}) AuthorizationResult
// structure. The shape varies with the bus binding so the fields are
// picked out defensively.
func parseAuthorizationReply(body []any) (AuthorizationResult, error) {
	if len(body) == 0 {
		return AuthorizationResult{}, fmt.Errorf("empty authorization reply")
	}
	fields, ok := body[0].([]any)
	if !ok {
		// Some bindings flatten the struct into the body itself.
		fields = body
	}
	if len(fields) < 2 {
		return AuthorizationResult{}, fmt.Errorf("malformed authorization reply: %v", body)
	}
	granted, ok := fields[0].(bool)
	if !ok {
		return AuthorizationResult{}, fmt.Errorf("malformed authorization reply: %v", body)
	}
	challenge, _ := fields[1].(bool)
	out := AuthorizationResult{Granted: granted, Challenge: challenge}
	if len(fields) > 2 {
		if details, ok := fields[2].(map[string]string); ok {
			out.Details = details
		}
	}
	return out, nil
}
