package mediator

import (
	"time"

	"github.com/buskeeper/buskeeper/core/audit"
	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/privilege"
)

// privilegeStateHook returns a state observer that logs every transition and
// additionally writes an audit record for the events the decision record
// cannot carry: terminal states reached during execution, and late orphaned
// answers to abandoned authorization checks. Lifecycle records are keyed to
// the request ID so they can be correlated with the decision record.
func privilegeStateHook(auditor *audit.Logger) privilege.StateFunc {
	return func(req privilege.Request, detail string) {
		if detail != "" {
			logging.Info("privilege", "state",
				"request", req.ID,
				"category", req.Category,
				"state", string(req.State),
				"detail", detail)
		}
		if !req.Orphaned && !terminalPrivilegeState(req.State) {
			return
		}
		rec := audit.Record{
			Time:            time.Now().UTC(),
			Bus:             string(req.Operation.Bus),
			Target:          req.Operation.Target,
			Interface:       req.Operation.Interface,
			Method:          req.Operation.Method,
			ArgSummary:      req.Operation.ArgSummary,
			Origin:          req.Operation.Origin,
			Category:        req.Category,
			Reason:          detail,
			PrivilegedState: string(req.State),
			Detail:          map[string]string{"request": req.ID},
		}
		if req.Orphaned {
			rec.Detail["orphaned"] = "no effect"
		}
		if err := auditor.Record(rec); err != nil {
			logging.Error("privilege", "audit write failed", "request", req.ID, "err", err)
		}
	}
}

func terminalPrivilegeState(st privilege.State) bool {
	switch st {
	case privilege.StateCompleted, privilege.StateFailed, privilege.StateDenied, privilege.StateTimedOut:
		return true
	default:
		return false
	}
}
