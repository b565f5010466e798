package privilege

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/metrics"
	"github.com/buskeeper/buskeeper/core/mediation"
	"github.com/buskeeper/buskeeper/core/policy"
)

// State tracks one privileged request through the mediator. Transitions:
// Pending -> Authorizing -> Granted -> Dispatched -> Completed/Failed,
// or Authorizing -> Denied/TimedOut. There is no path from TimedOut or
// Denied back to Granted.
type State string

const (
	StatePending     State = "pending"
	StateAuthorizing State = "authorizing"
	StateGranted     State = "granted"
	StateDispatched  State = "dispatched"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateDenied      State = "denied"
	StateTimedOut    State = "timed_out"
)

// Request is one in-flight privileged operation. Orphaned is set only on the
// copy delivered for a late answer to an abandoned authorization check; the
// request itself is already terminal by then.
type Request struct {
	ID        string
	Operation policy.Operation
	Category  string
	State     State
	Orphaned  bool
	Started   time.Time
}

// StateFunc observes every transition, including late orphaned answers
// after a timeout. The mediator calls it synchronously; observers must
// not block.
type StateFunc func(req Request, detail string)

// Options configures a Mediator. Authorizer and Runner are required.
type Options struct {
	Authorizer  Authorizer
	Runner      Runner
	Metrics     metrics.Metrics
	AuthTimeout time.Duration
	CallTimeout time.Duration
	OnState     StateFunc
}

// Mediator authorizes privileged operations and hands granted ones to the
// minimal-privilege executor, one process per operation.
type Mediator struct {
	authorizer  Authorizer
	runner      Runner
	metrics     metrics.Metrics
	authTimeout time.Duration
	callTimeout time.Duration
	onState     StateFunc
}

func NewMediator(opts Options) *Mediator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Mediator{
		authorizer:  opts.Authorizer,
		runner:      opts.Runner,
		metrics:     opts.Metrics,
		authTimeout: opts.AuthTimeout,
		callTimeout: opts.CallTimeout,
		onState:     opts.OnState,
	}
}

// ActionID maps a category to the authority's action identifier.
func ActionID(category string) string {
	return "io.buskeeper.op." + category
}

// Execute runs the full privileged flow for one operation. It blocks
// until the operation completes, is denied, or times out. The returned
// error is always a *mediation.Error on failure paths.
func (m *Mediator) Execute(ctx context.Context, op policy.Operation, category string, args []any) (Result, error) {
	req := Request{
		ID:        uuid.NewString(),
		Operation: op,
		Category:  category,
		Started:   time.Now(),
	}
	m.transition(&req, StatePending, "")
	m.transition(&req, StateAuthorizing, "")

	granted, err := m.authorize(ctx, &req)
	if err != nil {
		return Result{}, err
	}
	if !granted {
		m.transition(&req, StateDenied, "authority refused "+ActionID(category))
		return Result{}, mediation.New(mediation.CodeAuthorizationDenied, category,
			fmt.Sprintf("authorization denied for %s", op))
	}
	m.transition(&req, StateGranted, "")

	timeoutSeconds := int(m.callTimeout / time.Second)
	env := envelopeFor(req.ID, op, args, timeoutSeconds)
	if err := ValidateEnvelope(env); err != nil {
		m.transition(&req, StateFailed, "envelope rejected: "+err.Error())
		return Result{}, mediation.Wrap(mediation.CodeExecutorFailure, category, "operation envelope rejected", err)
	}
	m.transition(&req, StateDispatched, "")

	res, err := m.runner.Run(ctx, env)
	if err != nil {
		m.transition(&req, StateFailed, err.Error())
		return Result{}, mediation.Wrap(mediation.CodeExecutorFailure, category, "executor failed", err)
	}
	if res.Code != resultOK {
		m.transition(&req, StateFailed, res.Error)
		return Result{}, mediation.New(mediation.CodeExecutorFailure, category,
			fmt.Sprintf("executor rejected operation (code %d): %s", res.Code, res.Error))
	}
	m.transition(&req, StateCompleted, "")
	return res, nil
}

type authAnswer struct {
	result AuthorizationResult
	err    error
}

// authorize asks the authority with the configured timeout. A timed-out
// or cancelled check is actively cancelled at the authority; its eventual
// answer is discarded and surfaced to the state observer as orphaned, so
// a grant that arrives after the deadline can never take effect.
func (m *Mediator) authorize(ctx context.Context, req *Request) (bool, error) {
	cancelID := req.ID
	checkCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	answers := make(chan authAnswer, 1)
	go func() {
		result, err := m.authorizer.CheckAuthorization(checkCtx, ActionID(req.Category), map[string]string{
			"target": req.Operation.Target,
			"method": req.Operation.Method,
		}, cancelID)
		answers <- authAnswer{result: result, err: err}
	}()

	select {
	case answer := <-answers:
		if answer.err != nil {
			if checkCtx.Err() != nil {
				return false, m.abandonAuthorization(req, cancelID, nil, ctx.Err() != nil)
			}
			m.transition(req, StateDenied, "authority error: "+answer.err.Error())
			return false, mediation.Wrap(mediation.CodeAuthorizationDenied, req.Category,
				"authorization check failed", answer.err)
		}
		return answer.result.Granted, nil
	case <-checkCtx.Done():
		return false, m.abandonAuthorization(req, cancelID, answers, ctx.Err() != nil)
	}
}

// abandonAuthorization handles the timeout and caller-cancellation paths.
// answers may be nil when the authorizer already returned an error.
func (m *Mediator) abandonAuthorization(req *Request, cancelID string, answers <-chan authAnswer, callerGone bool) error {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.authorizer.CancelCheckAuthorization(cancelCtx, cancelID); err != nil {
		logging.Warn("privilege", "cancel authorization check failed", "request", req.ID, "err", err)
	}

	detail := "authorization timed out"
	if callerGone {
		detail = "caller cancelled during authorization"
	}
	m.transition(req, StateTimedOut, detail)
	if answers != nil {
		go m.drainOrphan(*req, answers)
	}
	return mediation.New(mediation.CodeAuthorizationTimeout, req.Category, detail)
}

// drainOrphan consumes the late answer from an abandoned check so the
// goroutine running it can exit, and audits what the answer would have
// been. The answer has no effect on the request's outcome.
func (m *Mediator) drainOrphan(req Request, answers <-chan authAnswer) {
	answer := <-answers
	req.Orphaned = true
	detail := "orphaned authorization answer discarded, no effect"
	if answer.err != nil {
		detail += ": " + answer.err.Error()
	} else if answer.result.Granted {
		detail += ": late grant ignored"
	}
	if m.onState != nil {
		m.onState(req, detail)
	}
	logging.Info("privilege", "orphaned authorization answer", "request", req.ID, "granted", answer.err == nil && answer.result.Granted)
}

func (m *Mediator) transition(req *Request, next State, detail string) {
	req.State = next
	m.metrics.IncPrivileged(req.Category, string(next))
	if m.onState != nil {
		m.onState(*req, detail)
	}
}
