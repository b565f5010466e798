package privilege

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxEnvelopeBytes bounds what the executor will read from the mediator.
const maxEnvelopeBytes = 1 << 20

// CallFunc performs the actual bus call inside the executor process. The
// executor binary wires this to its own bus connection so the mediator's
// connections never cross the process boundary.
type CallFunc func(ctx context.Context, env Envelope) ([]any, error)

// Serve runs the executor side of the pipe: read exactly one envelope
// from in, validate it against the operation schema, perform the call,
// write exactly one Result to out, and return. A non-nil error means the
// process should exit non-zero; a Result has been written regardless.
func Serve(ctx context.Context, in io.Reader, out io.Writer, call CallFunc) error {
	raw, err := io.ReadAll(io.LimitReader(in, maxEnvelopeBytes))
	if err != nil {
		writeResult(out, Result{Code: resultBadRequest, Error: "read request: " + err.Error()})
		return fmt.Errorf("read request: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeResult(out, Result{Code: resultBadRequest, Error: "decode request: " + err.Error()})
		return fmt.Errorf("decode request: %w", err)
	}
	if err := ValidateEnvelope(env); err != nil {
		writeResult(out, Result{ID: env.ID, Code: resultBadRequest, Error: err.Error()})
		return fmt.Errorf("reject request: %w", err)
	}

	timeout := time.Duration(env.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := call(callCtx, env)
	if err != nil {
		writeResult(out, Result{ID: env.ID, Code: resultCallFailed, Error: err.Error()})
		return fmt.Errorf("call failed: %w", err)
	}
	return writeResult(out, Result{ID: env.ID, Code: resultOK, Body: body})
}

func writeResult(out io.Writer, res Result) error {
	return json.NewEncoder(out).Encode(res)
}
