package privilege

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner dispatches one validated envelope to the executor and returns
// its result. One executor process per operation; there is no long-lived
// helper to accumulate privileges in.
type Runner interface {
	Run(ctx context.Context, env Envelope) (Result, error)
}

// ExecRunner launches the executor binary and speaks JSON over its
// stdin/stdout pipe.
type ExecRunner struct {
	Path string
}

func NewExecRunner(path string) *ExecRunner {
	return &ExecRunner{Path: path}
}

func (r *ExecRunner) Run(ctx context.Context, env Envelope) (Result, error) {
	input, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("encode envelope: %w", err)
	}

	deadline := time.Duration(env.TimeoutSeconds) * time.Second
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var res Result
	if decodeErr := json.Unmarshal(stdout.Bytes(), &res); decodeErr != nil {
		if runErr != nil {
			return Result{}, fmt.Errorf("executor exited: %w (stderr: %s)", runErr, strings.TrimSpace(stderr.String()))
		}
		return Result{}, fmt.Errorf("decode executor reply: %w", decodeErr)
	}
	if res.ID != env.ID {
		return Result{}, fmt.Errorf("executor answered for %q, expected %q", res.ID, env.ID)
	}
	return res, nil
}
