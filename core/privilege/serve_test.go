package privilege

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validEnvelope() Envelope {
	return Envelope{
		ID:             "req-1",
		Bus:            "system",
		Target:         "org.freedesktop.systemd1",
		Interface:      "org.freedesktop.systemd1.Manager",
		Method:         "RestartUnit",
		Args:           []any{"cups.service", "replace"},
		TimeoutSeconds: 5,
	}
}

func serveOne(t *testing.T, input []byte, call CallFunc) (Result, error) {
	t.Helper()
	var out bytes.Buffer
	err := Serve(context.Background(), bytes.NewReader(input), &out, call)
	var res Result
	if decodeErr := json.Unmarshal(out.Bytes(), &res); decodeErr != nil {
		t.Fatalf("executor must always write a result: %v (output %q)", decodeErr, out.String())
	}
	return res, err
}

func TestServeSuccess(t *testing.T) {
	input, _ := json.Marshal(validEnvelope())
	var seen Envelope
	res, err := serveOne(t, input, func(ctx context.Context, env Envelope) ([]any, error) {
		seen = env
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("call context must carry the envelope timeout")
		}
		return []any{uint32(0)}, nil
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if res.ID != "req-1" || res.Code != resultOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if seen.Method != "RestartUnit" || len(seen.Args) != 2 {
		t.Fatalf("envelope not passed through: %+v", seen)
	}
}

func TestServeRejectsMalformedJSON(t *testing.T) {
	res, err := serveOne(t, []byte("{not json"), func(ctx context.Context, env Envelope) ([]any, error) {
		t.Fatalf("call must not run for malformed input")
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Code != resultBadRequest {
		t.Fatalf("expected bad request code, got %+v", res)
	}
}

func TestServeRejectsSchemaViolation(t *testing.T) {
	env := validEnvelope()
	env.Method = "Restart Unit; rm -rf /"
	input, _ := json.Marshal(env)
	res, err := serveOne(t, input, func(ctx context.Context, env Envelope) ([]any, error) {
		t.Fatalf("call must not run for a schema-invalid envelope")
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Code != resultBadRequest || res.ID != "req-1" {
		t.Fatalf("expected bad request for req-1, got %+v", res)
	}
}

func TestServeCallFailure(t *testing.T) {
	input, _ := json.Marshal(validEnvelope())
	res, err := serveOne(t, input, func(ctx context.Context, env Envelope) ([]any, error) {
		return nil, errors.New("org.freedesktop.systemd1.NoSuchUnit")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Code != resultCallFailed || !strings.Contains(res.Error, "NoSuchUnit") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestValidateEnvelope(t *testing.T) {
	if err := ValidateEnvelope(validEnvelope()); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	env := validEnvelope()
	env.Target = ""
	if err := ValidateEnvelope(env); err == nil {
		t.Fatalf("empty target must be rejected")
	}

	env = validEnvelope()
	env.Bus = "accessibility"
	if err := ValidateEnvelope(env); err == nil {
		t.Fatalf("unknown bus must be rejected")
	}

	env = validEnvelope()
	env.TimeoutSeconds = 3600
	if err := ValidateEnvelope(env); err == nil {
		t.Fatalf("oversized timeout must be rejected")
	}
}
