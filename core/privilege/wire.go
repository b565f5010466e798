package privilege

import (
	"encoding/json"
	"fmt"

	infraschema "github.com/buskeeper/buskeeper/core/infra/schema"
	"github.com/buskeeper/buskeeper/core/policy"
)

// Envelope is the single-operation payload handed to the executor over
// stdin. It carries everything the helper needs and nothing else; the
// helper never sees the policy catalog or the mediator's connections.
type Envelope struct {
	ID             string `json:"id"`
	Bus            string `json:"bus"`
	Target         string `json:"target"`
	Interface      string `json:"interface,omitempty"`
	Method         string `json:"method"`
	Args           []any  `json:"args,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Result is the executor's reply on stdout. Code zero means the bus call
// succeeded; any other code carries Error.
type Result struct {
	ID    string `json:"id"`
	Code  int    `json:"code"`
	Body  []any  `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	resultOK         = 0
	resultBadRequest = 1
	resultCallFailed = 2
)

// ValidateEnvelope checks an envelope against the embedded operation
// schema. Both sides of the pipe validate: the mediator before writing,
// the executor before acting.
func ValidateEnvelope(env Envelope) error {
	schemaBytes, err := operationSchemaFS.ReadFile(operationSchemaFile)
	if err != nil {
		return fmt.Errorf("read operation schema: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return infraschema.ValidateSchema("privilege-operation", schemaBytes, json.RawMessage(raw))
}

func envelopeFor(id string, op policy.Operation, args []any, timeoutSeconds int) Envelope {
	return Envelope{
		ID:             id,
		Bus:            string(op.Bus),
		Target:         op.Target,
		Interface:      op.Interface,
		Method:         op.Method,
		Args:           args,
		TimeoutSeconds: timeoutSeconds,
	}
}
