package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureOutput(t)
	Info("mediator", "hello", "key", "val")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[MEDIATOR] hello") || !strings.Contains(got, "key=val") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureOutput(t)
	Warn("policy", "forbidden operation", "category", "shutdown")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[POLICY] WARN forbidden operation") || !strings.Contains(got, "category=shutdown") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv("BUSKEEPER_LOG_FORMAT", "json")

	buf := captureOutput(t)
	Error("audit", "boom", "code", 500)
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "audit" || payload["msg"] != "boom" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}
