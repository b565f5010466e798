package policy

import (
	"strings"
	"testing"
)

const testCatalogYAML = `
version: "1"
categories:
  - name: read_state
    description: read-only state queries
    min_tier: high
    audited: true
    rate_limit: 300
    patterns:
      - method: "Get*"
      - method: "List*"
      - method: "Introspect"
  - name: notify
    min_tier: high
    audited: true
    rate_limit: 10
    patterns:
      - target: "org.freedesktop.Notifications"
        interface: "org.freedesktop.Notifications"
        method: "Notify"
  - name: clipboard_write
    min_tier: medium
    rate_limit: 30
    patterns:
      - interface: "*Clipboard*"
        method: "Set*"
  - name: screenshot
    min_tier: medium
    requires_confirmation: true
    audited: true
    rate_limit: 5
    patterns:
      - method: "Screenshot*"
  - name: service_control
    min_tier: medium
    privileged: true
    audited: true
    rate_limit: 5
    patterns:
      - target: "org.freedesktop.systemd1"
        method: "RestartUnit"
  - name: shutdown
    min_tier: low
    forbidden: true
    audited: true
    patterns:
      - target: "org.freedesktop.login1"
        method: "PowerOff"
      - target: "org.freedesktop.login1"
        method: "Reboot"
legacy:
  - service_prefix: "org.mpris.MediaPlayer2"
    interface: "org.mpris.MediaPlayer2.Player"
    method: "PlayPause"
    category: clipboard_write
`

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := ParseCatalog([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return catalog
}

func TestParseCatalog(t *testing.T) {
	catalog := mustCatalog(t)
	if len(catalog.Categories) != 6 {
		t.Fatalf("expected 6 categories, got %d", len(catalog.Categories))
	}
	cat, ok := catalog.ByName("shutdown")
	if !ok {
		t.Fatalf("shutdown category missing")
	}
	if !cat.Forbidden {
		t.Fatalf("shutdown must be forbidden")
	}
	if cat.Tier() != TierLow {
		t.Fatalf("unexpected min tier: %s", cat.Tier())
	}
}

func TestParseCatalogRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":             "",
		"no categories":     "version: \"1\"\n",
		"unknown field":     "categories:\n  - name: a\n    shell: true\n    patterns: [{method: x}]\n",
		"bad tier":          "categories:\n  - name: a\n    min_tier: root\n    patterns: [{method: x}]\n",
		"bad name":          "categories:\n  - name: \"No Spaces Allowed\"\n    patterns: [{method: x}]\n",
		"legacy no target":  "categories:\n  - name: a\n    patterns: [{method: x}]\nlegacy:\n  - interface: i\n    method: m\n    category: a\n",
		"negative limit":    "categories:\n  - name: a\n    rate_limit: -1\n    patterns: [{method: x}]\n",
		"patterns required": "categories:\n  - name: a\n",
	}
	for name, yaml := range cases {
		if _, err := ParseCatalog([]byte(yaml)); err == nil {
			t.Fatalf("%s: expected parse failure", name)
		}
	}
}

func TestParseCatalogRejectsDuplicates(t *testing.T) {
	yaml := `
categories:
  - name: dup
    patterns: [{method: "A*"}]
  - name: dup
    patterns: [{method: "B*"}]
`
	if _, err := ParseCatalog([]byte(yaml)); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate category error, got %v", err)
	}
}

func TestParseCatalogRejectsUnknownLegacyCategory(t *testing.T) {
	yaml := `
categories:
  - name: known
    patterns: [{method: "A*"}]
legacy:
  - service_prefix: org.example
    interface: org.example.Iface
    method: Thing
    category: missing
`
	if _, err := ParseCatalog([]byte(yaml)); err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Fatalf("expected unknown category error, got %v", err)
	}
}

func TestLiteralPrefixLen(t *testing.T) {
	cases := map[string]int{
		"Get*":            3,
		"*Input*":         0,
		"GetCapabilities": 15,
		"":                0,
		"Set?":            3,
	}
	for pattern, want := range cases {
		if got := literalPrefixLen(pattern); got != want {
			t.Fatalf("literalPrefixLen(%q) = %d, want %d", pattern, got, want)
		}
	}
}

func TestStoreSwapIsAtomic(t *testing.T) {
	first := mustCatalog(t)
	store := NewStore(first)
	if store.Snapshot() != first {
		t.Fatalf("snapshot should return the initial catalog")
	}

	second := mustCatalog(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			snap := store.Snapshot()
			if snap != first && snap != second {
				t.Error("observed torn catalog snapshot")
				return
			}
		}
	}()
	store.Swap(second)
	<-done
	if store.Snapshot() != second {
		t.Fatalf("swap not visible")
	}
}
