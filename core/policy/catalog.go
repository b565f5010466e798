package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/schema"
)

// Pattern matches operations by globs over the target prefix, interface and
// method. Empty fields match anything. Globs are path.Match wildcards
// (`Get*`, `*Input*`), not regular expressions.
type Pattern struct {
	Target    string `yaml:"target"`
	Interface string `yaml:"interface"`
	Method    string `yaml:"method"`
}

// Category is a named class of operations sharing a risk profile.
type Category struct {
	Name                 string    `yaml:"name"`
	Description          string    `yaml:"description"`
	MinTier              string    `yaml:"min_tier"`
	Forbidden            bool      `yaml:"forbidden"`
	RequiresConfirmation bool      `yaml:"requires_confirmation"`
	Privileged           bool      `yaml:"privileged"`
	Audited              bool      `yaml:"audited"`
	RateLimit            int       `yaml:"rate_limit"`
	Patterns             []Pattern `yaml:"patterns"`

	minTier TrustTier
}

// Tier returns the parsed minimum trust tier for the category.
func (c *Category) Tier() TrustTier {
	return c.minTier
}

// LegacyEntry is an exact-match rule that predates category patterns. The
// service prefix absorbs volatile numeric suffixes appended to endpoint
// names.
type LegacyEntry struct {
	ServicePrefix string `yaml:"service_prefix"`
	Interface     string `yaml:"interface"`
	Method        string `yaml:"method"`
	Category      string `yaml:"category"`
}

// Catalog is an immutable snapshot of the rule catalog. Reload replaces the
// whole snapshot; nothing mutates a published catalog.
type Catalog struct {
	Version    string        `yaml:"version"`
	Categories []Category    `yaml:"categories"`
	Legacy     []LegacyEntry `yaml:"legacy"`

	byName map[string]*Category
}

// ByName returns the category with the given name.
func (c *Catalog) ByName(name string) (*Category, bool) {
	cat, ok := c.byName[name]
	return cat, ok
}

// LoadCatalog reads and validates a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	// #nosec G304 -- catalog path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog parses a catalog from YAML bytes, validating against the
// embedded JSON schema first so a malformed catalog is rejected atomically.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	schemaBytes, err := catalogSchemaFS.ReadFile(catalogSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog schema: %w", err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}
	// Round-trip through JSON so the validator sees canonical JSON types.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode catalog for validation: %w", err)
	}
	if err := schema.ValidateSchema("catalog", schemaBytes, json.RawMessage(raw)); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := catalog.index(); err != nil {
		return nil, err
	}
	catalog.warnShadowed()
	return &catalog, nil
}

func (c *Catalog) index() error {
	c.byName = make(map[string]*Category, len(c.Categories))
	for i := range c.Categories {
		cat := &c.Categories[i]
		if _, dup := c.byName[cat.Name]; dup {
			return fmt.Errorf("duplicate category %q", cat.Name)
		}
		cat.minTier = ParseTier(cat.MinTier)
		c.byName[cat.Name] = cat
	}
	for _, entry := range c.Legacy {
		if _, ok := c.byName[entry.Category]; !ok {
			return fmt.Errorf("legacy entry %s.%s references unknown category %q",
				entry.Interface, entry.Method, entry.Category)
		}
	}
	return nil
}

// warnShadowed logs every category pattern that can never fire because a
// legacy entry matches the same interface/method first. Legacy-first
// resolution is the documented contract; the warning keeps it honest.
func (c *Catalog) warnShadowed() {
	for _, entry := range c.Legacy {
		for i := range c.Categories {
			cat := &c.Categories[i]
			if cat.Name == entry.Category {
				continue
			}
			for _, pat := range cat.Patterns {
				if patternCoversLegacy(pat, entry) {
					logging.Warn("catalog", "category pattern shadowed by legacy entry",
						"category", cat.Name,
						"pattern", pat.Method,
						"legacy_interface", entry.Interface,
						"legacy_method", entry.Method)
				}
			}
		}
	}
}

func patternCoversLegacy(pat Pattern, entry LegacyEntry) bool {
	if !globMatch(pat.Method, entry.Method) {
		return false
	}
	if !globMatch(pat.Interface, entry.Interface) {
		return false
	}
	return globMatch(pat.Target, entry.ServicePrefix)
}

func globMatch(pattern, value string) bool {
	if strings.TrimSpace(pattern) == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// literalPrefixLen measures pattern specificity: the number of literal
// characters before the first wildcard. `GetCapabilities` beats `Get*`,
// which beats `*`.
func literalPrefixLen(pattern string) int {
	if idx := strings.IndexAny(pattern, "*?["); idx >= 0 {
		return idx
	}
	return len(pattern)
}

// specificity ranks a pattern for tie-breaking: the summed literal prefix
// lengths of method, interface and target. Patterns with equal specificity
// resolve by catalog declaration order, which is stable.
func (p Pattern) specificity() int {
	return literalPrefixLen(p.Method) + literalPrefixLen(p.Interface) + literalPrefixLen(p.Target)
}

// Store publishes catalog snapshots. Readers load the current snapshot with
// a single atomic pointer read; reload swaps the pointer and never mutates a
// published catalog, so concurrent classification cannot observe a
// half-updated state.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore creates a store holding the initial catalog.
func NewStore(catalog *Catalog) *Store {
	s := &Store{}
	s.current.Store(catalog)
	return s
}

// Snapshot returns the current immutable catalog.
func (s *Store) Snapshot() *Catalog {
	return s.current.Load()
}

// Swap atomically replaces the catalog.
func (s *Store) Swap(catalog *Catalog) {
	s.current.Store(catalog)
}
