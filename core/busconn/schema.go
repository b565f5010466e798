package busconn

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buskeeper/buskeeper/core/policy"
)

const (
	schemaCacheSize    = 128
	introspectTimeout  = 3 * time.Second
	introspectRootPath = "/"
)

// EndpointSchema is the parsed introspection result for one endpoint:
// which interface declares each method, and the method's input signature.
type EndpointSchema struct {
	Methods map[string]MethodInfo
}

// MethodInfo locates a method within an endpoint.
type MethodInfo struct {
	Interface string
	Signature string
}

// SchemaCache is a bounded LRU of introspected endpoint schemas keyed by
// (bus scope, endpoint). Entries are refreshed on demand and invalidated
// wholesale when the scope's connection drops, since bus names can be
// re-claimed by different processes across reconnects.
type SchemaCache struct {
	manager *Manager
	cache   *lru.Cache[string, *EndpointSchema]
}

// NewSchemaCache builds the cache around a manager.
func NewSchemaCache(manager *Manager) *SchemaCache {
	cache, _ := lru.New[string, *EndpointSchema](schemaCacheSize)
	return &SchemaCache{manager: manager, cache: cache}
}

// InterfaceForMethod implements policy.SchemaSource: it resolves which
// interface on the endpoint declares method, introspecting on a cache miss.
func (c *SchemaCache) InterfaceForMethod(bus policy.BusScope, target, method string) (string, bool) {
	schema, ok := c.Lookup(bus, target)
	if !ok {
		return "", false
	}
	info, ok := schema.Methods[method]
	if !ok {
		return "", false
	}
	return info.Interface, true
}

// Lookup returns the endpoint schema, introspecting the endpoint if it is
// not cached.
func (c *SchemaCache) Lookup(bus policy.BusScope, target string) (*EndpointSchema, bool) {
	key := string(bus) + "|" + target
	if schema, ok := c.cache.Get(key); ok {
		return schema, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), introspectTimeout)
	defer cancel()

	schema := c.introspectEndpoint(ctx, bus, target)
	if schema == nil {
		return nil, false
	}
	c.cache.Add(key, schema)
	return schema, true
}

// InvalidateScope flushes every cached schema for a bus scope.
func (c *SchemaCache) InvalidateScope(bus policy.BusScope) {
	prefix := string(bus) + "|"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Len reports how many schemas are cached.
func (c *SchemaCache) Len() int {
	return c.cache.Len()
}

// introspectEndpoint tries the conventional object path derived from the
// endpoint name first (org.freedesktop.Notifications ->
// /org/freedesktop/Notifications), then the root path.
func (c *SchemaCache) introspectEndpoint(ctx context.Context, bus policy.BusScope, target string) *EndpointSchema {
	for _, objectPath := range []string{conventionalPath(target), introspectRootPath} {
		raw, err := c.manager.Introspect(ctx, bus, target, objectPath)
		if err != nil {
			continue
		}
		if schema := parseIntrospection(raw); len(schema.Methods) > 0 {
			return schema
		}
	}
	return nil
}

func conventionalPath(target string) string {
	trimmed := strings.TrimSuffix(target, ".")
	return "/" + strings.ReplaceAll(trimmed, ".", "/")
}

// introspection XML subset; the full format is defined by the D-Bus spec.
type xmlNode struct {
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Name    string      `xml:"name,attr"`
	Methods []xmlMethod `xml:"method"`
}

type xmlMethod struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

func parseIntrospection(raw string) *EndpointSchema {
	schema := &EndpointSchema{Methods: make(map[string]MethodInfo)}
	var node xmlNode
	if err := xml.Unmarshal([]byte(raw), &node); err != nil {
		return schema
	}
	for _, iface := range node.Interfaces {
		for _, method := range iface.Methods {
			if _, exists := schema.Methods[method.Name]; exists {
				continue // first interface wins; overloads are rare
			}
			var sig strings.Builder
			for _, arg := range method.Args {
				if arg.Direction == "" || arg.Direction == "in" {
					sig.WriteString(arg.Type)
				}
			}
			schema.Methods[method.Name] = MethodInfo{
				Interface: iface.Name,
				Signature: sig.String(),
			}
		}
	}
	return schema
}
