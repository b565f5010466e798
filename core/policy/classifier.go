package policy

import "strings"

// SchemaSource resolves method names against introspected endpoint schemas.
// The classifier consults it only when an operation arrives without an
// interface and pattern matching on the method name alone would be ambiguous.
type SchemaSource interface {
	InterfaceForMethod(bus BusScope, target, method string) (string, bool)
}

// Classifier resolves operations to at most one category. It is a pure
// function over (operation, catalog snapshot); no state is mutated.
type Classifier struct {
	store   *Store
	schemas SchemaSource
}

// NewClassifier builds a classifier over the catalog store. schemas may be
// nil, in which case name-only disambiguation is skipped.
func NewClassifier(store *Store, schemas SchemaSource) *Classifier {
	return &Classifier{store: store, schemas: schemas}
}

// Classify resolves op to a category. Matching order is a contract: the
// legacy exact table first (service-prefix match absorbs volatile numeric
// suffixes on endpoint names), then category glob patterns with the most
// specific pattern winning and declaration order breaking ties. No match
// means not classified, which the decision engine treats as deny.
func (cl *Classifier) Classify(op Operation) (*Category, bool) {
	catalog := cl.store.Snapshot()
	if catalog == nil {
		return nil, false
	}

	if cat, ok := cl.matchLegacy(catalog, op); ok {
		return cat, true
	}
	return cl.matchPatterns(catalog, op)
}

func (cl *Classifier) matchLegacy(catalog *Catalog, op Operation) (*Category, bool) {
	for _, entry := range catalog.Legacy {
		if !strings.HasPrefix(op.Target, entry.ServicePrefix) {
			continue
		}
		if op.Interface != entry.Interface || op.Method != entry.Method {
			continue
		}
		if cat, ok := catalog.ByName(entry.Category); ok {
			return cat, true
		}
	}
	return nil, false
}

func (cl *Classifier) matchPatterns(catalog *Catalog, op Operation) (*Category, bool) {
	iface := op.Interface
	if iface == "" && cl.schemas != nil && cl.ambiguousWithoutInterface(catalog, op) {
		if resolved, ok := cl.schemas.InterfaceForMethod(op.Bus, op.Target, op.Method); ok {
			iface = resolved
		}
	}

	var (
		best     *Category
		bestSpec = -1
	)
	for i := range catalog.Categories {
		cat := &catalog.Categories[i]
		for _, pat := range cat.Patterns {
			if !patternMatches(pat, op.Target, iface, op.Method) {
				continue
			}
			if spec := pat.specificity(); spec > bestSpec {
				best = cat
				bestSpec = spec
			}
			// Equal specificity keeps the earlier declaration.
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// ambiguousWithoutInterface reports whether more than one category could
// claim the operation when the interface is unknown, i.e. whether schema
// lookup is worth the trouble.
func (cl *Classifier) ambiguousWithoutInterface(catalog *Catalog, op Operation) bool {
	matched := ""
	for i := range catalog.Categories {
		cat := &catalog.Categories[i]
		for _, pat := range cat.Patterns {
			if !globMatch(pat.Method, op.Method) || !globMatch(pat.Target, op.Target) {
				continue
			}
			if matched != "" && matched != cat.Name {
				return true
			}
			matched = cat.Name
		}
	}
	return false
}

func patternMatches(pat Pattern, target, iface, method string) bool {
	if !globMatch(pat.Method, method) {
		return false
	}
	// An unresolved interface only satisfies unconstrained patterns.
	if pat.Interface != "" && (iface == "" || !globMatch(pat.Interface, iface)) {
		return false
	}
	return globMatch(pat.Target, target)
}
