package rulekey

// Rule is a node of the build graph as seen by the key engine.
type Rule interface {
	// Name is the unique label of the rule, e.g. "//lib:core".
	Name() string
	// Deps returns the declared dependencies of the rule.
	Deps() []Rule
}

// Aggregation is a rule that only groups other rules. Declaring an
// aggregation declares every rule it aggregates, recursively.
type Aggregation interface {
	Rule
	IsAggregation() bool
}

// KeyedRule is a rule that appends its own fields to a builder.
type KeyedRule interface {
	Rule
	AppendToKey(b *Builder)
}

// Target is a plain Rule value.
type Target struct {
	Label     string
	DepRules  []Rule
	Aggregate bool
}

func (t *Target) Name() string        { return t.Label }
func (t *Target) Deps() []Rule        { return t.DepRules }
func (t *Target) IsAggregation() bool { return t.Aggregate }

// declaredDeps returns the names of every rule r may read from: its declared
// deps, plus the deps of any declared aggregation, recursively.
func declaredDeps(r Rule) map[string]struct{} {
	declared := make(map[string]struct{})
	if r == nil {
		return declared
	}

	var visit func(deps []Rule)
	visit = func(deps []Rule) {
		for _, d := range deps {
			if d == nil {
				continue
			}
			if _, seen := declared[d.Name()]; seen {
				continue
			}
			declared[d.Name()] = struct{}{}
			if a, ok := d.(Aggregation); ok && a.IsAggregation() {
				visit(a.Deps())
			}
		}
	}
	visit(r.Deps())
	return declared
}
