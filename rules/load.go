package rules

import "encoding/json"

// document is the wire shape of one rules document (§6): an object
// with optional "store" and "use" arrays.
type document struct {
	Store []Doc `json:"store"`
	Use   []Doc `json:"use"`
}

// Load parses a single rules document into a RuleSet. An empty document
// (no store/use keys, or {}) permits everything, per §4.2.
func Load(data []byte, analyzer QueryAnalyzer) (*RuleSet, error) {
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return compileDocument(doc, analyzer)
}

// LoadGroup parses a rules document that may be either a single object
// or a JSON array of objects, producing an ordered Group. The document
// is fatal-on-error: any malformed rule rejects the whole load (§4.2
// "Failure semantics").
func LoadGroup(data []byte, analyzer QueryAnalyzer) (*Group, error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		group := &Group{}
		for _, d := range docs {
			rs, err := compileDocument(d, analyzer)
			if err != nil {
				return nil, err
			}
			group.sets = append(group.sets, rs)
		}
		return group, nil
	}

	rs, err := Load(data, analyzer)
	if err != nil {
		return nil, err
	}
	return &Group{sets: []*RuleSet{rs}}, nil
}

func compileDocument(doc document, analyzer QueryAnalyzer) (*RuleSet, error) {
	storeRules := make([]Rule, 0, len(doc.Store))
	for _, d := range doc.Store {
		r, err := compile(d)
		if err != nil {
			return nil, err
		}
		storeRules = append(storeRules, r)
	}

	useRules := make([]Rule, 0, len(doc.Use))
	for _, d := range doc.Use {
		r, err := compile(d)
		if err != nil {
			return nil, err
		}
		useRules = append(useRules, r)
	}

	return NewRuleSet(storeRules, useRules, analyzer), nil
}

func trimLeadingSpace(data []byte) []byte {
	i := 0
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return data[i:]
}

// Group is an ordered collection of rule-sets (§3 "Multiple rule-sets
// may be grouped"). SelectFor picks the first whose store-rules match
// the given query, as the cache engine's should_store contract (§4.3)
// requires.
type Group struct {
	sets []*RuleSet
}

// NewGroup wraps an explicit, already-built slice of rule-sets.
func NewGroup(sets ...*RuleSet) *Group {
	return &Group{sets: sets}
}

// defaultRuleSet is used by SelectFor when a group has no rule-sets at
// all, so "no rules configured" means "cache everything" the same way a
// single empty RuleSet does, rather than caching nothing.
var defaultRuleSet = NewRuleSet(nil, nil, nil)

// SelectFor returns the first rule-set in the group whose ShouldStore
// matches (defaultDB, query), or (nil, false) if none does. A group with
// no rule-sets at all always selects defaultRuleSet.
func (g *Group) SelectFor(defaultDB, query string) (*RuleSet, bool) {
	if len(g.sets) == 0 {
		return defaultRuleSet, true
	}
	for _, rs := range g.sets {
		if rs.ShouldStore(defaultDB, query) {
			return rs, true
		}
	}
	return nil, false
}

// Sets returns the group's rule-sets in order. Callers must not mutate
// the returned slice.
func (g *Group) Sets() []*RuleSet { return g.sets }
