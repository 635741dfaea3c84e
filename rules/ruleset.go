package rules

// Account identifies the session whose permission to use the cache is
// being decided by should_use.
type Account struct {
	User string
	Host string
}

// RuleSet is one ordered pair of store-rules and use-rules (§3). A
// RuleSet with no rules of a kind permits everything of that kind.
type RuleSet struct {
	storeRules []Rule
	useRules   []Rule
	analyzer   QueryAnalyzer
}

// NewRuleSet builds a RuleSet from already-compiled rules. analyzer may
// be nil, which is equivalent to NopAnalyzer{} and is only safe when no
// store-rule uses the database/table/column attributes.
func NewRuleSet(storeRules, useRules []Rule, analyzer QueryAnalyzer) *RuleSet {
	if analyzer == nil {
		analyzer = NopAnalyzer{}
	}
	return &RuleSet{storeRules: storeRules, useRules: useRules, analyzer: analyzer}
}

// ShouldStore reports whether a query's response may be cached: true if
// there are no store-rules, or the first matching store-rule (evaluated
// in document order) matches.
func (rs *RuleSet) ShouldStore(defaultDB, query string) bool {
	if len(rs.storeRules) == 0 {
		return true
	}
	info := rs.analyzer.Analyze(query)
	for _, r := range rs.storeRules {
		if matchStoreRule(r, defaultDB, query, info) {
			return true
		}
	}
	return false
}

// ShouldUse reports whether a session's account may consult the cache:
// true if there are no use-rules, or the first matching use-rule
// matches the account.
func (rs *RuleSet) ShouldUse(account Account) bool {
	if len(rs.useRules) == 0 {
		return true
	}
	for _, r := range rs.useRules {
		if r.matchAccount(account.User, account.Host) {
			return true
		}
	}
	return false
}

// StoreRules returns the store-rules in document order. Callers must
// not mutate the returned slice.
func (rs *RuleSet) StoreRules() []Rule { return rs.storeRules }

// UseRules returns the use-rules in document order. Callers must not
// mutate the returned slice.
func (rs *RuleSet) UseRules() []Rule { return rs.useRules }

func matchStoreRule(r Rule, defaultDB, query string, info QueryInfo) bool {
	switch r.Attribute {
	case Query:
		positive := r.matchOne(query)
		if r.Op.negated() {
			return !positive
		}
		return positive

	case Database:
		dbs := info.Databases
		if len(dbs) == 0 {
			dbs = []string{defaultDB}
		}
		return matchAnyNegatable(r, dbs)

	case Table:
		if len(info.Tables) == 0 {
			return r.emptyPolarity()
		}
		for _, t := range info.Tables {
			db := t.Database
			if db == "" {
				db = defaultDB
			}
			if r.Op.isRegex() {
				if matchOnePositive(r, db+"."+t.Table) {
					return true
				}
				continue
			}
			if r.Qualifier.Database != "" && db != r.Qualifier.Database {
				continue
			}
			if matchOnePositive(r, t.Table) {
				return true
			}
		}
		return false

	case Column:
		if len(info.Columns) == 0 {
			return r.emptyPolarity()
		}
		for _, c := range info.Columns {
			db := c.Database
			if db == "" {
				db = defaultDB
			}
			if r.Op.isRegex() {
				if matchOnePositive(r, db+"."+c.Table+"."+c.Column) {
					return true
				}
				continue
			}
			if r.Qualifier.Table != "" && c.Table != r.Qualifier.Table {
				continue
			}
			if r.Qualifier.Database != "" && db != r.Qualifier.Database {
				continue
			}
			if r.literal == "*" {
				return true
			}
			if matchOnePositive(r, c.Column) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// matchOnePositive applies the rule's pattern/literal comparison to one
// candidate, inverting the result for != and unlike, so a caller
// OR-ing over references only needs to look for a true result.
func matchOnePositive(r Rule, candidate string) bool {
	if r.Op.negated() {
		return !r.matchOne(candidate)
	}
	return r.matchOne(candidate)
}

// matchAnyNegatable implements the "OR over references" rule for a
// negatable attribute: for a positive op, true if any candidate
// matches; for a negative op, true if any candidate differs (i.e. not
// ALL candidates match the negated literal).
func matchAnyNegatable(r Rule, candidates []string) bool {
	if len(candidates) == 0 {
		return r.emptyPolarity()
	}
	for _, c := range candidates {
		if matchOnePositive(r, c) {
			return true
		}
	}
	return false
}

