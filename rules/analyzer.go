package rules

// TableRef is one table referenced by a query, as extracted by a
// QueryAnalyzer. Database is empty when the query did not qualify the
// reference; callers are expected to default it to the session's
// current database before comparing (as matchStoreRule and
// session.InvalidationWords do).
type TableRef struct {
	Database string
	Table    string
}

// ColumnRef is one column referenced by a query.
type ColumnRef struct {
	Database string
	Table    string
	Column   string
}

// QueryInfo is everything the rule engine needs about a query beyond
// its raw text. SQL parsing itself is out of this subsystem's scope
// (spec.md §1); QueryInfo is the narrow contract an external collaborator
// fulfils by implementing QueryAnalyzer.
type QueryInfo struct {
	Databases []string
	Tables    []TableRef
	Columns   []ColumnRef
}

// QueryAnalyzer extracts the database/table/column references a
// store-rule's database/table/column attribute predicates need. It is
// the collaborator boundary named in spec.md §6 ("SQL text parsing and
// field/table extraction").
type QueryAnalyzer interface {
	Analyze(query string) QueryInfo
}

// NopAnalyzer reports no references for any query. It is useful for
// rule-sets that only ever use the query or user attributes, and as a
// safe default when no analyzer has been wired in yet.
type NopAnalyzer struct{}

func (NopAnalyzer) Analyze(string) QueryInfo { return QueryInfo{} }
