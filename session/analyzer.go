package session

import (
	"regexp"
	"strings"

	"github.com/lordbasex/mcache/rules"
)

// HeuristicAnalyzer is a regex-based rules.QueryAnalyzer. It is
// deliberately simple: spec.md §1 keeps real SQL parsing out of this
// subsystem's scope, so this analyzer only needs to be good enough to
// drive database/table/column attribute rules and table-invalidation,
// not to be a SQL parser. Grounded on the teacher's sql_validator.go,
// which takes the same compiled-regex-table approach to classify and
// inspect queries without a real parser.
type HeuristicAnalyzer struct{}

var (
	fromJoinRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	intoRe     = regexp.MustCompile(`(?i)\bINTO\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	updateRe   = regexp.MustCompile(`(?i)^\s*UPDATE\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	selectColsRe = regexp.MustCompile(`(?i)^\s*SELECT\s+(.*?)\s+FROM\s`)
)

// Analyze implements rules.QueryAnalyzer.
func (HeuristicAnalyzer) Analyze(query string) rules.QueryInfo {
	var info rules.QueryInfo

	seen := make(map[string]struct{})
	addTable := func(raw string) {
		db, table := splitDotted(raw)
		key := db + "." + table
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		info.Tables = append(info.Tables, rules.TableRef{Database: db, Table: table})
		if db != "" {
			info.Databases = appendUnique(info.Databases, db)
		}
	}

	for _, m := range fromJoinRe.FindAllStringSubmatch(query, -1) {
		addTable(m[1])
	}
	for _, m := range intoRe.FindAllStringSubmatch(query, -1) {
		addTable(m[1])
	}
	if m := updateRe.FindStringSubmatch(query); m != nil {
		addTable(m[1])
	}

	if m := selectColsRe.FindStringSubmatch(query); m != nil {
		for _, col := range strings.Split(m[1], ",") {
			col = strings.TrimSpace(unquote(col))
			if col == "" || col == "*" || strings.ContainsAny(col, "()") {
				continue
			}
			db, rest := "", col
			table := ""
			parts := strings.Split(rest, ".")
			switch len(parts) {
			case 2:
				table, col = parts[0], parts[1]
			case 3:
				db, table, col = parts[0], parts[1], parts[2]
			}
			info.Columns = append(info.Columns, rules.ColumnRef{Database: db, Table: table, Column: col})
		}
	}

	return info
}

func splitDotted(raw string) (db, table string) {
	raw = unquote(raw)
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) == 2 {
		return unquote(parts[0]), unquote(parts[1])
	}
	return "", unquote(parts[0])
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, "`\"'")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

var (
	leadingCommentRe = regexp.MustCompile(`^(\s|/\*.*?\*/|--[^\n]*\n)*`)
	txBeginRe        = regexp.MustCompile(`(?i)^(BEGIN|START\s+TRANSACTION)\b`)
	txEndRe          = regexp.MustCompile(`(?i)^(COMMIT|ROLLBACK)\b`)
	txReadWriteRe    = regexp.MustCompile(`(?i)\bREAD\s+WRITE\b`)
	dupsertRe        = regexp.MustCompile(`(?i)^(INSERT|UPDATE|DELETE|REPLACE)\b`)
	dralterRe        = regexp.MustCompile(`(?i)^(CREATE|ALTER|DROP|TRUNCATE|RENAME|GRANT|REVOKE|LOAD\s+DATA)\b`)
	selectRe         = regexp.MustCompile(`(?i)^(SELECT|SHOW|DESCRIBE|EXPLAIN)\b`)
	nonCacheableRe   = regexp.MustCompile(`(?i)\b(RAND|NOW|SYSDATE|CURDATE|CURTIME|UUID|LAST_INSERT_ID|CONNECTION_ID|@@|@[A-Za-z_])\s*\(?`)
)

// ClassifyStatement heuristically sorts query into one of the §4.7
// statement kinds.
func ClassifyStatement(query string) StatementKind {
	normalized := leadingCommentRe.ReplaceAllString(strings.ToUpper(query), "")
	normalized = strings.TrimSpace(normalized)
	switch {
	case txBeginRe.MatchString(normalized):
		return StatementTxBegin
	case txEndRe.MatchString(normalized):
		return StatementTxEnd
	case dupsertRe.MatchString(normalized):
		return StatementDupsert
	case dralterRe.MatchString(normalized):
		return StatementDralter
	case selectRe.MatchString(normalized):
		return StatementSelect
	default:
		return StatementUnknown
	}
}

// statementIsReadOnlyBegin reports whether a BEGIN/START TRANSACTION
// statement should reset the read-only-trx assumption to true (the
// default) rather than false; only an explicit READ WRITE clause
// starts the transaction already assumed read-write (§4.7 "reset the
// read-only-trx assumption").
func statementIsReadOnlyBegin(query string) bool {
	return !txReadWriteRe.MatchString(query)
}

// excludedSchemas lists the databases a SELECT must never be cached
// against: their contents reflect live server state (open
// transactions, running queries, grants) that the cache's TTL-based
// model cannot track.
var excludedSchemas = map[string]struct{}{
	"information_schema": {},
	"performance_schema": {},
	"mysql":              {},
	"sys":                {},
}

// tableIsExcludedFromStore reports whether any table info references
// lives in a schema the cache must never store, qualifying unqualified
// table references against defaultDB the same way InvalidationWords
// does.
func tableIsExcludedFromStore(info rules.QueryInfo, defaultDB string) bool {
	for _, t := range info.Tables {
		db := strings.ToLower(t.Database)
		if db == "" {
			db = strings.ToLower(defaultDB)
		}
		if _, excluded := excludedSchemas[db]; excluded {
			return true
		}
	}
	return false
}

// HasNonCacheableConstruct reports whether query references a
// non-deterministic function or a user/session variable, either of
// which makes its response unsafe to serve from a later, different
// invocation's cache entry (§4.7 "non-cacheable function/variable
// detection").
func HasNonCacheableConstruct(query string) bool {
	return nonCacheableRe.MatchString(query)
}

// InvalidationWords converts the tables a DUPSERT/DRALTER statement
// touches into the qualified invalidation words spec.md's GLOSSARY
// defines ("typically a qualified table name"), defaulting an
// unqualified reference's database to defaultDB.
func InvalidationWords(info rules.QueryInfo, defaultDB string) []string {
	words := make([]string, 0, len(info.Tables))
	seen := make(map[string]struct{})
	for _, t := range info.Tables {
		db := t.Database
		if db == "" {
			db = defaultDB
		}
		word := db + "." + t.Table
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		words = append(words, word)
	}
	return words
}
