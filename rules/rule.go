// Package rules implements the declarative rule engine that decides,
// per request, whether a query's response may be cached (store-rules)
// and whether a session's account may consult the cache (use-rules).
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Attribute is the field a rule's predicate inspects.
type Attribute int

const (
	Column Attribute = iota
	Table
	Database
	Query
	User
)

func (a Attribute) String() string {
	switch a {
	case Column:
		return "column"
	case Table:
		return "table"
	case Database:
		return "database"
	case Query:
		return "query"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

func parseAttribute(s string) (Attribute, error) {
	switch strings.ToLower(s) {
	case "column":
		return Column, nil
	case "table":
		return Table, nil
	case "database":
		return Database, nil
	case "query":
		return Query, nil
	case "user":
		return User, nil
	default:
		return 0, fmt.Errorf("rules: unknown attribute %q", s)
	}
}

// Op is the comparison operator of a rule.
type Op int

const (
	Eq Op = iota
	Ne
	Like
	Unlike
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "="
	case Ne:
		return "!="
	case Like:
		return "like"
	case Unlike:
		return "unlike"
	default:
		return "unknown"
	}
}

func parseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "=":
		return Eq, nil
	case "!=":
		return Ne, nil
	case "like":
		return Like, nil
	case "unlike":
		return Unlike, nil
	default:
		return 0, fmt.Errorf("rules: unknown op %q", s)
	}
}

// negated reports whether this op's predicate must be inverted:
// != and unlike are the negative forms of = and like.
func (o Op) negated() bool {
	return o == Ne || o == Unlike
}

// isRegex reports whether this op compares via a compiled pattern
// rather than literal equality.
func (o Op) isRegex() bool {
	return o == Like || o == Unlike
}

// Qualifier disambiguates a table or column rule by the database and/or
// table it belongs to. Empty fields are unspecified.
type Qualifier struct {
	Database string
	Table    string
}

// Rule is one predicate out of a RuleSet's store- or use-rules. The
// three source shapes (concrete simple, concrete regex, user rule) are
// represented here as one struct: Attribute/Op select the shape,
// and the qualifier-carrying variant is just Attribute==Table or
// Attribute==Column with a non-empty Qualifier.
type Rule struct {
	Attribute Attribute
	Op        Op
	Qualifier Qualifier // only meaningful for Table/Column attributes

	literal string         // comparison literal for Eq/Ne
	pattern *regexp.Regexp // compiled pattern for Like/Unlike, and for User host wildcards
	user    string         // User attribute: literal account-name portion
}

// Doc is the wire shape of one rule entry in the rules document (§6).
type Doc struct {
	Attribute string `json:"attribute"`
	Op        string `json:"op"`
	Value     string `json:"value"`
}

// compile builds a Rule from its document form.
func compile(d Doc) (Rule, error) {
	attr, err := parseAttribute(d.Attribute)
	if err != nil {
		return Rule{}, err
	}
	op, err := parseOp(d.Op)
	if err != nil {
		return Rule{}, err
	}

	if attr == User {
		return compileUserRule(op, d.Value)
	}

	if op.isRegex() {
		// Like/Unlike match the whole pattern against a compound
		// "database.table[.column]" string built at match time, the way
		// CacheRuleRegex does; splitting the value into a qualifier
		// first would corrupt any pattern containing a literal '.'.
		pat, err := regexp.Compile(d.Value)
		if err != nil {
			return Rule{}, fmt.Errorf("rules: bad pattern %q for attribute %s: %w", d.Value, attr, err)
		}
		return Rule{Attribute: attr, Op: op, pattern: pat}, nil
	}

	value, qualifier := splitQualifier(attr, d.Value)
	return Rule{Attribute: attr, Op: op, Qualifier: qualifier, literal: value}, nil
}

// splitQualifier extracts an optional database/table qualifier from a
// table or column rule value. Table values may be "tbl" or "db.tbl".
// Column values may be "col", "tbl.col", or "db.tbl.col".
func splitQualifier(attr Attribute, value string) (string, Qualifier) {
	switch attr {
	case Table:
		parts := strings.SplitN(value, ".", 2)
		if len(parts) == 2 {
			return parts[1], Qualifier{Database: parts[0]}
		}
		return value, Qualifier{}
	case Column:
		parts := strings.Split(value, ".")
		switch len(parts) {
		case 3:
			return parts[2], Qualifier{Database: parts[0], Table: parts[1]}
		case 2:
			return parts[1], Qualifier{Table: parts[0]}
		default:
			return value, Qualifier{}
		}
	default:
		return value, Qualifier{}
	}
}

// compileUserRule builds the user-rule wrapper described in §3/§4.2: the
// account is "user@host"; a host literal containing SQL wildcards (%,_)
// is compiled into a regex, the user part is always matched as an
// escaped literal.
func compileUserRule(op Op, value string) (Rule, error) {
	user, host := splitAccount(value)

	if !strings.ContainsAny(host, "%_") {
		return Rule{Attribute: User, Op: op, user: user, literal: host}, nil
	}

	hostPattern := wildcardToRegex(host)
	full := "^" + regexp.QuoteMeta(user) + "@" + hostPattern + "$"
	pat, err := regexp.Compile(full)
	if err != nil {
		return Rule{}, fmt.Errorf("rules: bad host wildcard %q: %w", host, err)
	}
	return Rule{Attribute: User, Op: op, user: user, pattern: pat}, nil
}

// splitAccount splits "user@host" on the last '@', tolerating a user
// part that itself has none (host is then empty, matching nothing but
// an equally host-less account).
func splitAccount(value string) (user, host string) {
	idx := strings.LastIndex(value, "@")
	if idx < 0 {
		return value, ""
	}
	return value[:idx], value[idx+1:]
}

// wildcardToRegex converts a MySQL account-host wildcard pattern to a
// regex: '%' becomes '.*', '_' becomes '.', everything else is escaped.
func wildcardToRegex(host string) string {
	var b strings.Builder
	for _, r := range host {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// matchOne applies this rule's Eq/Ne comparison (or Like/Unlike
// pattern) to one candidate string, without considering negation.
func (r Rule) matchOne(candidate string) bool {
	if r.pattern != nil {
		return r.pattern.MatchString(candidate)
	}
	return candidate == r.literal
}

// matchAccount applies a User rule against one "user@host" account.
func (r Rule) matchAccount(user, host string) bool {
	positive := false
	if r.pattern != nil {
		positive = r.pattern.MatchString(user + "@" + host)
	} else {
		positive = user == r.user && host == r.literal
	}
	if r.Op.negated() {
		return !positive
	}
	return positive
}

// emptyPolarity is the result §4.2 mandates for an empty candidate set:
// =/like are false, !=/unlike are true.
func (r Rule) emptyPolarity() bool {
	return r.Op.negated()
}
