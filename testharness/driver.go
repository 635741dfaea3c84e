package testharness

import (
	"context"
	"strconv"
	"strings"

	"github.com/lordbasex/mcache/session"
	"github.com/lordbasex/mcache/storage"
)

// Backend executes a statement against the system under test and
// returns the raw rows a real MySQL backend would have returned. The
// harness calls it only for statements the Filter did not serve
// entirely from cache.
type Backend func(ctx context.Context, query string) ([]byte, error)

// Step is the recorded outcome of running one script statement.
type Step struct {
	Query       string
	Action      session.Action
	Rows        []byte
	Err         error
	ExpectError string
	// Mismatch is set when the statement failed with no --error declared,
	// or when --error was declared and the statement succeeded; the
	// error text itself is not compared with ExpectError.
	Mismatch bool
}

// Driver runs a parsed Script against one session.Filter, recording a
// Step per executed statement. Vars holds the values mysql-test $name
// variables resolve to for if/while conditions; conditions this
// harness cannot evaluate default to true, matching a permissive dry
// run rather than failing the whole script.
type Driver struct {
	Filter  *session.Filter
	Token   storage.Token
	Backend Backend
	Vars    map[string]string

	Steps []Step
}

// NewDriver builds a Driver ready to run scripts against filter.
func NewDriver(filter *session.Filter, token storage.Token, backend Backend) *Driver {
	return &Driver{Filter: filter, Token: token, Backend: backend, Vars: map[string]string{}}
}

// Run executes every node of script in order, expanding if/while blocks
// inline, and returns the first error encountered constructing a step
// (not a statement-level error, which is recorded on the Step instead).
func (d *Driver) Run(ctx context.Context, script *Script) error {
	return d.runNodes(ctx, script.Nodes)
}

func (d *Driver) runNodes(ctx context.Context, nodes []Node) error {
	for _, n := range nodes {
		switch n.Kind {
		case NodeQuery:
			if err := d.runStatement(ctx, n); err != nil {
				return err
			}
		case NodeIf:
			if d.evalCondition(n.Text) {
				if err := d.runNodes(ctx, n.Body); err != nil {
					return err
				}
			}
		case NodeWhile:
			for d.evalCondition(n.Text) {
				if err := d.runNodes(ctx, n.Body); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (d *Driver) runStatement(ctx context.Context, n Node) error {
	action, cached, err := d.Filter.HandleQuery(ctx, d.Token, n.Text)
	step := Step{Query: n.Text, Action: action, ExpectError: n.ExpectError}

	if err != nil {
		step.Err = err
		step.Mismatch = n.ExpectError == ""
		d.Steps = append(d.Steps, step)
		return nil
	}

	if action.Use() && !action.Populate() {
		step.Rows = cached
		_ = d.Filter.HandleResponse(ctx, d.Token, true)
		d.Steps = append(d.Steps, step)
		return nil
	}

	rows, execErr := d.Backend(ctx, n.Text)
	success := execErr == nil
	if success {
		d.Filter.AppendResponseChunk(rows)
	}
	if respErr := d.Filter.HandleResponse(ctx, d.Token, success); respErr != nil && execErr == nil {
		execErr = respErr
	}

	step.Rows = rows
	if execErr != nil {
		step.Err = execErr
		step.Mismatch = n.ExpectError == ""
	} else if n.ExpectError != "" {
		step.Mismatch = true
	}

	if action == session.ActionUseAndPopulate {
		step.Rows = cached
	}

	d.Steps = append(d.Steps, step)
	return nil
}

// evalCondition evaluates a bracketed if/while condition. Only the
// subset scenario scripts need is supported: a bare integer literal, or
// a $variable name looked up in Vars and treated the same way mysql-test
// treats its variables (empty or "0" is false, anything else is true).
// Anything this harness cannot parse evaluates to true, since scenario
// scripts use conditions only to gate optional setup, never to change
// which cache assertions apply.
func (d *Driver) evalCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}
	if strings.HasPrefix(expr, "$") {
		val, ok := d.Vars[strings.TrimPrefix(expr, "$")]
		if !ok {
			return true
		}
		return val != "" && val != "0"
	}
	if n, err := strconv.Atoi(expr); err == nil {
		return n != 0
	}
	return true
}

// Mismatches returns every Step whose --error expectation did not hold
// (see Step.Mismatch), for callers that want to fail a script run in one check.
func (d *Driver) Mismatches() []Step {
	var out []Step
	for _, s := range d.Steps {
		if s.Mismatch {
			out = append(out, s)
		}
	}
	return out
}
