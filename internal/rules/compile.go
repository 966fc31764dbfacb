// internal/rules/compile.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Condition compilation and validation.
 *
 * Compiles a rule's raw JSON condition into a node tree. The store compiles
 * on save, so malformed conditions are rejected at authoring time rather
 * than at checkout; the engine compiles again once per invocation and
 * evaluates the tree without re-parsing JSON.
 *
 * Forms:
 *   - {"op": [args...]} or {"op": arg}: operator node
 *   - [a, b, ...]: array literal whose elements are themselves expressions
 *   - scalars, and objects with zero or several keys: literal data
 *
 * The always-match forms are true, null, {}, empty input and
 * {"always": true}. {"always": false} never matches.
 *
 * Limits enforced here: MaxExpressionDepth nesting, MaxPathDepth var paths
 * when the path is a literal, MaxInOperatorValues literal "in" lists.
 *
 * Node paths ("$.and[1].==[0]") are carried into EvaluationError so a
 * failing sub-expression can be located in the stored condition.
 */

// FunctionSet reports which function names are registered. Function names
// are usable as operators.
type FunctionSet interface {
	Has(name string) bool
}

type nodeKind int

const (
	nodeLiteral nodeKind = iota
	nodeArray
	nodeOp
)

// arity bounds; max < 0 means unbounded.
type arity struct{ min, max int }

var operators = map[string]arity{
	"var":    {0, 2},
	"==":     {2, 2},
	"!=":     {2, 2},
	"===":    {2, 2},
	"!==":    {2, 2},
	"<":      {2, 3},
	"<=":     {2, 3},
	">":      {2, 2},
	">=":     {2, 2},
	"and":    {1, -1},
	"or":     {1, -1},
	"!":      {1, 1},
	"not":    {1, 1},
	"!!":     {1, 1},
	"in":     {2, 2},
	"+":      {0, -1},
	"-":      {1, 2},
	"*":      {1, -1},
	"/":      {2, 2},
	"%":      {2, 2},
	"if":     {1, -1},
	"?:":     {3, 3},
	"some":   {2, 2},
	"all":    {2, 2},
	"none":   {2, 2},
	"min":    {1, -1},
	"max":    {1, -1},
	"cat":    {0, -1},
	"always": {0, 1},
}

// Node is one compiled expression node.
type Node struct {
	kind  nodeKind
	op    string
	value any
	args  []*Node
	path  string
	fn    bool
}

// Op returns the operator name, or "" for literals and arrays.
func (n *Node) Op() string { return n.op }

// Path returns the node's location within the condition.
func (n *Node) Path() string { return n.path }

// Expr is a compiled condition.
type Expr struct {
	root   *Node
	always bool
	never  bool
}

// Always reports whether the condition matches every context.
func (e *Expr) Always() bool { return e.always }

// Root returns the top node; nil for always-match conditions.
func (e *Expr) Root() *Node { return e.root }

// AlwaysExpr is the compiled form of an absent condition.
var AlwaysExpr = &Expr{always: true}

// Compile parses and validates a raw condition. funcs may be nil, in which
// case function-call operators are rejected.
func Compile(raw json.RawMessage, funcs FunctionSet) (*Expr, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return AlwaysExpr, nil
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	return CompileValue(decoded, funcs)
}

// CompileValue compiles an already-decoded condition.
func CompileValue(decoded any, funcs FunctionSet) (*Expr, error) {
	switch v := decoded.(type) {
	case nil:
		return AlwaysExpr, nil
	case bool:
		if v {
			return AlwaysExpr, nil
		}
		return &Expr{never: true, root: &Node{kind: nodeLiteral, value: false, path: "$"}}, nil
	case map[string]any:
		if len(v) == 0 {
			return AlwaysExpr, nil
		}
		if arg, ok := v["always"]; ok && len(v) == 1 {
			if arg == nil || Truthy(arg) {
				return AlwaysExpr, nil
			}
			return &Expr{never: true, root: &Node{kind: nodeLiteral, value: false, path: "$"}}, nil
		}
	}

	c := compiler{funcs: funcs}
	root, err := c.compile(decoded, "$", 1)
	if err != nil {
		return nil, err
	}
	return &Expr{root: root}, nil
}

type compiler struct {
	funcs FunctionSet
}

func (c *compiler) compile(v any, path string, depth int) (*Node, error) {
	if depth > types.MaxExpressionDepth {
		return nil, &EvaluationError{Path: path, Err: types.ErrExpressionTooDeep}
	}

	switch t := v.(type) {
	case []any:
		n := &Node{kind: nodeArray, path: path, args: make([]*Node, len(t))}
		for i, elem := range t {
			child, err := c.compile(elem, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			n.args[i] = child
		}
		return n, nil
	case map[string]any:
		if len(t) != 1 {
			return &Node{kind: nodeLiteral, value: t, path: path}, nil
		}
		for op, rawArgs := range t {
			return c.compileOp(op, rawArgs, path, depth)
		}
	}
	return &Node{kind: nodeLiteral, value: v, path: path}, nil
}

func (c *compiler) compileOp(op string, rawArgs any, path string, depth int) (*Node, error) {
	opPath := path + "." + op
	bounds, builtin := operators[op]
	isFunc := false
	if !builtin {
		if c.funcs == nil || !c.funcs.Has(op) {
			return nil, &EvaluationError{Path: path, Op: op, Err: types.ErrInvalidOperator}
		}
		isFunc = true
		bounds = arity{0, -1}
	}

	var argv []any
	switch a := rawArgs.(type) {
	case []any:
		argv = a
	default:
		argv = []any{a}
	}

	// {"var": []} and {"var": null} both mean the whole data.
	if op == "var" && rawArgs == nil {
		argv = nil
	}

	if len(argv) < bounds.min || (bounds.max >= 0 && len(argv) > bounds.max) {
		return nil, &EvaluationError{
			Path: path,
			Op:   op,
			Err:  fmt.Errorf("%w: got %d arguments", types.ErrInvalidArguments, len(argv)),
		}
	}

	n := &Node{kind: nodeOp, op: op, path: path, fn: isFunc, args: make([]*Node, len(argv))}
	for i, arg := range argv {
		child, err := c.compile(arg, fmt.Sprintf("%s[%d]", opPath, i), depth+1)
		if err != nil {
			return nil, err
		}
		n.args[i] = child
	}

	if err := validateNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// validateNode applies per-operator static checks on literal arguments.
func validateNode(n *Node) error {
	switch n.op {
	case "var":
		if len(n.args) > 0 && n.args[0].kind == nodeLiteral {
			if s, ok := n.args[0].value.(string); ok {
				if _, err := SplitPath(s); err != nil {
					return &EvaluationError{Path: n.path, Op: n.op, Err: err}
				}
			}
		}
	case "in":
		hay := n.args[1]
		if hay.kind == nodeArray && len(hay.args) > types.MaxInOperatorValues {
			return &EvaluationError{Path: n.path, Op: n.op, Err: types.ErrTooManyInValues}
		}
	}
	return nil
}
