// internal/rules/evaluate.go
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Expression evaluation.
 *
 * Walks a compiled node tree against a decoded JSON context. The evaluator
 * is pure except for registered functions, which it reaches through a
 * FunctionCaller and which are the only place a context.Context matters
 * (per-call timeouts, cancellation).
 *
 * Scoping: some/all/none evaluate their body with the current element as
 * the data. A var path whose first segment is absent from the element is
 * resolved against the enclosing scope, so bodies can still reach
 * top-level context keys such as "user" or "cart".
 *
 * Short-circuit: and/or stop at the first falsy/truthy operand and return
 * that operand's value. if evaluates only the taken branch.
 *
 * Errors: every failure is wrapped in *EvaluationError carrying the node
 * path and operator. Missing data is never an error; it yields null (or the
 * var default) and comparisons against null are false.
 */

// FunctionCaller invokes registered functions by name.
type FunctionCaller interface {
	FunctionSet
	Call(ctx context.Context, name string, args []any) (any, error)
}

// EvaluationError locates a failure within a condition.
type EvaluationError struct {
	Path string
	Op   string
	Err  error
}

func (e *EvaluationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("expression %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("expression %s (%s): %v", e.Path, e.Op, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluator evaluates compiled expressions.
type Evaluator struct {
	funcs FunctionCaller
}

// NewEvaluator creates an evaluator; funcs may be nil when no conditions
// reference registered functions.
func NewEvaluator(funcs FunctionCaller) *Evaluator {
	return &Evaluator{funcs: funcs}
}

// scope is the data chain for var resolution.
type scope struct {
	data   any
	parent *scope
}

// Evaluate returns the value of expr over data.
func (e *Evaluator) Evaluate(ctx context.Context, expr *Expr, data any) (any, error) {
	if expr == nil || expr.always {
		return true, nil
	}
	if expr.never {
		return false, nil
	}
	return e.eval(ctx, expr.root, &scope{data: data})
}

// Test evaluates expr and reduces the result to its truthiness.
func (e *Evaluator) Test(ctx context.Context, expr *Expr, data any) (bool, error) {
	v, err := e.Evaluate(ctx, expr, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (e *Evaluator) eval(ctx context.Context, n *Node, s *scope) (any, error) {
	switch n.kind {
	case nodeLiteral:
		return n.value, nil
	case nodeArray:
		out := make([]any, len(n.args))
		for i, arg := range n.args {
			v, err := e.eval(ctx, arg, s)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if n.fn {
		return e.callFunction(ctx, n, s)
	}

	switch n.op {
	case "var":
		return e.evalVar(ctx, n, s)
	case "and":
		var last any
		for _, arg := range n.args {
			v, err := e.eval(ctx, arg, s)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil
	case "or":
		var last any
		for _, arg := range n.args {
			v, err := e.eval(ctx, arg, s)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil
	case "if", "?:":
		return e.evalIf(ctx, n, s)
	case "some", "all", "none":
		return e.evalQuantifier(ctx, n, s)
	case "always":
		if len(n.args) == 0 {
			return true, nil
		}
		v, err := e.eval(ctx, n.args[0], s)
		if err != nil {
			return nil, err
		}
		return v == nil || Truthy(v), nil
	}

	args, err := e.evalArgs(ctx, n, s)
	if err != nil {
		return nil, err
	}
	v, err := applyOperator(n.op, args)
	if err != nil {
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: err}
	}
	return v, nil
}

func (e *Evaluator) evalArgs(ctx context.Context, n *Node, s *scope) ([]any, error) {
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := e.eval(ctx, arg, s)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (e *Evaluator) evalVar(ctx context.Context, n *Node, s *scope) (any, error) {
	if len(n.args) == 0 {
		return s.data, nil
	}

	key, err := e.eval(ctx, n.args[0], s)
	if err != nil {
		return nil, err
	}

	var path string
	switch k := key.(type) {
	case nil:
		path = ""
	case string:
		path = k
	case float64, int, int64:
		path = Text(k)
	default:
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: fmt.Errorf("%w: var path must be a string", types.ErrInvalidArguments)}
	}

	segs, err := SplitPath(path)
	if err != nil {
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: err}
	}
	if len(segs) == 0 {
		return s.data, nil
	}

	target := s
	for target.parent != nil && !hasKey(target.data, segs[0]) {
		target = target.parent
	}

	if v, found := Lookup(target.data, segs); found {
		return v, nil
	}
	if len(n.args) > 1 {
		return e.eval(ctx, n.args[1], s)
	}
	return nil, nil
}

// evalIf handles [cond, then, cond, then, ..., else]. An even-length list has
// an implicit null else.
func (e *Evaluator) evalIf(ctx context.Context, n *Node, s *scope) (any, error) {
	i := 0
	for ; i+1 < len(n.args); i += 2 {
		cond, err := e.eval(ctx, n.args[i], s)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return e.eval(ctx, n.args[i+1], s)
		}
	}
	if i < len(n.args) {
		return e.eval(ctx, n.args[i], s)
	}
	return nil, nil
}

func (e *Evaluator) evalQuantifier(ctx context.Context, n *Node, s *scope) (any, error) {
	listVal, err := e.eval(ctx, n.args[0], s)
	if err != nil {
		return nil, err
	}

	var list []any
	switch l := listVal.(type) {
	case nil:
	case []any:
		list = l
	default:
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: fmt.Errorf("%w: %s expects an array, got %T", types.ErrTypeMismatch, n.op, listVal)}
	}

	if n.op == "all" && len(list) == 0 {
		return false, nil
	}

	for _, elem := range list {
		v, err := e.eval(ctx, n.args[1], &scope{data: elem, parent: s})
		if err != nil {
			return nil, err
		}
		matched := Truthy(v)
		switch n.op {
		case "some":
			if matched {
				return true, nil
			}
		case "all":
			if !matched {
				return false, nil
			}
		case "none":
			if matched {
				return false, nil
			}
		}
	}

	return n.op != "some", nil
}

func (e *Evaluator) callFunction(ctx context.Context, n *Node, s *scope) (any, error) {
	if e.funcs == nil || !e.funcs.Has(n.op) {
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: types.ErrFunctionNotRegistered}
	}
	args, err := e.evalArgs(ctx, n, s)
	if err != nil {
		return nil, err
	}
	v, err := e.funcs.Call(ctx, n.op, args)
	if err != nil {
		var evalErr *EvaluationError
		if errors.As(err, &evalErr) {
			return nil, err
		}
		return nil, &EvaluationError{Path: n.path, Op: n.op, Err: err}
	}
	return v, nil
}
