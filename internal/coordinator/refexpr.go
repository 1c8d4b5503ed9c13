// Package coordinator implements the DAG Execution Coordinator of spec
// §4.4: it materializes an Execution, resolves each node's inputs by
// reference expression, dispatches by node type, enforces per-node timeout,
// captures outputs, and walks outgoing edges to enqueue newly-ready
// downstream nodes.
package coordinator

import (
	"strings"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Resolve implements the reference-expression grammar of spec §4.4/§6/§9: a
// small dedicated pure function, not a general expression interpreter.
//
//	${input.key.path}    -> top-level input lookup
//	${name}              -> variable lookup, else a node's whole output
//	${node.path.parts}   -> prior node's captured output, indexed by the
//	                        remaining dotted path; any missing intermediate
//	                        yields (nil, false), never an error, preserving
//	                        optional-input semantics (spec §9).
//
// A string that is not of the form "${...}" is returned unchanged (a
// constant).
func Resolve(expr string, ctx *domain.ExecutionContext) (any, bool) {
	if !strings.HasPrefix(expr, "${") || !strings.HasSuffix(expr, "}") {
		return expr, true
	}
	path := expr[2 : len(expr)-1]
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}

	head := parts[0]
	rest := parts[1:]

	// "input" is the reserved head naming the Execution's top-level inputs
	// (spec S1: "${input.m}").
	if head == "input" {
		if len(rest) == 0 {
			return nil, false
		}
		v, ok := ctx.Input(rest[0])
		if !ok {
			return nil, false
		}
		return walk(v, rest[1:])
	}

	// Variable lookup takes precedence when there is no further path
	// (Open Question (a): node ids are rejected at validation time if they
	// collide with a variable name, so this ordering never hides a node's
	// output).
	if len(rest) == 0 {
		if v, ok := ctx.Variable(head); ok {
			return v, true
		}
		if out, ok := ctx.NodeOutput(head); ok {
			return out, true
		}
		return nil, false
	}

	if out, ok := ctx.NodeOutput(head); ok {
		return walk(out, rest)
	}
	if v, ok := ctx.Variable(head); ok {
		return walk(v, rest)
	}
	return nil, false
}

// walk indexes into nested map[string]any values by a dotted path,
// returning (nil, false) on any missing key or non-map intermediate (a
// []any or scalar is never indexed) rather than erroring.
func walk(v any, path []string) (any, bool) {
	cur := v
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ResolveInputs resolves every entry of a node's Inputs mapping against ctx,
// omitting any reference that resolves to absent (spec §9 "unsupported
// syntax returns absent ... to preserve optional-input semantics").
func ResolveInputs(inputs map[string]string, ctx *domain.ExecutionContext) map[string]any {
	out := make(map[string]any, len(inputs))
	for target, expr := range inputs {
		if v, ok := Resolve(expr, ctx); ok {
			out[target] = v
		}
	}
	return out
}
