package pathexpr

import (
	"fmt"
	"strconv"
)

// node is any evaluable term in the compiled expression tree.
type node interface {
	eval(ctx *Context) (bool, error)
}

// accessorExpr is %previous|%current followed by zero or more dotted field
// names. resolve tolerates a nil root (missing %previous) and any missing
// intermediate field by returning (nil, false) rather than erroring.
type accessorExpr struct {
	varName string
	path    []string
}

func (a *accessorExpr) resolve(ctx *Context) (interface{}, bool) {
	var root map[string]interface{}
	switch a.varName {
	case "%previous":
		root = ctx.Previous
	case "%current":
		root = ctx.Current
	default:
		return nil, false
	}
	if root == nil {
		return nil, false
	}
	var cur interface{} = root
	for _, seg := range a.path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

type andOrNode struct {
	isAnd       bool
	left, right node
}

func (n *andOrNode) eval(ctx *Context) (bool, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return false, err
	}
	if n.isAnd && !l {
		return false, nil // short-circuit
	}
	if !n.isAnd && l {
		return true, nil // short-circuit
	}
	return n.right.eval(ctx)
}

type emptyCallNode struct {
	accessor *accessorExpr
}

func (n *emptyCallNode) eval(ctx *Context) (bool, error) {
	v, present := n.accessor.resolve(ctx)
	return !present || isEmptyValue(v), nil
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

type memberOfCallNode struct {
	accessor    *accessorExpr
	valueSetURL string
}

func (n *memberOfCallNode) eval(ctx *Context) (bool, error) {
	v, present := n.accessor.resolve(ctx)
	if !present {
		return false, nil
	}
	code := toComparableString(v)
	if ctx.ValueSet == nil {
		ctx.diag(fmt.Sprintf("memberOf(%q): value set service unavailable", n.valueSetURL))
		return false, nil
	}
	member, err := ctx.ValueSet.IsMember(n.valueSetURL, code)
	if err != nil {
		ctx.diag(fmt.Sprintf("memberOf(%q): %v", n.valueSetURL, err))
		return false, nil
	}
	return member, nil
}

type compareNode struct {
	accessor *accessorExpr
	negate   bool // true for !=
	literal  interface{}
}

func (n *compareNode) eval(ctx *Context) (bool, error) {
	v, present := n.accessor.resolve(ctx)
	if !present {
		return n.negate, nil
	}
	equal := toComparableString(v) == toComparableString(n.literal)
	if n.negate {
		return !equal, nil
	}
	return equal, nil
}

type inNode struct {
	accessor *accessorExpr
	literals []interface{}
}

func (n *inNode) eval(ctx *Context) (bool, error) {
	v, present := n.accessor.resolve(ctx)
	if !present {
		return false, nil
	}
	strVal := toComparableString(v)
	for _, lit := range n.literals {
		if toComparableString(lit) == strVal {
			return true, nil
		}
	}
	return false, nil
}

func toComparableString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
