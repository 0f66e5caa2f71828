/*
Package descriptor implements the declarative value language Concord
replicates in place of arbitrary closures.

Two places in the spec need per-value logic to cross the Raft log: index
extractors (create_index) and CAS predicates (put_if/delete_if with
condition). Replicating a function pointer or a closure is unsafe across
independent builds of the same binary, let alone across versions — so both
are modeled as small typed ASTs that every replica interprets identically.
A descriptor is ordinary data: it marshals through encoding/json exactly
like any other command argument and produces the same result on every node
given the same decoded value.

Values are decoded from their canonical JSON encoding into Go's generic
JSON shape (map[string]interface{}, []interface{}, string, float64, bool,
nil) before a descriptor is evaluated against them — this is the same
"dynamic, schemaless value" treatment spec.md §9 calls for.
*/
package descriptor

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Extractor is a declarative description of how to derive index terms
// from a stored value. Field addresses a (possibly nested) path into the
// decoded JSON value; dotted segments index into objects, numeric
// segments (as strings) index into arrays.
type Extractor struct {
	Field string `json:"field"`
}

// Extract evaluates the extractor against a decoded value. It returns the
// list of terms to index the key under; an empty slice means "do not
// index this value". Extraction never panics: an absent path, a type
// mismatch, or a malformed value simply yields no terms — the spec calls
// this "extractor failures are swallowed per-key".
func (e *Extractor) Extract(value interface{}) []string {
	if e == nil {
		return nil
	}
	defer func() { recover() }() //nolint:errcheck // swallow malformed-value panics per spec

	v := navigate(value, e.Field)
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []interface{}:
		var terms []string
		for _, item := range t {
			if s, ok := termOf(item); ok {
				terms = append(terms, s)
			}
		}
		return terms
	default:
		if s, ok := termOf(v); ok {
			return []string{s}
		}
		return nil
	}
}

func termOf(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return json.Number(fmt.Sprintf("%g", t)).String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func navigate(value interface{}, field string) interface{} {
	if field == "" {
		return value
	}
	cur := value
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == '.' {
			segment := field[start:i]
			start = i + 1
			switch c := cur.(type) {
			case map[string]interface{}:
				next, present := c[segment]
				if !present {
					return nil
				}
				cur = next
			case []interface{}:
				idx, err := strconv.Atoi(segment)
				if err != nil || idx < 0 || idx >= len(c) {
					return nil
				}
				cur = c[idx]
			default:
				return nil
			}
		}
	}
	return cur
}

// PredicateOp is the comparison a leaf Predicate node performs.
type PredicateOp string

const (
	OpEqual    PredicateOp = "eq"
	OpNotEqual PredicateOp = "ne"
	OpLess     PredicateOp = "lt"
	OpLessEq   PredicateOp = "le"
	OpGreater  PredicateOp = "gt"
	OpGreaterEq PredicateOp = "ge"
	OpExists   PredicateOp = "exists"
)

// BoolOp composes child predicates.
type BoolOp string

const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
	BoolNot BoolOp = "not"
)

// Predicate is a small bounded boolean expression over a decoded value,
// used as the "condition" half of put_if/delete_if. It is either a leaf
// comparison (Field/Op/Operand) or a boolean composition (Bool/Children).
type Predicate struct {
	// Leaf form.
	Field   string      `json:"field,omitempty"`
	Op      PredicateOp `json:"op,omitempty"`
	Operand interface{} `json:"operand,omitempty"`

	// Composite form.
	Bool     BoolOp       `json:"bool,omitempty"`
	Children []*Predicate `json:"children,omitempty"`
}

// Eval evaluates the predicate against a decoded value. A nil predicate
// is not a valid argument to put_if/delete_if and callers must reject it
// before reaching this point; Eval treats it conservatively as false.
func (p *Predicate) Eval(value interface{}) bool {
	if p == nil {
		return false
	}
	if p.Bool != "" {
		return p.evalBool(value)
	}
	return p.evalLeaf(value)
}

func (p *Predicate) evalBool(value interface{}) bool {
	switch p.Bool {
	case BoolAnd:
		for _, c := range p.Children {
			if !c.Eval(value) {
				return false
			}
		}
		return true
	case BoolOr:
		for _, c := range p.Children {
			if c.Eval(value) {
				return true
			}
		}
		return false
	case BoolNot:
		if len(p.Children) != 1 {
			return false
		}
		return !p.Children[0].Eval(value)
	default:
		return false
	}
}

func (p *Predicate) evalLeaf(value interface{}) bool {
	target := navigate(value, p.Field)
	if p.Op == OpExists {
		return target != nil
	}
	if target == nil {
		return false
	}

	switch p.Op {
	case OpEqual:
		return equalJSON(target, p.Operand)
	case OpNotEqual:
		return !equalJSON(target, p.Operand)
	case OpLess, OpLessEq, OpGreater, OpGreaterEq:
		tf, tok := target.(float64)
		of, ook := p.Operand.(float64)
		if !tok || !ook {
			return false
		}
		switch p.Op {
		case OpLess:
			return tf < of
		case OpLessEq:
			return tf <= of
		case OpGreater:
			return tf > of
		case OpGreaterEq:
			return tf >= of
		}
	}
	return false
}

func equalJSON(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
