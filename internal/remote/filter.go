package remote

import (
	"encoding/json"
	"strings"
)

// Filter is a conjunction of clauses over document fields. A nil or empty
// filter matches every document. Backends either evaluate filters themselves
// (litestore) or deliver the whole collection and let the subscription layer
// evaluate (natstore); Matches is the single source of truth for semantics.
type Filter []Clause

// Clause compares one field against a string value.
type Clause struct {
	Field string // dotted path into the document
	Op    string // OpEq or OpContains
	Value string
}

// Supported clause operators.
const (
	OpEq       = "=="
	OpContains = "array-contains"
)

// Eq builds an equality clause.
func Eq(field, value string) Clause {
	return Clause{Field: field, Op: OpEq, Value: value}
}

// Contains builds an array-membership clause.
func Contains(field, value string) Clause {
	return Clause{Field: field, Op: OpContains, Value: value}
}

// Matches reports whether the document JSON satisfies every clause.
func (f Filter) Matches(data json.RawMessage) bool {
	if len(f) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, c := range f {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c Clause) matches(doc map[string]any) bool {
	v, ok := lookup(doc, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		s, ok := v.(string)
		return ok && s == c.Value
	case OpContains:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, elem := range arr {
			if s, ok := elem.(string); ok && s == c.Value {
				return true
			}
		}
	}
	return false
}

func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
