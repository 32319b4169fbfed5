package store

import (
	"encoding/json"
	"fmt"
)

// FilterOp is a field predicate operator for List.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
)

// Filter is one field equality/range predicate against a declared indexed
// field, matched against the record's JSON representation.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

func matchesAll(raw []byte, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for _, f := range filters {
		if !matches(doc[f.Field], f) {
			return false
		}
	}
	return true
}

func matches(actual interface{}, f Filter) bool {
	switch f.Op {
	case OpEq, "":
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		af, aok := toFloat(actual)
		ef, eok := toFloat(f.Value)
		if !aok || !eok {
			return false
		}
		switch f.Op {
		case OpLt:
			return af < ef
		case OpLte:
			return af <= ef
		case OpGt:
			return af > ef
		case OpGte:
			return af >= ef
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
