package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"xdrforward/internal/mapping"
)

type dropOperator string

const (
	dropEQ  dropOperator = "="
	dropNE  dropOperator = "!="
	dropGT  dropOperator = ">"
	dropGTE dropOperator = ">="
	dropLT  dropOperator = "<"
	dropLTE dropOperator = "<="
)

// DropCondition is one compiled drop_event expression evaluated against a canonical document.
// Field is a dotted document path, e.g. event.severity or observer.product.
type DropCondition struct {
	Raw   string
	Field string
	Op    dropOperator
	Value string

	number  float64
	numeric bool
}

// DropFilter drops documents matching any configured condition.
type DropFilter struct {
	conditions []DropCondition
}

// NewDropFilter compiles drop_event expressions.
// Params: expressions in format <field><op><value>, op one of = != > >= < <=.
// Returns: filter or error naming the failing expression index.
func NewDropFilter(expressions []string) (*DropFilter, error) {
	conditions := make([]DropCondition, 0, len(expressions))
	for idx, expression := range expressions {
		condition, err := ParseDropCondition(expression)
		if err != nil {
			return nil, fmt.Errorf("drop_event[%d]: %w", idx, err)
		}
		conditions = append(conditions, condition)
	}
	return &DropFilter{conditions: conditions}, nil
}

// ParseDropCondition parses one drop_event expression.
// Params: expression text.
// Returns: compiled condition or parse error.
func ParseDropCondition(expression string) (DropCondition, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return DropCondition{}, fmt.Errorf("empty expression")
	}

	field, op, value, ok := splitDropExpression(raw)
	if !ok {
		return DropCondition{}, fmt.Errorf("invalid expression %q", raw)
	}
	if field == "" {
		return DropCondition{}, fmt.Errorf("field is empty in expression %q", raw)
	}
	if value == "" {
		return DropCondition{}, fmt.Errorf("value is empty in expression %q", raw)
	}

	condition := DropCondition{Raw: raw, Field: field, Op: op, Value: value}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		condition.number = parsed
		condition.numeric = true
	}
	if !condition.numeric && (op == dropGT || op == dropGTE || op == dropLT || op == dropLTE) {
		return DropCondition{}, fmt.Errorf("operator %s needs a numeric value in expression %q", op, raw)
	}
	return condition, nil
}

// Len reports how many conditions are configured.
func (f *DropFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.conditions)
}

// ShouldDrop evaluates OR logic over all conditions.
// Params: doc canonical document.
// Returns: true when any condition matches.
func (f *DropFilter) ShouldDrop(doc mapping.Document) bool {
	if f == nil {
		return false
	}
	for _, condition := range f.conditions {
		if condition.Matches(doc) {
			return true
		}
	}
	return false
}

// Matches evaluates one condition. A missing field only satisfies !=.
// Sequence fields match = when any element matches and != when none does.
func (c DropCondition) Matches(doc mapping.Document) bool {
	actual, ok := doc.Get(c.Field)
	if !ok || actual == nil {
		return c.Op == dropNE
	}

	if items, ok := actual.([]any); ok {
		anyMatch := false
		for _, item := range items {
			if c.matchValue(item, dropEQ) {
				anyMatch = true
				break
			}
		}
		switch c.Op {
		case dropEQ:
			return anyMatch
		case dropNE:
			return !anyMatch
		default:
			return false
		}
	}

	return c.matchValue(actual, c.Op)
}

func (c DropCondition) matchValue(actual any, op dropOperator) bool {
	number, isNumber := toFloat64(actual)
	if isNumber && c.numeric {
		switch op {
		case dropEQ:
			return number == c.number
		case dropNE:
			return number != c.number
		case dropGT:
			return number > c.number
		case dropGTE:
			return number >= c.number
		case dropLT:
			return number < c.number
		case dropLTE:
			return number <= c.number
		}
		return false
	}

	text := fmt.Sprint(actual)
	switch op {
	case dropEQ:
		return wildcardMatch(c.Value, text)
	case dropNE:
		return !wildcardMatch(c.Value, text)
	default:
		return false
	}
}

// splitDropExpression locates the first operator character and reads a one or two character operator.
func splitDropExpression(raw string) (string, dropOperator, string, bool) {
	idx := strings.IndexAny(raw, "!=<>")
	if idx < 0 {
		return "", "", "", false
	}

	var op dropOperator
	rest := raw[idx:]
	switch {
	case strings.HasPrefix(rest, "!="):
		op = dropNE
	case strings.HasPrefix(rest, ">="):
		op = dropGTE
	case strings.HasPrefix(rest, "<="):
		op = dropLTE
	case strings.HasPrefix(rest, ">"):
		op = dropGT
	case strings.HasPrefix(rest, "<"):
		op = dropLT
	case strings.HasPrefix(rest, "="):
		op = dropEQ
	default:
		return "", "", "", false
	}

	field := strings.TrimSpace(raw[:idx])
	value := strings.TrimSpace(rest[len(op):])
	return field, op, value, true
}

// wildcardMatch matches value against pattern where '*' spans any run of characters.
func wildcardMatch(pattern, value string) bool {
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, v
			p++
		case p < len(pattern) && pattern[p] == value[v]:
			p++
			v++
		case star >= 0:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func toFloat64(v any) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint32:
		return float64(value), true
	case uint64:
		return float64(value), true
	case float32:
		return float64(value), true
	case float64:
		return value, true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
