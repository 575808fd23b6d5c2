package plan

import "strings"

// Operator is a normalized filter operator
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpBetween   Operator = "between"
	OpLike      Operator = "like"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

// ParseOperator maps a user or model supplied operator to its normalized form.
// Unknown operators are returned unchanged with ok=false.
func ParseOperator(s string) (Operator, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	switch key {
	case "eq", "=", "==", "equals":
		return OpEq, true
	case "ne", "!=", "<>", "neq":
		return OpNe, true
	case "gt", ">":
		return OpGt, true
	case "gte", ">=", "ge":
		return OpGte, true
	case "lt", "<":
		return OpLt, true
	case "lte", "<=", "le":
		return OpLte, true
	case "in":
		return OpIn, true
	case "not in", "not_in", "nin":
		return OpNotIn, true
	case "between":
		return OpBetween, true
	case "like", "contains":
		return OpLike, true
	case "is null", "is_null", "isnull":
		return OpIsNull, true
	case "is not null", "is_not_null", "notnull":
		return OpIsNotNull, true
	}
	return Operator(key), false
}

// Valid reports whether op is a known operator
func (op Operator) Valid() bool {
	_, ok := arity[op]
	return ok
}

// Arity returns the allowed number of values; max < 0 means unbounded
func (op Operator) Arity() (min, max int) {
	a, ok := arity[op]
	if !ok {
		return 0, -1
	}
	return a[0], a[1]
}

var arity = map[Operator][2]int{
	OpEq:        {1, 1},
	OpNe:        {1, 1},
	OpGt:        {1, 1},
	OpGte:       {1, 1},
	OpLt:        {1, 1},
	OpLte:       {1, 1},
	OpLike:      {1, 1},
	OpIn:        {1, -1},
	OpNotIn:     {1, -1},
	OpBetween:   {2, 2},
	OpIsNull:    {0, 0},
	OpIsNotNull: {0, 0},
}

// SQL returns the comparison keyword
func (op Operator) SQL() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	case OpBetween:
		return "BETWEEN"
	case OpLike:
		return "LIKE"
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	}
	return ""
}
