package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals    Operator = "EQUALS"
	OpNotEquals Operator = "NOT_EQUALS"
	OpGT        Operator = "GT"
	OpLT        Operator = "LT"
	OpGTE       Operator = "GTE"
	OpLTE       Operator = "LTE"
	OpContains  Operator = "CONTAINS"
	OpIn        Operator = "IN"
	OpNotIn     Operator = "NOT_IN"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGT, OpLT, OpGTE, OpLTE, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// Condition guards an edge: Field Operator Value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Literal  `json:"value"`
}

// LiteralKind tags the variant held by a Literal.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralBool
	LiteralList
)

// Literal is the right-hand side of a condition.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
	List []string
}

func StringLiteral(s string) Literal  { return Literal{Kind: LiteralString, Str: s} }
func NumberLiteral(n float64) Literal { return Literal{Kind: LiteralNumber, Num: n} }
func BoolLiteral(b bool) Literal      { return Literal{Kind: LiteralBool, Bool: b} }
func ListLiteral(items ...string) Literal {
	return Literal{Kind: LiteralList, List: items}
}

// String renders the literal the way string comparisons see it.
func (l Literal) String() string {
	switch l.Kind {
	case LiteralNumber:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case LiteralBool:
		return strconv.FormatBool(l.Bool)
	case LiteralList:
		return strings.Join(l.List, ",")
	}
	return l.Str
}

// Number returns the literal as a float64 when it coerces to one.
func (l Literal) Number() (float64, bool) {
	switch l.Kind {
	case LiteralNumber:
		return l.Num, true
	case LiteralString:
		n, err := strconv.ParseFloat(strings.TrimSpace(l.Str), 64)
		return n, err == nil
	}
	return 0, false
}

// Set returns the literal as a membership set. Strings are comma-split.
func (l Literal) Set() []string {
	if l.Kind == LiteralList {
		return l.List
	}
	var out []string
	for _, part := range strings.Split(l.String(), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l Literal) MarshalJSON() ([]byte, error) {
	switch l.Kind {
	case LiteralNumber:
		return json.Marshal(l.Num)
	case LiteralBool:
		return json.Marshal(l.Bool)
	case LiteralList:
		return json.Marshal(l.List)
	}
	return json.Marshal(l.Str)
}

func (l *Literal) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*l = StringLiteral("")
	case string:
		*l = StringLiteral(v)
	case float64:
		*l = NumberLiteral(v)
	case bool:
		*l = BoolLiteral(v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		*l = ListLiteral(items...)
	default:
		return fmt.Errorf("unsupported literal %s", string(data))
	}
	return nil
}
