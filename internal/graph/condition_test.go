package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
)

func TestEvaluate(t *testing.T) {
	data := map[string]any{
		"amount":   1500.0,
		"currency": "USD",
		"urgent":   true,
		"tags":     []any{"travel", "client"},
		"meta":     map[string]any{"dept": "sales", "days": "3"},
	}

	scenarios := map[string]struct {
		c    domain.Condition
		want bool
	}{
		"equals string":          {domain.Condition{Field: "currency", Operator: domain.OpEquals, Value: domain.StringLiteral("USD")}, true},
		"equals numeric coerced": {domain.Condition{Field: "meta.days", Operator: domain.OpEquals, Value: domain.NumberLiteral(3)}, true},
		"equals bool":            {domain.Condition{Field: "urgent", Operator: domain.OpEquals, Value: domain.BoolLiteral(true)}, true},
		"not equals":             {domain.Condition{Field: "currency", Operator: domain.OpNotEquals, Value: domain.StringLiteral("EUR")}, true},
		"greater than":           {domain.Condition{Field: "amount", Operator: domain.OpGT, Value: domain.NumberLiteral(1000)}, true},
		"greater than boundary":  {domain.Condition{Field: "amount", Operator: domain.OpGT, Value: domain.NumberLiteral(1500)}, false},
		"gte boundary":           {domain.Condition{Field: "amount", Operator: domain.OpGTE, Value: domain.NumberLiteral(1500)}, true},
		"less than":              {domain.Condition{Field: "amount", Operator: domain.OpLT, Value: domain.NumberLiteral(100)}, false},
		"lte":                    {domain.Condition{Field: "amount", Operator: domain.OpLTE, Value: domain.NumberLiteral(1500)}, true},
		"gt non numeric":         {domain.Condition{Field: "currency", Operator: domain.OpGT, Value: domain.NumberLiteral(1)}, false},
		"contains list":          {domain.Condition{Field: "tags", Operator: domain.OpContains, Value: domain.StringLiteral("client")}, true},
		"contains substring":     {domain.Condition{Field: "meta.dept", Operator: domain.OpContains, Value: domain.StringLiteral("ale")}, true},
		"in list literal":        {domain.Condition{Field: "currency", Operator: domain.OpIn, Value: domain.ListLiteral("EUR", "USD")}, true},
		"in comma string":        {domain.Condition{Field: "currency", Operator: domain.OpIn, Value: domain.StringLiteral("EUR, USD")}, true},
		"not in":                 {domain.Condition{Field: "currency", Operator: domain.OpNotIn, Value: domain.ListLiteral("EUR", "GBP")}, true},
		"missing field":          {domain.Condition{Field: "nope", Operator: domain.OpNotEquals, Value: domain.StringLiteral("x")}, false},
		"missing nested":         {domain.Condition{Field: "meta.nope.deeper", Operator: domain.OpEquals, Value: domain.StringLiteral("x")}, false},
		"jsonpath":               {domain.Condition{Field: "$.meta.dept", Operator: domain.OpEquals, Value: domain.StringLiteral("sales")}, true},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, sc.want, Evaluate(sc.c, data))
		})
	}
}

func TestLookupNilData(t *testing.T) {
	_, ok := Lookup(nil, "amount")
	require.False(t, ok)
}
