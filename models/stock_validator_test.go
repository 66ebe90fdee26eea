package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

// Two cart lines sharing an ingredient must be validated against their SUM,
// not individually: each line alone can fit in stock while together they
// cannot.
func TestAggregateRequirements_SharedIngredientSums(t *testing.T) {
	lines := []LineRequirement{
		{
			Qty: dec("2"),
			Requirements: []RecipeRequirement{
				{IngredientId: 100, QtyPerUnit: dec("0.2")},
				{IngredientId: 101, QtyPerUnit: dec("0.1")},
			},
		},
		{
			Qty: dec("3"),
			Requirements: []RecipeRequirement{
				{IngredientId: 100, QtyPerUnit: dec("0.3")},
			},
		},
	}

	required := AggregateRequirements(lines)
	if len(required) != 2 {
		t.Fatalf("expected 2 aggregated ingredients, got %d", len(required))
	}
	// 2*0.2 + 3*0.3 = 1.3
	if !required[100].Equal(dec("1.3")) {
		t.Errorf("ingredient 100 = %s, want 1.3", required[100])
	}
	if !required[101].Equal(dec("0.2")) {
		t.Errorf("ingredient 101 = %s, want 0.2", required[101])
	}
}

func TestAggregateRequirements_EmptyCart(t *testing.T) {
	if len(AggregateRequirements(nil)) != 0 {
		t.Error("empty cart must aggregate to nothing")
	}
}

func TestAggregateRequirements_QtyScalesEveryRequirement(t *testing.T) {
	lines := []LineRequirement{
		{
			Qty: dec("4"),
			Requirements: []RecipeRequirement{
				{IngredientId: 7, QtyPerUnit: dec("0.25")},
			},
		},
	}
	required := AggregateRequirements(lines)
	if !required[7].Equal(decimal.NewFromInt(1)) {
		t.Errorf("ingredient 7 = %s, want 1", required[7])
	}
}
