package models

import (
	"testing"

	"github.com/comedorsoft/pantry_backend/utils"
)

func intPtr(v int) *int { return &v }

func burritoProduct() *Product {
	return &Product{
		ID: 1,
		Variants: []ProductVariant{
			{ID: 10, ProductId: 1, Name: "Grande"},
		},
		RecipeLines: []RecipeLine{
			{IngredientId: 100, QtyPerUnit: dec("1"), IsMandatory: utils.NewTrue()}, // tortilla
			{IngredientId: 101, QtyPerUnit: dec("0.15")},                            // beans
			{IngredientId: 102, QtyPerUnit: dec("0.05")},                            // cheese
			{IngredientId: 101, QtyPerUnit: dec("0.25"), VariantId: intPtr(10)},     // beans, larger
			{IngredientId: 103, QtyPerUnit: dec("0.10"), VariantId: intPtr(10)},     // extra salsa
		},
	}
}

func TestResolveRecipe_BaseOnly(t *testing.T) {
	reqs, err := ResolveRecipe(burritoProduct(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 3 {
		t.Fatalf("expected 3 base requirements, got %d", len(reqs))
	}
	if !reqs[1].QtyPerUnit.Equal(dec("0.15")) {
		t.Errorf("base beans qty = %s, want 0.15", reqs[1].QtyPerUnit)
	}
}

func TestResolveRecipe_VariantOverridesAndAppends(t *testing.T) {
	reqs, err := ResolveRecipe(burritoProduct(), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 4 {
		t.Fatalf("expected 4 requirements with variant, got %d", len(reqs))
	}

	byIngredient := map[int]RecipeRequirement{}
	for _, r := range reqs {
		if _, dup := byIngredient[r.IngredientId]; dup {
			t.Fatalf("ingredient %d appears twice", r.IngredientId)
		}
		byIngredient[r.IngredientId] = r
	}
	if !byIngredient[101].QtyPerUnit.Equal(dec("0.25")) {
		t.Errorf("variant must override base beans qty: got %s", byIngredient[101].QtyPerUnit)
	}
	if !byIngredient[103].QtyPerUnit.Equal(dec("0.10")) {
		t.Errorf("variant-only salsa must be appended: got %s", byIngredient[103].QtyPerUnit)
	}
	// Appended variant lines come after the base lines.
	if reqs[len(reqs)-1].IngredientId != 103 {
		t.Errorf("expected salsa last, got ingredient %d", reqs[len(reqs)-1].IngredientId)
	}
}

func TestResolveRecipe_OmissionRemovesOptionalOnly(t *testing.T) {
	reqs, err := ResolveRecipe(burritoProduct(), 0, []int{100, 102})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs {
		if r.IngredientId == 102 {
			t.Error("omitted optional cheese should be removed")
		}
	}
	found := false
	for _, r := range reqs {
		if r.IngredientId == 100 {
			found = true
		}
	}
	if !found {
		t.Error("mandatory tortilla must survive an omission request")
	}
}

func TestResolveRecipe_ForeignVariantRejected(t *testing.T) {
	if _, err := ResolveRecipe(burritoProduct(), 999, nil); err == nil {
		t.Fatal("expected error for a variant of another product")
	}
}

func TestResolveRecipe_OmittedVariantAppendIsRemoved(t *testing.T) {
	reqs, err := ResolveRecipe(burritoProduct(), 10, []int{103})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs {
		if r.IngredientId == 103 {
			t.Error("variant-appended salsa should be removable by omission")
		}
	}
}
