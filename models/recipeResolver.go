package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RecipeRequirement is one resolved (ingredient, quantity-per-unit-sold) pair.
type RecipeRequirement struct {
	IngredientId int
	QtyPerUnit   decimal.Decimal
	IsMandatory  bool
}

// ResolveRecipe produces the effective bill of materials for one sold unit:
// base recipe lines, overlaid with the selected variant's lines (override by
// ingredient, append otherwise), minus any omitted non-mandatory ingredients.
// Omissions naming a mandatory ingredient are ignored, not an error.
// The result holds at most one requirement per ingredient, in base-recipe
// order with variant appends last.
func ResolveRecipe(product *Product, variantId int, omittedIngredientIds []int) ([]RecipeRequirement, error) {
	if product == nil {
		return nil, fmt.Errorf("product is nil")
	}
	if variantId > 0 {
		found := false
		for _, v := range product.Variants {
			if v.ID == variantId {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("variant %d does not belong to product %d", variantId, product.ID)
		}
	}

	requirements := make([]RecipeRequirement, 0, len(product.RecipeLines))
	position := make(map[int]int)

	upsert := func(line RecipeLine) {
		req := RecipeRequirement{
			IngredientId: line.IngredientId,
			QtyPerUnit:   line.QtyPerUnit,
			IsMandatory:  line.IsMandatory != nil && *line.IsMandatory,
		}
		if idx, ok := position[line.IngredientId]; ok {
			requirements[idx] = req
			return
		}
		position[line.IngredientId] = len(requirements)
		requirements = append(requirements, req)
	}

	for _, line := range product.RecipeLines {
		if line.VariantId == nil {
			upsert(line)
		}
	}
	if variantId > 0 {
		for _, line := range product.RecipeLines {
			if line.VariantId != nil && *line.VariantId == variantId {
				upsert(line)
			}
		}
	}

	if len(omittedIngredientIds) == 0 {
		return requirements, nil
	}

	omitted := make(map[int]struct{}, len(omittedIngredientIds))
	for _, id := range omittedIngredientIds {
		omitted[id] = struct{}{}
	}
	kept := requirements[:0]
	for _, req := range requirements {
		if _, skip := omitted[req.IngredientId]; skip && !req.IsMandatory {
			continue
		}
		kept = append(kept, req)
	}
	return kept, nil
}
