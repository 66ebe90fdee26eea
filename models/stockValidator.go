package models

import (
	"context"
	"sort"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LineRequirement pairs one cart line's resolved recipe with its quantity.
type LineRequirement struct {
	Requirements []RecipeRequirement
	Qty          decimal.Decimal
}

// AggregateRequirements folds per-line requirements into one required-quantity
// map per ingredient, so cart lines sharing an ingredient are checked
// together rather than independently.
func AggregateRequirements(lines []LineRequirement) map[int]decimal.Decimal {
	required := make(map[int]decimal.Decimal)
	for _, line := range lines {
		for _, req := range line.Requirements {
			total := req.QtyPerUnit.Mul(line.Qty)
			required[req.IngredientId] = required[req.IngredientId].Add(total)
		}
	}
	return required
}

// ResolveCartRequirements loads each cart line's product and resolves its
// effective recipe.
func ResolveCartRequirements(ctx context.Context, cartLines []CartLine) ([]LineRequirement, error) {
	lines := make([]LineRequirement, 0, len(cartLines))
	for _, cl := range cartLines {
		product, err := GetProduct(ctx, cl.ProductId)
		if err != nil {
			return nil, err
		}
		variantId := 0
		if cl.VariantId != nil {
			variantId = *cl.VariantId
		}
		reqs, err := ResolveRecipe(product, variantId, cl.OmittedIngredientIds)
		if err != nil {
			return nil, err
		}
		lines = append(lines, LineRequirement{Requirements: reqs, Qty: cl.Qty})
	}
	return lines, nil
}

// ValidateCart is the advisory pre-sale check: it aggregates the cart's
// ingredient requirements and compares each against available stock,
// returning ALL shortfalls so the caller can present every problem at once.
// Settlement re-runs the same comparison inside its own transaction; this
// result may be stale by the time the sale commits.
func ValidateCart(ctx context.Context, cartLines []CartLine) ([]Shortfall, error) {
	lines, err := ResolveCartRequirements(ctx, cartLines)
	if err != nil {
		return nil, err
	}
	required := AggregateRequirements(lines)

	db := config.GetDB()
	return CheckRequirements(db.WithContext(ctx), required)
}

// CheckRequirements compares a required-quantity map against available stock
// on the given handle (plain DB or open settlement transaction) and returns
// the itemized shortfalls, ordered by ingredient id.
func CheckRequirements(tx *gorm.DB, required map[int]decimal.Decimal) ([]Shortfall, error) {
	ingredientIds := make([]int, 0, len(required))
	for id := range required {
		ingredientIds = append(ingredientIds, id)
	}
	sort.Ints(ingredientIds)

	var shortfalls []Shortfall
	for _, id := range ingredientIds {
		available, err := AvailableStock(tx, id)
		if err != nil {
			return nil, err
		}
		if available.LessThan(required[id]) {
			var ingredient Ingredient
			name := ""
			if err := tx.First(&ingredient, id).Error; err == nil {
				name = ingredient.Name
			}
			shortfalls = append(shortfalls, Shortfall{
				IngredientId:   id,
				IngredientName: name,
				Required:       required[id],
				Available:      available,
			})
		}
	}
	return shortfalls, nil
}
