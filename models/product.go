package models

import (
	"context"
	"errors"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is a sellable item with a bill of materials (recipe). A product
// with zero or one variant behaves as "no variant selection required".
type Product struct {
	ID          int              `gorm:"primary_key" json:"id"`
	Name        string           `gorm:"size:100;not null;uniqueIndex" json:"name" binding:"required"`
	Sku         string           `gorm:"size:100" json:"sku"`
	SalesPrice  decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	IsActive    *bool            `gorm:"not null;default:true" json:"is_active"`
	Variants    []ProductVariant `gorm:"foreignKey:ProductId" json:"variants"`
	RecipeLines []RecipeLine     `gorm:"foreignKey:ProductId" json:"recipe_lines"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductVariant scopes recipe-line overrides to one selectable variation of
// the product (e.g. "large"). Price is the full sales price, not a delta.
type ProductVariant struct {
	ID         int             `gorm:"primary_key" json:"id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	Name       string          `gorm:"size:100;not null" json:"name" binding:"required"`
	SalesPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecipeLine is one ingredient requirement per unit sold. VariantId nil means
// the line belongs to the base recipe; a variant-scoped line overrides the
// base line for the same ingredient, or appends when the base has none.
// Omissions at sale time only remove lines NOT flagged mandatory.
type RecipeLine struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	IngredientId int             `gorm:"index;not null" json:"ingredient_id" binding:"required"`
	QtyPerUnit   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_per_unit" binding:"required"`
	IsMandatory  *bool           `gorm:"not null;default:false" json:"is_mandatory"`
	VariantId    *int            `gorm:"index" json:"variant_id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name        string          `json:"name" binding:"required"`
	Sku         string          `json:"sku"`
	SalesPrice  decimal.Decimal `json:"sales_price"`
	Variants    []NewVariant    `json:"variants"`
	RecipeLines []NewRecipeLine `json:"recipe_lines"`
}

type NewVariant struct {
	Name       string          `json:"name" binding:"required"`
	SalesPrice decimal.Decimal `json:"sales_price"`
	// Index into NewProduct.RecipeLines for lines scoped to this variant is
	// not supported on create; variant overrides are added per line below.
}

type NewRecipeLine struct {
	IngredientId int             `json:"ingredient_id" binding:"required"`
	QtyPerUnit   decimal.Decimal `json:"qty_per_unit" binding:"required,dgt0"`
	IsMandatory  *bool           `json:"is_mandatory"`
	VariantName  string          `json:"variant_name"`
}

func (input *NewProduct) validate(ctx context.Context, id int) error {
	if err := utils.ValidateUnique[Product](ctx, "name", input.Name, id); err != nil {
		return errors.New("product name already in use")
	}
	ingredientIds := make([]int, 0, len(input.RecipeLines))
	for _, line := range input.RecipeLines {
		if !line.QtyPerUnit.IsPositive() {
			return ErrInvalidQuantity
		}
		ingredientIds = append(ingredientIds, line.IngredientId)
	}
	if err := utils.ValidateResourcesId[Ingredient](ctx, ingredientIds); err != nil {
		return errors.New("ingredient not found")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	variants := make([]ProductVariant, 0, len(input.Variants))
	variantIdx := make(map[string]int, len(input.Variants))
	for i, v := range input.Variants {
		variants = append(variants, ProductVariant{
			Name:       v.Name,
			SalesPrice: v.SalesPrice,
		})
		variantIdx[v.Name] = i
	}

	product := Product{
		Name:       input.Name,
		Sku:        input.Sku,
		SalesPrice: input.SalesPrice,
		Variants:   variants,
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}

	// Recipe lines are created after the product so variant-scoped lines can
	// reference the persisted variant ids by name.
	lines := make([]RecipeLine, 0, len(input.RecipeLines))
	for _, l := range input.RecipeLines {
		line := RecipeLine{
			ProductId:    product.ID,
			IngredientId: l.IngredientId,
			QtyPerUnit:   l.QtyPerUnit,
			IsMandatory:  l.IsMandatory,
		}
		if line.IsMandatory == nil {
			line.IsMandatory = utils.NewFalse()
		}
		if l.VariantName != "" {
			idx, ok := variantIdx[l.VariantName]
			if !ok {
				return nil, errors.New("recipe line references unknown variant " + l.VariantName)
			}
			variantId := product.Variants[idx].ID
			line.VariantId = &variantId
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
			return nil, err
		}
	}
	product.RecipeLines = lines

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return utils.FetchModel[Product](ctx, id, "Variants", "RecipeLines")
}
