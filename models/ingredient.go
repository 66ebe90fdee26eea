package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/shopspring/decimal"
)

// Ingredient is master data for a perishable good. Quantity-on-hand is never
// stored here; it is derived from the lot remainders (see stockLedger.go).
type Ingredient struct {
	ID           int             `gorm:"primary_key" json:"id"`
	Name         string          `gorm:"size:100;not null;uniqueIndex" json:"name" binding:"required"`
	Unit         string          `gorm:"size:20;not null" json:"unit" binding:"required"`
	MinThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"min_threshold"`
	MaxThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"max_threshold"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewIngredient struct {
	Name         string          `json:"name" binding:"required"`
	Unit         string          `json:"unit" binding:"required"`
	MinThreshold decimal.Decimal `json:"min_threshold"`
	MaxThreshold decimal.Decimal `json:"max_threshold"`
}

func (input *NewIngredient) validate(ctx context.Context, id int) error {
	if err := utils.ValidateUnique[Ingredient](ctx, "name", input.Name, id); err != nil {
		return errors.New("ingredient name already in use")
	}
	return nil
}

func CreateIngredient(ctx context.Context, input *NewIngredient) (*Ingredient, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	ingredient := Ingredient{
		Name:         input.Name,
		Unit:         input.Unit,
		MinThreshold: input.MinThreshold,
		MaxThreshold: input.MaxThreshold,
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Create(&ingredient).Error; err != nil {
		return nil, err
	}
	return &ingredient, nil
}

func GetIngredient(ctx context.Context, id int) (*Ingredient, error) {
	return utils.FetchModel[Ingredient](ctx, id)
}

func GetIngredients(ctx context.Context) ([]*Ingredient, error) {
	return utils.FetchAllModels[Ingredient](ctx)
}

// Cache keys for the availability read endpoints. Mutating workflows
// invalidate these after commit.
const StockAlertsCacheKey = "stockAlerts"

func StockCacheKey(ingredientId int) string {
	return fmt.Sprintf("stock:%d", ingredientId)
}

// StockAlert is one ingredient at or below its minimum threshold.
type StockAlert struct {
	IngredientId   int             `json:"ingredient_id"`
	IngredientName string          `json:"ingredient_name"`
	Unit           string          `json:"unit"`
	Available      decimal.Decimal `json:"available"`
	MinThreshold   decimal.Decimal `json:"min_threshold"`
}

// GetStockAlerts lists active ingredients whose available stock is at or
// below the minimum threshold.
func GetStockAlerts(ctx context.Context) ([]*StockAlert, error) {
	db := config.GetDB()
	var alerts []*StockAlert
	err := db.WithContext(ctx).Model(&Ingredient{}).
		Select("ingredients.id AS ingredient_id, ingredients.name AS ingredient_name, ingredients.unit AS unit, COALESCE(SUM(lots.remaining_qty), 0) AS available, ingredients.min_threshold AS min_threshold").
		Joins("LEFT JOIN lots ON lots.ingredient_id = ingredients.id").
		Where("ingredients.is_active = ?", true).
		Group("ingredients.id, ingredients.name, ingredients.unit, ingredients.min_threshold").
		Having("COALESCE(SUM(lots.remaining_qty), 0) <= ingredients.min_threshold").
		Scan(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}
