package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is the structured sale input: omissions are a typed set of
// ingredient ids, never parsed out of free text.
type CartLine struct {
	ProductId            int             `json:"product_id" binding:"required"`
	VariantId            *int            `json:"variant_id"`
	Qty                  decimal.Decimal `json:"qty" binding:"required,dgt0"`
	OmittedIngredientIds []int           `json:"omitted_ingredient_ids"`
}

type Sale struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	SaleNumber          string          `gorm:"size:255;not null" json:"sale_number"`
	SaleDate            time.Time       `gorm:"not null;index" json:"sale_date"`
	TerminalId          string          `gorm:"size:64;index" json:"terminal_id"`
	TotalAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	LoyaltyPointsEarned decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"loyalty_points_earned"`
	Details             []SaleDetail    `gorm:"foreignKey:SaleId" json:"details"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type SaleDetail struct {
	ID          int                  `gorm:"primary_key" json:"id"`
	SaleId      int                  `gorm:"index;not null" json:"sale_id"`
	ProductId   int                  `gorm:"index;not null" json:"product_id"`
	VariantId   *int                 `gorm:"index" json:"variant_id"`
	Qty         decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitPrice   decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TotalAmount decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Omissions   []SaleDetailOmission `gorm:"foreignKey:SaleDetailId" json:"omissions"`
}

// SaleDetailOmission records one optional ingredient the customer asked to
// leave out, kept for the kitchen display and audit.
type SaleDetailOmission struct {
	ID           int `gorm:"primary_key" json:"id"`
	SaleDetailId int `gorm:"index;not null" json:"sale_detail_id"`
	IngredientId int `gorm:"index;not null" json:"ingredient_id"`
}
