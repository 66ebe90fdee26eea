package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lot is a received batch of an ingredient with its own unit cost and expiry.
// Consumption draws lots in ascending expiry order (nulls last), then
// ascending creation order.
type Lot struct {
	ID              int             `gorm:"primary_key" json:"id"`
	IngredientId    int             `gorm:"index;not null" json:"ingredient_id"`
	InitialQty      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"initial_qty"`
	RemainingQty    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_qty"`
	UnitCost        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ExpiryDate      *time.Time      `gorm:"index" json:"expiry_date"`
	ReceptionLineId *int            `gorm:"index" json:"reception_line_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces the lot remainder invariant: 0 <= remaining <= initial.
//
// CRITICAL: the FIFO consumption planner trusts RemainingQty. A lot persisted
// outside that range would make availability reads wrong for every later sale.
func (l *Lot) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if l == nil {
		return nil
	}
	if l.RemainingQty.IsNegative() {
		return fmt.Errorf("lot %d: remaining qty %s is negative", l.ID, l.RemainingQty)
	}
	if l.RemainingQty.GreaterThan(l.InitialQty) {
		return fmt.Errorf("lot %d: remaining qty %s exceeds initial qty %s", l.ID, l.RemainingQty, l.InitialQty)
	}
	return nil
}
