package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryMovement is the append-only audit ledger of every stock mutation.
// Rows are never updated or deleted; quantity-on-hand can always be
// reconstructed from them if the lot cache is lost.
type InventoryMovement struct {
	ID              string             `gorm:"size:36;primary_key" json:"id"` // uuid
	IngredientId    int                `gorm:"index:idx_inv_move_ing_date,priority:1;not null" json:"ingredient_id"`
	LotId           int                `gorm:"index;not null" json:"lot_id"`
	Direction       MovementDirection  `gorm:"type:enum('IN','OUT');not null" json:"direction"`
	Qty             decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCost        decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ReferenceType   StockReferenceType `gorm:"type:enum('RC','SL','OP');not null" json:"reference_type"`
	ReferenceId     int                `gorm:"index;not null" json:"reference_id"`
	ReferenceLineId int                `gorm:"index" json:"reference_line_id"`
	CreatedAt       time.Time          `gorm:"autoCreateTime;index:idx_inv_move_ing_date,priority:2" json:"created_at"`
	CorrelationId   string             `gorm:"size:64;index" json:"correlation_id"`
	OutboxId        *int               `gorm:"index" json:"outbox_id"`
}
