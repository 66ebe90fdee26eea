package models

import (
	"context"
	"errors"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/shopspring/decimal"
)

// Reception records one physical delivery against a purchase order.
// AppliedAt is set once the stock effect has been committed; a row without
// it is a draft that never made it through apply.
type Reception struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	ExternalId      string          `gorm:"size:255;uniqueIndex;default:null" json:"external_id"`
	ReceptionDate   time.Time       `gorm:"not null" json:"reception_date"`
	InvoiceNumber   *string         `gorm:"size:255;default:null" json:"invoice_number"`
	AppliedAt       *time.Time      `gorm:"default:null" json:"applied_at"`
	Lines           []ReceptionLine `gorm:"foreignKey:ReceptionId" json:"lines"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReceptionLine holds ReceivedQty in presentation units as captured at the
// dock, and AcceptedQty in base units as applied to the ledger.
type ReceptionLine struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	ReceptionId         int             `gorm:"index;not null" json:"reception_id"`
	PurchaseOrderLineId int             `gorm:"index;not null" json:"purchase_order_line_id"`
	ReceivedQty         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"received_qty"`
	AcceptedQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"accepted_qty"`
	LotId               *int            `gorm:"default:null" json:"lot_id"`
	ExpiryDate          *time.Time      `gorm:"default:null" json:"expiry_date"`
}

type NewReception struct {
	PurchaseOrderId int                `json:"purchase_order_id" binding:"required"`
	ExternalId      string             `json:"external_id"`
	ReceptionDate   time.Time          `json:"reception_date" binding:"required"`
	InvoiceNumber   *string            `json:"invoice_number"`
	Lines           []NewReceptionLine `json:"lines" binding:"dive"`
}

type NewReceptionLine struct {
	PurchaseOrderLineId int             `json:"purchase_order_line_id" binding:"required"`
	ReceivedQty         decimal.Decimal `json:"received_qty" binding:"required,dgt0"`
	ExpiryDate          *time.Time      `json:"expiry_date"`
}

func GetReception(ctx context.Context, id int) (*Reception, error) {
	return utils.FetchModel[Reception](ctx, id, "Lines")
}

func GetReceptionsForOrder(ctx context.Context, orderId int) ([]*Reception, error) {
	db := config.GetDB()
	var receptions []*Reception
	err := db.WithContext(ctx).Preload("Lines").
		Where("purchase_order_id = ?", orderId).Order("id").Find(&receptions).Error
	if err != nil {
		return nil, err
	}
	return receptions, nil
}

// UpdateReceptionInvoiceNumber attaches the supplier invoice after the fact.
// The stock effect is untouched; this is a paperwork correction.
func UpdateReceptionInvoiceNumber(ctx context.Context, id int, invoiceNumber string) (*Reception, error) {
	reception, err := utils.FetchModel[Reception](ctx, id, "Lines")
	if err != nil {
		return nil, err
	}
	if invoiceNumber == "" {
		return nil, errors.New("invoice number cannot be empty")
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(reception).Update("InvoiceNumber", invoiceNumber).Error; err != nil {
		return nil, err
	}
	reception.InvoiceNumber = &invoiceNumber
	return reception, nil
}
