package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// fulfillmentTolerance absorbs presentation-to-base rounding when deciding
// whether an order line is fully received.
var fulfillmentTolerance = decimal.New(1, -6) // 1e-6 base units

type Supplier struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrder struct {
	ID                   int                 `gorm:"primary_key" json:"id"`
	SupplierId           int                 `gorm:"index;not null" json:"supplier_id" binding:"required"`
	OrderNumber          string              `gorm:"size:255;not null" json:"order_number"`
	OrderDate            time.Time           `gorm:"not null" json:"order_date"`
	ExpectedDeliveryDate *time.Time          `gorm:"default:null" json:"expected_delivery_date"`
	CurrentStatus        PurchaseOrderStatus `gorm:"type:enum('Pending','Approved','Received','Closed','Cancelled');not null" json:"current_status"`
	Notes                string              `gorm:"type:text;default:null" json:"notes"`
	Lines                []PurchaseOrderLine `gorm:"foreignKey:PurchaseOrderId" json:"lines"`
	CreatedAt            time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// PurchaseOrderLine orders in presentation units (e.g. "case of 24");
// ReceivedQty accumulates in base units as receptions are applied.
type PurchaseOrderLine struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId      int             `gorm:"index;not null" json:"purchase_order_id"`
	IngredientId         int             `gorm:"index;not null" json:"ingredient_id" binding:"required"`
	Presentation         string          `gorm:"size:100" json:"presentation"`
	UnitsPerPresentation decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"units_per_presentation"`
	OrderedQty           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"ordered_qty"`
	UnitPrice            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	ReceivedQty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
}

// OrderedBaseUnits converts the line's ordered quantity to base units.
// Missing units-per-presentation is treated as 1.
func (line PurchaseOrderLine) OrderedBaseUnits() decimal.Decimal {
	upp := line.UnitsPerPresentation
	if !upp.IsPositive() {
		upp = decimal.NewFromInt(1)
	}
	return line.OrderedQty.Mul(upp)
}

// OutstandingBaseUnits is what remains to be received on the line, floored
// at zero.
func (line PurchaseOrderLine) OutstandingBaseUnits() decimal.Decimal {
	outstanding := line.OrderedBaseUnits().Sub(line.ReceivedQty)
	if outstanding.IsNegative() {
		return decimal.Zero
	}
	return outstanding
}

// OverReceipt reports how far adding qty base units would push the line past
// its ordered quantity, and whether that exceeds the rounding tolerance.
func (line PurchaseOrderLine) OverReceipt(qty decimal.Decimal) (decimal.Decimal, bool) {
	overBy := line.ReceivedQty.Add(qty).Sub(line.OrderedBaseUnits())
	return overBy, overBy.GreaterThan(fulfillmentTolerance)
}

// Fulfillment summarizes how far an order's lines are received.
type Fulfillment struct {
	OrderedBaseUnits  decimal.Decimal
	ReceivedBaseUnits decimal.Decimal
	AnyReceived       bool
	Complete          bool
}

// Fraction is received/ordered; zero when nothing is ordered.
func (f Fulfillment) Fraction() decimal.Decimal {
	if !f.OrderedBaseUnits.IsPositive() {
		return decimal.Zero
	}
	return f.ReceivedBaseUnits.Div(f.OrderedBaseUnits)
}

// ComputeFulfillment aggregates line-level received vs ordered base units.
// Complete requires every line received up to its ordered quantity within
// the rounding tolerance, not just the order-level totals matching.
func ComputeFulfillment(lines []PurchaseOrderLine) Fulfillment {
	f := Fulfillment{Complete: len(lines) > 0}
	for _, line := range lines {
		ordered := line.OrderedBaseUnits()
		f.OrderedBaseUnits = f.OrderedBaseUnits.Add(ordered)
		f.ReceivedBaseUnits = f.ReceivedBaseUnits.Add(line.ReceivedQty)
		if line.ReceivedQty.IsPositive() {
			f.AnyReceived = true
		}
		if ordered.Sub(line.ReceivedQty).GreaterThan(fulfillmentTolerance) {
			f.Complete = false
		}
	}
	return f
}

type NewPurchaseOrder struct {
	SupplierId           int                    `json:"supplier_id" binding:"required"`
	OrderDate            time.Time              `json:"order_date" binding:"required"`
	ExpectedDeliveryDate *time.Time             `json:"expected_delivery_date"`
	Notes                string                 `json:"notes"`
	Lines                []NewPurchaseOrderLine `json:"lines" binding:"required,dive"`
}

type NewPurchaseOrderLine struct {
	IngredientId         int             `json:"ingredient_id" binding:"required"`
	Presentation         string          `json:"presentation"`
	UnitsPerPresentation decimal.Decimal `json:"units_per_presentation"`
	OrderedQty           decimal.Decimal `json:"ordered_qty" binding:"required,dgt0"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
}

func (input *NewPurchaseOrder) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Supplier](ctx, input.SupplierId); err != nil {
		return errors.New("supplier not found")
	}
	if len(input.Lines) == 0 {
		return errors.New("purchase order requires at least one line")
	}
	ingredientIds := make([]int, 0, len(input.Lines))
	for _, line := range input.Lines {
		if !line.OrderedQty.IsPositive() {
			return ErrInvalidQuantity
		}
		ingredientIds = append(ingredientIds, line.IngredientId)
	}
	if err := utils.ValidateResourcesId[Ingredient](ctx, ingredientIds); err != nil {
		return errors.New("ingredient not found")
	}
	return nil
}

// CreatePurchaseOrder always creates in Pending; approval is a separate
// administrative action.
func CreatePurchaseOrder(ctx context.Context, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	lines := make([]PurchaseOrderLine, 0, len(input.Lines))
	for _, l := range input.Lines {
		upp := l.UnitsPerPresentation
		if !upp.IsPositive() {
			upp = decimal.NewFromInt(1)
		}
		lines = append(lines, PurchaseOrderLine{
			IngredientId:         l.IngredientId,
			Presentation:         l.Presentation,
			UnitsPerPresentation: upp,
			OrderedQty:           l.OrderedQty,
			UnitPrice:            l.UnitPrice,
		})
	}

	order := PurchaseOrder{
		SupplierId:           input.SupplierId,
		OrderDate:            input.OrderDate,
		ExpectedDeliveryDate: input.ExpectedDeliveryDate,
		Notes:                input.Notes,
		CurrentStatus:        PurchaseOrderStatusPending,
		Lines:                lines,
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	order.OrderNumber = fmt.Sprintf("PO-%06d", order.ID)
	if err := tx.WithContext(ctx).Model(&order).Update("OrderNumber", order.OrderNumber).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	return utils.FetchModel[PurchaseOrder](ctx, id, "Lines")
}

func GetPurchaseOrderLines(ctx context.Context, orderId int) ([]*PurchaseOrderLine, error) {
	db := config.GetDB()
	var lines []*PurchaseOrderLine
	err := db.WithContext(ctx).Where("purchase_order_id = ?", orderId).Order("id").Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// ApprovePurchaseOrder transitions Pending -> Approved. No quantity effect.
func ApprovePurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	order, err := utils.FetchModel[PurchaseOrder](ctx, id, "Lines")
	if err != nil {
		return nil, err
	}
	switch order.CurrentStatus {
	case PurchaseOrderStatusPending:
		// ok
	case PurchaseOrderStatusClosed:
		return nil, ErrOrderAlreadyClosed
	default:
		return nil, fmt.Errorf("cannot approve purchase order in status %s", order.CurrentStatus)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(order).UpdateColumn("CurrentStatus", PurchaseOrderStatusApproved).Error; err != nil {
		return nil, err
	}
	order.CurrentStatus = PurchaseOrderStatusApproved
	return order, nil
}

// CancelPurchaseOrder is only permitted while no reception has ever been
// applied to the order. It runs under the same per-order stock lock as
// reception apply, and re-reads the order row FOR UPDATE inside its
// transaction, so a concurrent apply cannot slip between the check and
// the status flip.
func CancelPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	release, err := utils.StockLock(ctx, fmt.Sprintf("po:%d", id), "purchaseOrder.go", "CancelPurchaseOrder")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	var order PurchaseOrder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	switch order.CurrentStatus {
	case PurchaseOrderStatusClosed:
		return nil, ErrOrderAlreadyClosed
	case PurchaseOrderStatusCancelled:
		return &order, nil
	}

	var applied int64
	if err := tx.Model(&Reception{}).
		Where("purchase_order_id = ? AND applied_at IS NOT NULL", id).
		Count(&applied).Error; err != nil {
		return nil, err
	}
	if applied > 0 {
		return nil, ErrOrderHasReceptions
	}

	if err := tx.Model(&order).UpdateColumn("CurrentStatus", PurchaseOrderStatusCancelled).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	order.CurrentStatus = PurchaseOrderStatusCancelled
	return &order, nil
}

// RecomputePurchaseOrderState re-derives the order's lifecycle state from its
// line fulfillment after a reception is applied. Entering Received and Closed
// can coincide on full receipt; partial receipt keeps the order in Received
// so a later reception can complete it.
func RecomputePurchaseOrderState(tx *gorm.DB, order *PurchaseOrder) (Fulfillment, error) {
	if tx == nil {
		return Fulfillment{}, fmt.Errorf("tx is nil")
	}
	var lines []PurchaseOrderLine
	if err := tx.Where("purchase_order_id = ?", order.ID).Order("id").Find(&lines).Error; err != nil {
		return Fulfillment{}, err
	}
	order.Lines = lines

	f := ComputeFulfillment(lines)
	status := order.CurrentStatus
	if f.Complete {
		status = PurchaseOrderStatusClosed
	} else if f.AnyReceived {
		status = PurchaseOrderStatusReceived
	}
	if status != order.CurrentStatus {
		if err := tx.Model(&PurchaseOrder{}).Where("id = ?", order.ID).
			UpdateColumn("current_status", status).Error; err != nil {
			return Fulfillment{}, err
		}
		order.CurrentStatus = status
	}
	return f, nil
}
