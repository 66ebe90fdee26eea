package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Command-style ledger mutations. Every func here runs inside a caller-owned
// transaction; on error the caller rolls back, so a failed call never leaves
// partial lot or movement rows behind.

type IncrementInput struct {
	IngredientId    int
	Qty             decimal.Decimal
	UnitCost        decimal.Decimal
	ExpiryDate      *time.Time
	ReferenceType   StockReferenceType
	ReferenceId     int
	ReferenceLineId int
	ReceptionLineId *int
}

// IncrementStock creates a new Lot and appends one `in` movement.
func IncrementStock(tx *gorm.DB, in IncrementInput) (*Lot, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx is nil")
	}
	if !in.Qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	lot := Lot{
		IngredientId:    in.IngredientId,
		InitialQty:      in.Qty,
		RemainingQty:    in.Qty,
		UnitCost:        in.UnitCost,
		ExpiryDate:      in.ExpiryDate,
		ReceptionLineId: in.ReceptionLineId,
	}
	if err := tx.Create(&lot).Error; err != nil {
		return nil, err
	}

	movement := InventoryMovement{
		ID:              uuid.NewString(),
		IngredientId:    in.IngredientId,
		LotId:           lot.ID,
		Direction:       MovementDirectionIn,
		Qty:             in.Qty,
		UnitCost:        in.UnitCost,
		ReferenceType:   in.ReferenceType,
		ReferenceId:     in.ReferenceId,
		ReferenceLineId: in.ReferenceLineId,
		CorrelationId:   correlationIdFromTx(tx),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	return &lot, nil
}

// LotDraw records how much of one lot a decrement consumed.
type LotDraw struct {
	LotId    int             `json:"lot_id"`
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// PlanLotConsumption decides which lots an outgoing quantity draws from:
// ascending expiry (lots without expiry last), then ascending creation order.
// Returns the draws, the total available quantity, and whether the plan
// covers the full requested quantity. The input slice is not mutated.
func PlanLotConsumption(lots []*Lot, qty decimal.Decimal) ([]LotDraw, decimal.Decimal, bool) {
	ordered := make([]*Lot, 0, len(lots))
	available := decimal.Zero
	for _, lot := range lots {
		if lot == nil || !lot.RemainingQty.IsPositive() {
			continue
		}
		ordered = append(ordered, lot)
		available = available.Add(lot.RemainingQty)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			// fall through to creation order
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if available.LessThan(qty) {
		return nil, available, false
	}

	draws := make([]LotDraw, 0, len(ordered))
	remaining := qty
	for _, lot := range ordered {
		if !remaining.IsPositive() {
			break
		}
		take := lot.RemainingQty
		if take.GreaterThan(remaining) {
			take = remaining
		}
		draws = append(draws, LotDraw{LotId: lot.ID, Qty: take, UnitCost: lot.UnitCost})
		remaining = remaining.Sub(take)
	}
	return draws, available, true
}

// DecrementStock consumes lots for one ingredient, all-or-nothing. On short
// stock it returns *InsufficientStockError without touching any row; the
// caller is expected to roll the surrounding transaction back regardless.
func DecrementStock(tx *gorm.DB, ingredientId int, qty decimal.Decimal, refType StockReferenceType, refId int, refLineId int) ([]LotDraw, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx is nil")
	}
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	var ingredient Ingredient
	if err := tx.First(&ingredient, ingredientId).Error; err != nil {
		return nil, fmt.Errorf("ingredient %d not found", ingredientId)
	}

	var lots []*Lot
	err := tx.
		Where("ingredient_id = ? AND remaining_qty > 0", ingredientId).
		Order("expiry_date IS NULL, expiry_date ASC, created_at ASC, id ASC").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Find(&lots).Error
	if err != nil {
		return nil, err
	}

	draws, available, ok := PlanLotConsumption(lots, qty)
	if !ok {
		return nil, &InsufficientStockError{
			IngredientId:   ingredientId,
			IngredientName: ingredient.Name,
			Requested:      qty,
			Available:      available,
		}
	}

	lotById := make(map[int]*Lot, len(lots))
	for _, lot := range lots {
		lotById[lot.ID] = lot
	}

	for _, draw := range draws {
		lot := lotById[draw.LotId]
		lot.RemainingQty = lot.RemainingQty.Sub(draw.Qty)
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Update("remaining_qty", lot.RemainingQty).Error; err != nil {
			return nil, err
		}

		movement := InventoryMovement{
			ID:              uuid.NewString(),
			IngredientId:    ingredientId,
			LotId:           lot.ID,
			Direction:       MovementDirectionOut,
			Qty:             draw.Qty,
			UnitCost:        lot.UnitCost,
			ReferenceType:   refType,
			ReferenceId:     refId,
			ReferenceLineId: refLineId,
			CorrelationId:   correlationIdFromTx(tx),
		}
		if err := tx.Create(&movement).Error; err != nil {
			return nil, err
		}
	}

	return draws, nil
}

// AvailableStock sums lot remainders for one ingredient on the given handle
// (plain DB for advisory reads, open tx for the settlement re-check).
func AvailableStock(tx *gorm.DB, ingredientId int) (decimal.Decimal, error) {
	var available decimal.NullDecimal
	err := tx.Model(&Lot{}).
		Select("SUM(remaining_qty)").
		Where("ingredient_id = ?", ingredientId).
		Scan(&available).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !available.Valid {
		return decimal.Zero, nil
	}
	return available.Decimal, nil
}

// LedgerBalance recomputes on-hand quantity from the append-only movement
// ledger: sum(in) - sum(out). Used by reconciliation checks and the rebuild
// path; must always agree with AvailableStock.
func LedgerBalance(tx *gorm.DB, ingredientId int) (decimal.Decimal, error) {
	type row struct {
		Direction MovementDirection
		Total     decimal.NullDecimal
	}
	var rows []row
	err := tx.Model(&InventoryMovement{}).
		Select("direction, SUM(qty) AS total").
		Where("ingredient_id = ?", ingredientId).
		Group("direction").
		Scan(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, r := range rows {
		if !r.Total.Valid {
			continue
		}
		if r.Direction == MovementDirectionOut {
			balance = balance.Sub(r.Total.Decimal)
		} else {
			balance = balance.Add(r.Total.Decimal)
		}
	}
	return balance, nil
}

// RebuildIngredientStock restores every lot remainder for an ingredient from
// the movement ledger. Recovery path for a corrupted lot cache; the ledger is
// the source of truth.
func RebuildIngredientStock(tx *gorm.DB, ingredientId int) error {
	var lots []*Lot
	if err := tx.Where("ingredient_id = ?", ingredientId).Find(&lots).Error; err != nil {
		return err
	}
	for _, lot := range lots {
		var consumed decimal.NullDecimal
		err := tx.Model(&InventoryMovement{}).
			Select("SUM(qty)").
			Where("lot_id = ? AND direction = ?", lot.ID, MovementDirectionOut).
			Scan(&consumed).Error
		if err != nil {
			return err
		}
		remaining := lot.InitialQty
		if consumed.Valid {
			remaining = remaining.Sub(consumed.Decimal)
		}
		if remaining.IsNegative() {
			return fmt.Errorf("lot %d: ledger consumption exceeds initial qty", lot.ID)
		}
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Update("remaining_qty", remaining).Error; err != nil {
			return err
		}
	}
	return nil
}

func correlationIdFromTx(tx *gorm.DB) string {
	if tx.Statement == nil || tx.Statement.Context == nil {
		return ""
	}
	cid, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	return cid
}
