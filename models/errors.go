package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be greater than zero")
	ErrOrderHasReceptions = errors.New("purchase order already has applied receptions")
	ErrOrderAlreadyClosed = errors.New("purchase order is already closed")
	ErrOrderNotApproved   = errors.New("purchase order is not approved")
	// ErrTransientFailure is surfaced after bounded retries of internal
	// conflicts (deadlocks, lock waits). Distinct from business-rule failures.
	ErrTransientFailure = errors.New("transient conflict, please retry")
)

// Shortfall reports one ingredient whose available stock cannot cover the
// aggregated requirement. Always itemized, never collapsed.
type Shortfall struct {
	IngredientId   int             `json:"ingredient_id"`
	IngredientName string          `json:"ingredient_name"`
	Required       decimal.Decimal `json:"required"`
	Available      decimal.Decimal `json:"available"`
}

type InsufficientStockError struct {
	IngredientId   int
	IngredientName string
	Requested      decimal.Decimal
	Available      decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for ingredient %q (id=%d): requested %s, available %s",
		e.IngredientName, e.IngredientId, e.Requested, e.Available)
}

func (e *InsufficientStockError) Shortfall() Shortfall {
	return Shortfall{
		IngredientId:   e.IngredientId,
		IngredientName: e.IngredientName,
		Required:       e.Requested,
		Available:      e.Available,
	}
}

// PartialApplicationError reports the reception line that failed during
// ledger application. The enclosing transaction is rolled back, so the
// reception remains un-applied and safe to retry.
type PartialApplicationError struct {
	OrderLineId int
	LineIndex   int
	Err         error
}

func (e *PartialApplicationError) Error() string {
	return fmt.Sprintf("reception line %d (order line id=%d) failed: %v", e.LineIndex, e.OrderLineId, e.Err)
}

func (e *PartialApplicationError) Unwrap() error { return e.Err }
