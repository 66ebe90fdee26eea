package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/models"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const receptionHandlerName = "reception.apply"

// SyncResult summarizes one reception apply. It is stored alongside the
// idempotency key so an exact re-submission gets the original numbers back.
type SyncResult struct {
	ReceptionId        int                        `json:"reception_id"`
	DuplicateSkipped   bool                       `json:"duplicate_skipped"`
	MovementsCreated   int                        `json:"movements_created"`
	LotsCreated        int                        `json:"lots_created"`
	BaseUnitsTotal     decimal.Decimal            `json:"base_units_total"`
	IngredientsTouched int                        `json:"ingredients_touched"`
	AutoGeneratedLines int                        `json:"auto_generated_lines"`
	OrderStatus        models.PurchaseOrderStatus `json:"order_status"`
	OrderClosed        bool                       `json:"order_closed"`
	Messages           []string                   `json:"messages,omitempty"`
}

// receptionMessageId is the idempotence scope of an apply. One shipment per
// order by default; with multi-shipment receptions enabled the caller's
// external id distinguishes shipments against the same order.
func receptionMessageId(input *models.NewReception) string {
	if config.MultiShipmentReceptions() && input.ExternalId != "" {
		return input.ExternalId
	}
	return strconv.Itoa(input.PurchaseOrderId)
}

// ApplyReception applies one delivery to the stock ledger and the purchase
// order in a single transaction. Safe to retry: duplicates are answered from
// the stored summary and any mid-apply failure rolls everything back.
func ApplyReception(ctx context.Context, logger *logrus.Logger, input *models.NewReception) (*SyncResult, error) {
	order, err := models.GetPurchaseOrder(ctx, input.PurchaseOrderId)
	if err != nil {
		config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "GetPurchaseOrder", input.PurchaseOrderId, err)
		return nil, err
	}
	switch order.CurrentStatus {
	case models.PurchaseOrderStatusApproved, models.PurchaseOrderStatusReceived:
		// receivable
	case models.PurchaseOrderStatusClosed:
		return nil, models.ErrOrderAlreadyClosed
	default:
		return nil, models.ErrOrderNotApproved
	}

	release, err := utils.StockLock(ctx, fmt.Sprintf("po:%d", input.PurchaseOrderId), "receptionWorkflow.go", "ApplyReception")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	messageId := receptionMessageId(input)
	skip, prior, err := BeginIdempotency(tx, receptionHandlerName, messageId)
	if err != nil {
		config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "BeginIdempotency", messageId, err)
		return nil, err
	}
	if skip {
		result := &SyncResult{DuplicateSkipped: true}
		if prior != nil && prior.ResultJson != nil {
			if err := json.Unmarshal([]byte(*prior.ResultJson), result); err != nil {
				config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "UnmarshalPriorResult", messageId, err)
			}
			result.DuplicateSkipped = true
		}
		return result, nil
	}

	result, err := applyReceptionTx(tx, logger, order, input)
	if err != nil {
		// Release the tx's row locks before recording the failure on a
		// fresh connection.
		_ = tx.Rollback().Error
		if markErr := MarkIdempotencyFailed(db.WithContext(ctx), receptionHandlerName, messageId, err); markErr != nil {
			config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "MarkIdempotencyFailed", messageId, markErr)
		}
		return nil, err
	}

	summary, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := MarkIdempotencySucceeded(tx, receptionHandlerName, messageId, string(summary)); err != nil {
		config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "MarkIdempotencySucceeded", messageId, err)
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "receptionWorkflow.go", "ApplyReception", "Commit", input.PurchaseOrderId, err)
		return nil, err
	}
	invalidateStockCache(order.Lines)
	return result, nil
}

// invalidateStockCache drops the cached availability reads for the touched
// ingredients. Best effort: the cache repopulates on the next read.
func invalidateStockCache(lines []models.PurchaseOrderLine) {
	keys := []string{models.StockAlertsCacheKey}
	for _, line := range lines {
		keys = append(keys, models.StockCacheKey(line.IngredientId))
	}
	_ = config.RemoveRedisKey(keys...)
}

// applyReceptionTx does the stock effect inside the caller's transaction.
func applyReceptionTx(tx *gorm.DB, logger *logrus.Logger, order *models.PurchaseOrder, input *models.NewReception) (*SyncResult, error) {
	result := &SyncResult{}

	// Re-read the order row under a row lock and verify the state there; the
	// snapshot taken before the stock lock was acquired may be stale, and a
	// concurrent cancel must not be resurrected by this apply.
	var current models.PurchaseOrder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, order.ID).Error; err != nil {
		return nil, err
	}
	if !current.CurrentStatus.Receivable() {
		if current.CurrentStatus == models.PurchaseOrderStatusClosed {
			return nil, models.ErrOrderAlreadyClosed
		}
		return nil, models.ErrOrderNotApproved
	}
	order.CurrentStatus = current.CurrentStatus

	var lines []models.PurchaseOrderLine
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("purchase_order_id = ?", order.ID).Order("id").Find(&lines).Error; err != nil {
		return nil, err
	}
	order.Lines = lines

	lineById := make(map[int]*models.PurchaseOrderLine, len(order.Lines))
	for i := range order.Lines {
		lineById[order.Lines[i].ID] = &order.Lines[i]
	}

	inputLines := input.Lines
	if len(inputLines) == 0 {
		// Receive-everything shorthand: one line per outstanding order line,
		// quantities expressed back in presentation units.
		for _, orderLine := range order.Lines {
			outstanding := orderLine.OutstandingBaseUnits()
			if !outstanding.IsPositive() {
				continue
			}
			upp := orderLine.UnitsPerPresentation
			if !upp.IsPositive() {
				upp = decimal.NewFromInt(1)
			}
			inputLines = append(inputLines, models.NewReceptionLine{
				PurchaseOrderLineId: orderLine.ID,
				ReceivedQty:         outstanding.Div(upp),
			})
			result.AutoGeneratedLines++
		}
		if len(inputLines) == 0 {
			return nil, fmt.Errorf("purchase order %d has nothing outstanding to receive", order.ID)
		}
	}

	reception := models.Reception{
		PurchaseOrderId: order.ID,
		ExternalId:      input.ExternalId,
		ReceptionDate:   input.ReceptionDate,
		InvoiceNumber:   input.InvoiceNumber,
	}
	if err := tx.Create(&reception).Error; err != nil {
		return nil, err
	}
	result.ReceptionId = reception.ID

	ingredientsTouched := map[int]bool{}
	for i, inputLine := range inputLines {
		orderLine, ok := lineById[inputLine.PurchaseOrderLineId]
		if !ok || orderLine.PurchaseOrderId != order.ID {
			return nil, &models.PartialApplicationError{
				OrderLineId: inputLine.PurchaseOrderLineId,
				LineIndex:   i,
				Err:         fmt.Errorf("order line %d does not belong to purchase order %d", inputLine.PurchaseOrderLineId, order.ID),
			}
		}
		if !inputLine.ReceivedQty.IsPositive() {
			return nil, &models.PartialApplicationError{OrderLineId: orderLine.ID, LineIndex: i, Err: models.ErrInvalidQuantity}
		}

		upp := orderLine.UnitsPerPresentation
		if !upp.IsPositive() {
			upp = decimal.NewFromInt(1)
			result.Messages = append(result.Messages,
				fmt.Sprintf("order line %d has no units-per-presentation, assuming 1", orderLine.ID))
		}
		baseUnits := inputLine.ReceivedQty.Mul(upp)

		if overBy, exceeds := orderLine.OverReceipt(baseUnits); exceeds {
			return nil, &models.PartialApplicationError{
				OrderLineId: orderLine.ID,
				LineIndex:   i,
				Err:         fmt.Errorf("over-receipt of %s base units on order line %d", overBy.String(), orderLine.ID),
			}
		}

		receptionLine := models.ReceptionLine{
			ReceptionId:         reception.ID,
			PurchaseOrderLineId: orderLine.ID,
			ReceivedQty:         inputLine.ReceivedQty,
			AcceptedQty:         baseUnits,
			ExpiryDate:          inputLine.ExpiryDate,
		}
		if err := tx.Create(&receptionLine).Error; err != nil {
			return nil, &models.PartialApplicationError{OrderLineId: orderLine.ID, LineIndex: i, Err: err}
		}

		lot, err := models.IncrementStock(tx, models.IncrementInput{
			IngredientId:    orderLine.IngredientId,
			Qty:             baseUnits,
			UnitCost:        unitCostInBaseUnits(orderLine, upp),
			ExpiryDate:      inputLine.ExpiryDate,
			ReferenceType:   models.StockReferenceTypeReception,
			ReferenceId:     reception.ID,
			ReferenceLineId: receptionLine.ID,
			ReceptionLineId: &receptionLine.ID,
		})
		if err != nil {
			config.LogError(logger, "receptionWorkflow.go", "applyReceptionTx", "IncrementStock", orderLine.IngredientId, err)
			return nil, &models.PartialApplicationError{OrderLineId: orderLine.ID, LineIndex: i, Err: err}
		}
		if err := tx.Model(&models.ReceptionLine{}).Where("id = ?", receptionLine.ID).
			UpdateColumn("lot_id", lot.ID).Error; err != nil {
			return nil, &models.PartialApplicationError{OrderLineId: orderLine.ID, LineIndex: i, Err: err}
		}

		newReceived := orderLine.ReceivedQty.Add(baseUnits)
		if err := tx.Model(&models.PurchaseOrderLine{}).Where("id = ?", orderLine.ID).
			UpdateColumn("received_qty", newReceived).Error; err != nil {
			return nil, &models.PartialApplicationError{OrderLineId: orderLine.ID, LineIndex: i, Err: err}
		}
		orderLine.ReceivedQty = newReceived

		result.MovementsCreated++
		result.LotsCreated++
		result.BaseUnitsTotal = result.BaseUnitsTotal.Add(baseUnits)
		ingredientsTouched[orderLine.IngredientId] = true
	}
	result.IngredientsTouched = len(ingredientsTouched)

	now := time.Now().UTC()
	if err := tx.Model(&models.Reception{}).Where("id = ?", reception.ID).
		UpdateColumn("applied_at", now).Error; err != nil {
		return nil, err
	}

	fulfillment, err := models.RecomputePurchaseOrderState(tx, order)
	if err != nil {
		return nil, err
	}
	result.OrderStatus = order.CurrentStatus
	result.OrderClosed = fulfillment.Complete

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	outbox := models.StockEventRecord{
		OccurredAt:    now,
		ReferenceId:   reception.ID,
		ReferenceType: models.StockReferenceTypeReception,
		Action:        models.OutboxActionCreate,
		Payload:       payload,
		CorrelationId: correlationIdFromTx(tx),
	}
	if err := tx.Create(&outbox).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func unitCostInBaseUnits(line *models.PurchaseOrderLine, upp decimal.Decimal) decimal.Decimal {
	if !line.UnitPrice.IsPositive() {
		return decimal.Zero
	}
	return line.UnitPrice.Div(upp)
}

func correlationIdFromTx(tx *gorm.DB) string {
	if tx == nil || tx.Statement == nil || tx.Statement.Context == nil {
		return ""
	}
	cid, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	return cid
}
