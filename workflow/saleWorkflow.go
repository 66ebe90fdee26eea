package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/models"
	"github.com/comedorsoft/pantry_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const settleMaxAttempts = 3

type SettlementStatus string

const (
	SettlementAccepted SettlementStatus = "Accepted"
	SettlementRejected SettlementStatus = "Rejected"
)

type NewSale struct {
	SaleDate time.Time         `json:"sale_date"`
	Lines    []models.CartLine `json:"lines" binding:"required,dive"`
}

// SettleOptions carries call-time switches. Loyalty accrual is decided by
// the caller per request, not read from a mutable global mid-settlement.
type SettleOptions struct {
	LoyaltyPointsEnabled bool
}

type SettlementResult struct {
	Status              SettlementStatus   `json:"status"`
	SaleId              int                `json:"sale_id,omitempty"`
	SaleNumber          string             `json:"sale_number,omitempty"`
	TotalAmount         decimal.Decimal    `json:"total_amount"`
	LoyaltyPointsEarned decimal.Decimal    `json:"loyalty_points_earned"`
	MovementsCreated    int                `json:"movements_created"`
	Shortfalls          []models.Shortfall `json:"shortfalls,omitempty"`
}

func isTransientMySQLErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// SettleSale commits a sale atomically: either every ingredient the cart
// requires is drawn from stock and the sale is persisted, or nothing moves
// and the itemized shortfalls come back as a Rejected result.
func SettleSale(ctx context.Context, logger *logrus.Logger, input *NewSale, opts SettleOptions) (*SettlementResult, error) {
	if len(input.Lines) == 0 {
		return nil, errors.New("sale requires at least one line")
	}
	if input.SaleDate.IsZero() {
		input.SaleDate = time.Now().UTC()
	}

	lineReqs, err := models.ResolveCartRequirements(ctx, input.Lines)
	if err != nil {
		config.LogError(logger, "saleWorkflow.go", "SettleSale", "ResolveCartRequirements", input.Lines, err)
		return nil, err
	}
	required := models.AggregateRequirements(lineReqs)

	var lastErr error
	for attempt := 1; attempt <= settleMaxAttempts; attempt++ {
		result, err := settleOnce(ctx, logger, input, required, opts)
		if err == nil {
			return result, nil
		}
		if !isTransientMySQLErr(err) {
			return nil, err
		}
		lastErr = err
		config.LogError(logger, "saleWorkflow.go", "SettleSale", fmt.Sprintf("transient conflict, attempt %d", attempt), nil, err)
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return nil, fmt.Errorf("%w: %v", models.ErrTransientFailure, lastErr)
}

func settleOnce(ctx context.Context, logger *logrus.Logger, input *NewSale, required map[int]decimal.Decimal, opts SettleOptions) (*SettlementResult, error) {
	release, err := utils.StockLock(ctx, "sale", "saleWorkflow.go", "settleOnce")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	// Re-check inside the transaction; the advisory validation the terminal
	// ran earlier may be stale.
	shortfalls, err := models.CheckRequirements(tx, required)
	if err != nil {
		return nil, err
	}
	if len(shortfalls) > 0 {
		return &SettlementResult{Status: SettlementRejected, Shortfalls: shortfalls}, nil
	}

	terminalId, _ := utils.GetTerminalIdFromContext(ctx)
	sale := models.Sale{
		SaleDate:   input.SaleDate,
		TerminalId: terminalId,
	}
	if err := tx.Create(&sale).Error; err != nil {
		return nil, err
	}
	sale.SaleNumber = fmt.Sprintf("SL-%06d", sale.ID)
	if err := tx.Model(&sale).UpdateColumn("sale_number", sale.SaleNumber).Error; err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, cl := range input.Lines {
		product, err := models.GetProduct(ctx, cl.ProductId)
		if err != nil {
			return nil, err
		}
		unitPrice := product.SalesPrice
		if cl.VariantId != nil {
			for _, v := range product.Variants {
				if v.ID == *cl.VariantId && v.SalesPrice.IsPositive() {
					unitPrice = v.SalesPrice
				}
			}
		}
		detail := models.SaleDetail{
			SaleId:      sale.ID,
			ProductId:   cl.ProductId,
			VariantId:   cl.VariantId,
			Qty:         cl.Qty,
			UnitPrice:   unitPrice,
			TotalAmount: unitPrice.Mul(cl.Qty),
		}
		if err := tx.Create(&detail).Error; err != nil {
			return nil, err
		}
		for _, ingredientId := range utils.UniqueSlice(cl.OmittedIngredientIds) {
			omission := models.SaleDetailOmission{SaleDetailId: detail.ID, IngredientId: ingredientId}
			if err := tx.Create(&omission).Error; err != nil {
				return nil, err
			}
		}
		total = total.Add(detail.TotalAmount)
	}

	movements := 0
	ingredientIds := make([]int, 0, len(required))
	for id := range required {
		ingredientIds = append(ingredientIds, id)
	}
	sort.Ints(ingredientIds)
	for _, ingredientId := range ingredientIds {
		draws, err := models.DecrementStock(tx, ingredientId, required[ingredientId], models.StockReferenceTypeSale, sale.ID, 0)
		if err != nil {
			var insufficient *models.InsufficientStockError
			if errors.As(err, &insufficient) {
				// Drained between check and draw; report and roll back.
				return &SettlementResult{
					Status:     SettlementRejected,
					Shortfalls: []models.Shortfall{insufficient.Shortfall()},
				}, nil
			}
			config.LogError(logger, "saleWorkflow.go", "settleOnce", "DecrementStock", ingredientId, err)
			return nil, err
		}
		movements += len(draws)
	}

	points := decimal.Zero
	if opts.LoyaltyPointsEnabled {
		points = loyaltyPointsFor(total)
	}
	if err := tx.Model(&sale).UpdateColumns(map[string]interface{}{
		"total_amount":          total,
		"loyalty_points_earned": points,
	}).Error; err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"sale_id":     sale.ID,
		"sale_number": sale.SaleNumber,
		"total":       total,
	})
	if err != nil {
		return nil, err
	}
	outbox := models.StockEventRecord{
		OccurredAt:    time.Now().UTC(),
		ReferenceId:   sale.ID,
		ReferenceType: models.StockReferenceTypeSale,
		Action:        models.OutboxActionCreate,
		Payload:       payload,
		CorrelationId: correlationId(ctx),
	}
	if err := tx.Create(&outbox).Error; err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	cacheKeys := []string{models.StockAlertsCacheKey}
	for _, ingredientId := range ingredientIds {
		cacheKeys = append(cacheKeys, models.StockCacheKey(ingredientId))
	}
	_ = config.RemoveRedisKey(cacheKeys...)
	return &SettlementResult{
		Status:              SettlementAccepted,
		SaleId:              sale.ID,
		SaleNumber:          sale.SaleNumber,
		TotalAmount:         total,
		LoyaltyPointsEarned: points,
		MovementsCreated:    movements,
	}, nil
}

// loyaltyPointsFor accrues one point per ten currency units, floored.
func loyaltyPointsFor(total decimal.Decimal) decimal.Decimal {
	return total.Div(decimal.NewFromInt(10)).Floor()
}

func correlationId(ctx context.Context) string {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return cid
}
