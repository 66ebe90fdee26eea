package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/models"
	"github.com/comedorsoft/pantry_backend/utils"
	"github.com/comedorsoft/pantry_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("pantry-backend")

// registerDecimalValidation teaches the binding validator about
// shopspring decimals: fields surface as float64 and "dgt0" requires
// a strictly positive value.
func registerDecimalValidation() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("dgt0", func(fl validator.FieldLevel) bool {
		f, ok := fl.Field().Interface().(float64)
		return ok && f > 0
	})
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrOrderHasReceptions),
		errors.Is(err, models.ErrOrderAlreadyClosed),
		errors.Is(err, models.ErrOrderNotApproved),
		errors.Is(err, workflow.ErrIdempotencyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTransientFailure):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		var partial *models.PartialApplicationError
		if errors.As(err, &partial) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": partial.Error()})
			return
		}
		var insufficient *models.InsufficientStockError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusConflict, gin.H{"error": insufficient.Error(), "shortfalls": []models.Shortfall{insufficient.Shortfall()}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return false
	}
	return true
}

func applyReceptionHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewReception
		if !bindJSON(c, &input) {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reception.apply")
		defer span.End()
		result, err := workflow.ApplyReception(ctx, logger, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusCreated
		if result.DuplicateSkipped {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

func updateInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reception id"})
			return
		}
		var input struct {
			InvoiceNumber string `json:"invoice_number" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		reception, err := models.UpdateReceptionInvoiceNumber(c.Request.Context(), id, input.InvoiceNumber)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, reception)
	}
}

func settleSaleHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.NewSale
		if !bindJSON(c, &input) {
			return
		}
		if terminalId := c.GetHeader("x-terminal-id"); terminalId != "" {
			c.Request = c.Request.WithContext(utils.SetTerminalIdInContext(c.Request.Context(), terminalId))
		}
		ctx, span := tracer.Start(c.Request.Context(), "sale.settle")
		defer span.End()
		opts := workflow.SettleOptions{LoyaltyPointsEnabled: config.LoyaltyPointsEnabled()}
		result, err := workflow.SettleSale(ctx, logger, &input, opts)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if result.Status == workflow.SettlementRejected {
			c.JSON(http.StatusConflict, result)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func validateCartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Lines []models.CartLine `json:"lines" binding:"required,dive"`
		}
		if !bindJSON(c, &input) {
			return
		}
		shortfalls, err := models.ValidateCart(c.Request.Context(), input.Lines)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": len(shortfalls) == 0, "shortfalls": shortfalls})
	}
}

// stockCacheTTL bounds how stale a cached availability read can get if an
// invalidation is lost.
const stockCacheTTL = 30 * time.Second

func stockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ingredientId, err := strconv.Atoi(c.Query("ingredient"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ingredient query parameter is required"})
			return
		}
		ctx := c.Request.Context()

		cacheKey := models.StockCacheKey(ingredientId)
		var available decimal.Decimal
		if hit, err := config.GetRedisObject(cacheKey, &available); err == nil && hit {
			c.JSON(http.StatusOK, gin.H{"ingredient_id": ingredientId, "available": available})
			return
		}

		if err := utils.ValidateResourceId[models.Ingredient](ctx, ingredientId); err != nil {
			abortWithError(c, utils.ErrorRecordNotFound)
			return
		}
		available, err = models.AvailableStock(config.GetDB().WithContext(ctx), ingredientId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		_ = config.SetRedisObject(cacheKey, available, stockCacheTTL)
		c.JSON(http.StatusOK, gin.H{"ingredient_id": ingredientId, "available": available})
	}
}

func stockAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var alerts []*models.StockAlert
		if hit, err := config.GetRedisObject(models.StockAlertsCacheKey, &alerts); err == nil && hit {
			c.JSON(http.StatusOK, alerts)
			return
		}
		alerts, err := models.GetStockAlerts(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		_ = config.SetRedisObject(models.StockAlertsCacheKey, alerts, stockCacheTTL)
		c.JSON(http.StatusOK, alerts)
	}
}

func getIngredientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ingredient id"})
			return
		}
		ingredient, err := models.GetIngredient(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, ingredient)
	}
}

func listIngredientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ingredients, err := models.GetIngredients(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, ingredients)
	}
}

func getReceptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reception id"})
			return
		}
		reception, err := models.GetReception(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, reception)
	}
}

func getOrderReceptionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := orderIdParam(c)
		if !ok {
			return
		}
		receptions, err := models.GetReceptionsForOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receptions)
	}
}

func createPurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPurchaseOrder
		if !bindJSON(c, &input) {
			return
		}
		order, err := models.CreatePurchaseOrder(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func orderIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid purchase order id"})
		return 0, false
	}
	return id, true
}

func approvePurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := orderIdParam(c)
		if !ok {
			return
		}
		order, err := models.ApprovePurchaseOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func cancelPurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := orderIdParam(c)
		if !ok {
			return
		}
		order, err := models.CancelPurchaseOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func getPurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := orderIdParam(c)
		if !ok {
			return
		}
		order, err := models.GetPurchaseOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func getPurchaseOrderLinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := orderIdParam(c)
		if !ok {
			return
		}
		lines, err := models.GetPurchaseOrderLines(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, lines)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	registerDecimalValidation()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist; dev allows all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id", "x-terminal-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/receptions", applyReceptionHandler(logger))
	r.GET("/receptions/:id", getReceptionHandler())
	r.PATCH("/receptions/:id/invoice", updateInvoiceHandler())
	r.POST("/sales", settleSaleHandler(logger))
	r.POST("/sales/validate", validateCartHandler())
	r.GET("/stock", stockHandler())
	r.GET("/stock/alerts", stockAlertsHandler())
	r.GET("/ingredients", listIngredientsHandler())
	r.GET("/ingredients/:id", getIngredientHandler())
	r.POST("/purchase-orders", createPurchaseOrderHandler())
	r.POST("/purchase-orders/:id/approve", approvePurchaseOrderHandler())
	r.POST("/purchase-orders/:id/cancel", cancelPurchaseOrderHandler())
	r.GET("/purchase-orders/:id", getPurchaseOrderHandler())
	r.GET("/purchase-orders/:id/lines", getPurchaseOrderLinesHandler())
	r.GET("/purchase-orders/:id/receptions", getOrderReceptionsHandler())

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Ensure the outbox topic exists before the first publish. Best effort:
	// the dispatcher retries publishes anyway.
	if topic := strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")); topic != "" {
		go func() {
			client, err := config.GetPubSubClient(dispatcherCtx)
			if err == nil {
				_, err = config.CreateTopicIfNotExists(client, topic)
			}
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub", "topic": topic}).Warn("could not ensure topic: " + err.Error())
			}
		}()
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work mid-drain.
	cancelDispatcher()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
