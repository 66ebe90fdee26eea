package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/models"
	"github.com/comedorsoft/pantry_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pantry_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return context.Background()
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Creates a supplier, one ingredient and an approved purchase order for
// 10 cases of 10 base units.
func seedApprovedOrder(t *testing.T, ctx context.Context) (*models.Ingredient, *models.PurchaseOrder) {
	t.Helper()
	db := config.GetDB()

	supplier := models.Supplier{Name: fmt.Sprintf("Supplier %d", time.Now().UnixNano())}
	if err := db.WithContext(ctx).Create(&supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	ingredient, err := models.CreateIngredient(ctx, &models.NewIngredient{
		Name: fmt.Sprintf("Tomato %d", time.Now().UnixNano()),
		Unit: "kg",
	})
	if err != nil {
		t.Fatalf("CreateIngredient: %v", err)
	}

	order, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierId: supplier.ID,
		OrderDate:  time.Now().UTC(),
		Lines: []models.NewPurchaseOrderLine{
			{
				IngredientId:         ingredient.ID,
				Presentation:         "case",
				UnitsPerPresentation: mustDec("10"),
				OrderedQty:           mustDec("10"),
				UnitPrice:            mustDec("25"),
			},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}
	if order.CurrentStatus != models.PurchaseOrderStatusPending {
		t.Fatalf("new order status = %s, want Pending", order.CurrentStatus)
	}
	if _, err := models.ApprovePurchaseOrder(ctx, order.ID); err != nil {
		t.Fatalf("ApprovePurchaseOrder: %v", err)
	}
	order, err = models.GetPurchaseOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetPurchaseOrder: %v", err)
	}
	return ingredient, order
}

func TestReceptionPartialThenClosure(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	t.Setenv("MULTI_SHIPMENT_RECEPTIONS", "true")
	logger := logrus.New()

	ingredient, order := seedApprovedOrder(t, ctx)

	// First shipment: 6 cases = 60 base units.
	first, err := workflow.ApplyReception(ctx, logger, &models.NewReception{
		PurchaseOrderId: order.ID,
		ExternalId:      fmt.Sprintf("ship-1-%d", order.ID),
		ReceptionDate:   time.Now().UTC(),
		Lines: []models.NewReceptionLine{
			{PurchaseOrderLineId: order.Lines[0].ID, ReceivedQty: mustDec("6")},
		},
	})
	if err != nil {
		t.Fatalf("first ApplyReception: %v", err)
	}
	if first.DuplicateSkipped {
		t.Fatal("first reception must not be a duplicate")
	}
	if !first.BaseUnitsTotal.Equal(mustDec("60")) {
		t.Errorf("first reception base units = %s, want 60", first.BaseUnitsTotal)
	}
	if first.OrderStatus != models.PurchaseOrderStatusReceived {
		t.Errorf("order after partial = %s, want Received", first.OrderStatus)
	}

	db := config.GetDB()
	available, err := models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(mustDec("60")) {
		t.Errorf("available after partial = %s, want 60", available)
	}

	// Second shipment: receive-everything shorthand covers the rest.
	second, err := workflow.ApplyReception(ctx, logger, &models.NewReception{
		PurchaseOrderId: order.ID,
		ExternalId:      fmt.Sprintf("ship-2-%d", order.ID),
		ReceptionDate:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second ApplyReception: %v", err)
	}
	if !second.OrderClosed || second.OrderStatus != models.PurchaseOrderStatusClosed {
		t.Errorf("order after full receipt = %s (closed=%v), want Closed", second.OrderStatus, second.OrderClosed)
	}
	if second.AutoGeneratedLines != 1 {
		t.Errorf("auto generated lines = %d, want 1", second.AutoGeneratedLines)
	}

	available, err = models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(mustDec("100")) {
		t.Errorf("available after closure = %s, want 100", available)
	}

	// Ledger and lots must agree.
	balance, err := models.LedgerBalance(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("LedgerBalance: %v", err)
	}
	if !balance.Equal(available) {
		t.Errorf("ledger balance %s != lot availability %s", balance, available)
	}
}

func TestDuplicateReceptionLeavesLedgerUnchanged(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	ingredient, order := seedApprovedOrder(t, ctx)

	input := &models.NewReception{
		PurchaseOrderId: order.ID,
		ReceptionDate:   time.Now().UTC(),
		Lines: []models.NewReceptionLine{
			{PurchaseOrderLineId: order.Lines[0].ID, ReceivedQty: mustDec("10")},
		},
	}

	first, err := workflow.ApplyReception(ctx, logger, input)
	if err != nil {
		t.Fatalf("ApplyReception: %v", err)
	}
	if first.DuplicateSkipped {
		t.Fatal("first apply must not be a duplicate")
	}

	second, err := workflow.ApplyReception(ctx, logger, input)
	if err != nil {
		t.Fatalf("duplicate ApplyReception: %v", err)
	}
	if !second.DuplicateSkipped {
		t.Fatal("second apply must be reported as duplicate")
	}
	if !second.BaseUnitsTotal.Equal(first.BaseUnitsTotal) {
		t.Errorf("duplicate summary base units = %s, want stored %s", second.BaseUnitsTotal, first.BaseUnitsTotal)
	}

	db := config.GetDB()
	available, err := models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(mustDec("100")) {
		t.Errorf("available after duplicate = %s, want 100", available)
	}

	var movements int64
	if err := db.WithContext(ctx).Model(&models.InventoryMovement{}).
		Where("ingredient_id = ?", ingredient.ID).Count(&movements).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if movements != 1 {
		t.Errorf("movement count = %d, want 1", movements)
	}
}

func TestCancelledOrderRejectsReception(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	ingredient, order := seedApprovedOrder(t, ctx)

	cancelled, err := models.CancelPurchaseOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CancelPurchaseOrder: %v", err)
	}
	if cancelled.CurrentStatus != models.PurchaseOrderStatusCancelled {
		t.Fatalf("order status = %s, want Cancelled", cancelled.CurrentStatus)
	}

	_, err = workflow.ApplyReception(ctx, logger, &models.NewReception{
		PurchaseOrderId: order.ID,
		ReceptionDate:   time.Now().UTC(),
	})
	if !errors.Is(err, models.ErrOrderNotApproved) {
		t.Fatalf("ApplyReception after cancel err = %v, want ErrOrderNotApproved", err)
	}

	db := config.GetDB()
	available, err := models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(decimal.Zero) {
		t.Errorf("cancelled order must not add stock, available = %s", available)
	}
}

func TestSettleSaleDecrementsAndRejects(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	ingredient, order := seedApprovedOrder(t, ctx)
	if _, err := workflow.ApplyReception(ctx, logger, &models.NewReception{
		PurchaseOrderId: order.ID,
		ReceptionDate:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ApplyReception: %v", err)
	}

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:       fmt.Sprintf("Soup %d", time.Now().UnixNano()),
		SalesPrice: mustDec("50"),
		RecipeLines: []models.NewRecipeLine{
			{IngredientId: ingredient.ID, QtyPerUnit: mustDec("30")},
		},
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	// 3 units * 30 = 90 of the 100 on hand.
	result, err := workflow.SettleSale(ctx, logger, &workflow.NewSale{
		Lines: []models.CartLine{{ProductId: product.ID, Qty: mustDec("3")}},
	}, workflow.SettleOptions{})
	if err != nil {
		t.Fatalf("SettleSale: %v", err)
	}
	if result.Status != workflow.SettlementAccepted {
		t.Fatalf("settlement status = %s, want Accepted", result.Status)
	}
	if !result.TotalAmount.Equal(mustDec("150")) {
		t.Errorf("total = %s, want 150", result.TotalAmount)
	}

	db := config.GetDB()
	available, err := models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(mustDec("10")) {
		t.Errorf("available after sale = %s, want 10", available)
	}

	// Only 10 left; another unit needs 30. Must reject with an itemized
	// shortfall and leave the 10 untouched.
	rejected, err := workflow.SettleSale(ctx, logger, &workflow.NewSale{
		Lines: []models.CartLine{{ProductId: product.ID, Qty: mustDec("1")}},
	}, workflow.SettleOptions{})
	if err != nil {
		t.Fatalf("second SettleSale: %v", err)
	}
	if rejected.Status != workflow.SettlementRejected {
		t.Fatalf("settlement status = %s, want Rejected", rejected.Status)
	}
	if len(rejected.Shortfalls) != 1 {
		t.Fatalf("shortfalls = %d, want 1", len(rejected.Shortfalls))
	}
	sf := rejected.Shortfalls[0]
	if sf.IngredientId != ingredient.ID || !sf.Required.Equal(mustDec("30")) || !sf.Available.Equal(mustDec("10")) {
		t.Errorf("shortfall = %+v, want ingredient %d required 30 available 10", sf, ingredient.ID)
	}

	available, err = models.AvailableStock(db.WithContext(ctx), ingredient.ID)
	if err != nil {
		t.Fatalf("AvailableStock: %v", err)
	}
	if !available.Equal(mustDec("10")) {
		t.Errorf("rejected settlement must not move stock, available = %s", available)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pantry-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pantry-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pantry_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
