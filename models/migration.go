package models

import (
	"log"

	"github.com/comedorsoft/pantry_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Ingredient{}, &Lot{}, &InventoryMovement{},
		&Product{}, &ProductVariant{}, &RecipeLine{},
		&Supplier{}, &PurchaseOrder{}, &PurchaseOrderLine{},
		&Reception{}, &ReceptionLine{},
		&Sale{}, &SaleDetail{}, &SaleDetailOmission{},
		&IdempotencyKey{},
		&StockEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
