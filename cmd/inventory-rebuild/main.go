package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/comedorsoft/pantry_backend/config"
	"github.com/comedorsoft/pantry_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Rebuilds lot remainders from the append-only movement ledger. Run after a
// suspected divergence between lots and movements; the ledger is the truth.
func main() {
	ingredientID := flag.Int("ingredient-id", 0, "Optional: rebuild a single ingredient (default all)")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing ingredients and continue rebuilding others")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	var ingredientIds []int
	if *ingredientID > 0 {
		ingredientIds = []int{*ingredientID}
	} else {
		if err := db.Model(&models.Ingredient{}).Order("id").Pluck("id", &ingredientIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list ingredients: %v\n", err)
			os.Exit(1)
		}
	}

	failures := 0
	for _, id := range ingredientIds {
		err := db.Transaction(func(tx *gorm.DB) error {
			return models.RebuildIngredientStock(tx, id)
		})
		if err != nil {
			failures++
			logger.WithFields(logrus.Fields{
				"ingredient_id": id,
			}).Error("rebuild failed: " + err.Error())
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		logger.WithFields(logrus.Fields{
			"ingredient_id": id,
		}).Info("rebuilt lot remainders")
	}
	if failures > 0 {
		os.Exit(1)
	}
}
