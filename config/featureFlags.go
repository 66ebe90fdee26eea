package config

import (
	"os"
	"strings"
)

// MultiShipmentReceptions relaxes the one-reception-per-order rule so a
// purchase order can be completed across several shipments. When off, the
// reception idempotence key is the purchase order id; when on, each reception
// carries its own external id.
//
// Set via env:
// - MULTI_SHIPMENT_RECEPTIONS=true
func MultiShipmentReceptions() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("MULTI_SHIPMENT_RECEPTIONS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// LoyaltyPointsEnabled is resolved once per settlement call and passed in
// explicitly; nothing polls this on a timer.
//
// Set via env:
// - LOYALTY_POINTS_ENABLED=true
func LoyaltyPointsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("LOYALTY_POINTS_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
