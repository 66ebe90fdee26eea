package models

import "fmt"

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusPending   PurchaseOrderStatus = "Pending"
	PurchaseOrderStatusApproved  PurchaseOrderStatus = "Approved"
	PurchaseOrderStatusReceived  PurchaseOrderStatus = "Received"
	PurchaseOrderStatusClosed    PurchaseOrderStatus = "Closed"
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "Cancelled"
)

// Receivable reports whether stock may be applied against an order in this
// state. Cancelled and Closed are terminal; Pending has not been approved.
func (s PurchaseOrderStatus) Receivable() bool {
	return s == PurchaseOrderStatusApproved || s == PurchaseOrderStatusReceived
}

func ParsePurchaseOrderStatus(s string) (PurchaseOrderStatus, error) {
	statuses := map[string]PurchaseOrderStatus{
		"Pending":   PurchaseOrderStatusPending,
		"Approved":  PurchaseOrderStatusApproved,
		"Received":  PurchaseOrderStatusReceived,
		"Closed":    PurchaseOrderStatusClosed,
		"Cancelled": PurchaseOrderStatusCancelled,
	}
	if v, ok := statuses[s]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s is not a valid purchase order status", s)
}

type MovementDirection string

const (
	MovementDirectionIn  MovementDirection = "IN"
	MovementDirectionOut MovementDirection = "OUT"
)

// StockReferenceType identifies the document a movement originated from.
type StockReferenceType string

const (
	StockReferenceTypeReception StockReferenceType = "RC"
	StockReferenceTypeSale      StockReferenceType = "SL"
	StockReferenceTypeOpening   StockReferenceType = "OP"
)

type OutboxAction string

const (
	OutboxActionCreate OutboxAction = "C"
)
