package domain

import "time"

// CartLine is one requested line of a checkout. Each checkout call owns
// an immutable snapshot of its lines; lines are never shared between
// concurrent checkouts.
type CartLine struct {
	ProductID int64
	Quantity  int64
}

// SaleStatus values. Sales are never deleted, only marked terminal.
type SaleStatus string

const (
	SaleCompleted SaleStatus = "Completed"
)

// PaymentStatus values.
type PaymentStatus string

const (
	PaymentApproved PaymentStatus = "Approved"
	PaymentRefunded PaymentStatus = "Refunded"
)

// Sale is the persisted record of a completed checkout. It is created in
// the same transaction as its SaleItems and Payment, or not at all.
type Sale struct {
	ID        int64
	UserID    int64
	Timestamp time.Time
	Subtotal  float64
	Total     float64
	Status    SaleStatus
}

// SaleItem is one priced line of a Sale. Subtotal(Sale) == Σ Quantity*UnitPrice.
type SaleItem struct {
	SaleID    int64
	ProductID int64
	Quantity  int64
	UnitPrice float64
}

// Payment records the gateway charge for a Sale. Amount always equals the
// sale total; at most one non-rejected payment exists per sale.
type Payment struct {
	SaleID    int64
	Method    string
	Reference string
	Amount    float64
	Status    PaymentStatus
	Timestamp time.Time
}

// ReceiptLine is one priced line on a receipt.
type ReceiptLine struct {
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   float64
	LineTotal   float64
}

// Receipt is returned to the caller on a successful checkout.
type Receipt struct {
	SaleID           int64
	Lines            []ReceiptLine
	Subtotal         float64
	Total            float64
	PaymentMethod    string
	PaymentReference string
}
