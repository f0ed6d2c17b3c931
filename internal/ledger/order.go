package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Line struct {
	ProductID    string               `json:"product_id"`
	Name         string               `json:"name"`
	Qty          int                  `json:"qty"`
	UnitPrice    decimal.Decimal      `json:"unit_price"`
	DeliveryMode catalog.DeliveryMode `json:"delivery_mode"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Qty)))
}

type Order struct {
	OrderNo    string          `json:"order_no"`
	UserID     string          `json:"user_id"`
	Email      string          `json:"email"`
	Lines      []Line          `json:"lines"`
	Total      decimal.Decimal `json:"total"`
	Status     Status          `json:"status"`
	MethodID   string          `json:"method_id"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	PayURL     string          `json:"pay_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy string     `json:"cancelled_by,omitempty"`

	// DeliveredContent is what the buyer got (card code, configured content,
	// or operator-entered text).
	DeliveredContent string `json:"delivered_content,omitempty"`
}

// Manual reports whether any line needs an operator; a mixed cart is handled
// as a manual order.
func (o *Order) Manual() bool {
	for _, l := range o.Lines {
		if l.DeliveryMode == catalog.DeliveryManual {
			return true
		}
	}
	return false
}

func SumLines(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}
