package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hanifr/go-storefront-orders/internal/accounts"
	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/inventory"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/notify"
	"github.com/hanifr/go-storefront-orders/internal/payment"
)

var (
	ErrInvalidQty         = errors.New("checkout: quantity must be greater than zero")
	ErrProductUnavailable = errors.New("checkout: product inactive or unknown")
	ErrInsufficientStock  = errors.New("checkout: insufficient stock")
	ErrNoPaymentMethod    = errors.New("checkout: no payment method enabled")
	ErrEmptyCart          = errors.New("checkout: cart is empty")
	ErrSelectionAborted   = errors.New("checkout: payment method selection aborted")
)

// ExpiryScheduler is what the orchestrator needs from the timeout scheduler.
type ExpiryScheduler interface {
	Schedule(orderNo string, at time.Time)
}

// Result is what the buyer gets back: the recorded order plus how to pay it.
type Result struct {
	Order  *ledger.Order
	PayURL string
	QR     []byte
}

// Orchestrator drives a purchase attempt end to end: validate, advisory
// stock check, method selection, gateway request, durable order record,
// expiry timer, buyer notification. Nothing externally visible happens
// before the order is durably recorded; nothing is recorded if the gateway
// call fails.
type Orchestrator struct {
	Catalog   *catalog.Service
	Inventory *inventory.Store
	Ledger    *ledger.Ledger
	Accounts  *accounts.Service
	Methods   *payment.Methods
	Gateway   payment.Gateway
	Carts     *Carts
	Scheduler ExpiryScheduler
	Messenger notify.Messenger

	PayTimeout    time.Duration // order expiry window
	SelectTimeout time.Duration // bounded wait for method selection
}

// BuySingle is the one-product purchase entry point.
func (oc *Orchestrator) BuySingle(ctx context.Context, userID, productID string, qty int) (*Result, error) {
	if qty <= 0 {
		return nil, ErrInvalidQty
	}
	email, err := oc.Accounts.VerifiedEmail(ctx, userID)
	if err != nil {
		return nil, err
	}
	p, err := oc.Catalog.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrProductUnavailable
		}
		return nil, err
	}
	if !p.Active() {
		return nil, ErrProductUnavailable
	}

	// Advisory only; TryReserve at paid time is the authority.
	avail, err := oc.Inventory.Available(ctx, productID)
	if err != nil {
		return nil, err
	}
	if avail < qty {
		return nil, ErrInsufficientStock
	}

	method, err := oc.chooseMethod(ctx, userID)
	if err != nil {
		return nil, err
	}

	lines := []ledger.Line{{
		ProductID:    p.ID,
		Name:         p.Name,
		Qty:          qty,
		UnitPrice:    p.Price,
		DeliveryMode: p.DeliveryMode,
	}}
	return oc.createOrder(ctx, userID, email, lines, method, "ORD", p.Name)
}

// BuyCart checks out the user's whole cart as one order. The cart is cleared
// only after the order is durably recorded; a failed gateway call leaves it
// untouched.
func (oc *Orchestrator) BuyCart(ctx context.Context, userID string) (*Result, error) {
	email, err := oc.Accounts.VerifiedEmail(ctx, userID)
	if err != nil {
		return nil, err
	}
	cart, err := oc.Carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	lines := make([]ledger.Line, 0, len(cart.Items))
	for _, it := range cart.Items {
		p, err := oc.Catalog.Get(ctx, it.ProductID)
		if err != nil || !p.Active() {
			return nil, fmt.Errorf("%w: %s", ErrProductUnavailable, it.Name)
		}
		avail, err := oc.Inventory.Available(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if avail < it.Qty {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientStock, it.Name)
		}
		lines = append(lines, ledger.Line{
			ProductID:    it.ProductID,
			Name:         it.Name,
			Qty:          it.Qty,
			UnitPrice:    it.UnitPrice, // snapshot from add time
			DeliveryMode: it.DeliveryMode,
		})
	}

	method, err := oc.chooseMethod(ctx, userID)
	if err != nil {
		return nil, err
	}

	res, err := oc.createOrder(ctx, userID, email, lines, method, "CART", "cart order")
	if err != nil {
		return nil, err
	}
	if err := oc.Carts.Clear(ctx, userID); err != nil {
		log.Printf("checkout: clear cart %s: %v", userID, err)
	}
	return res, nil
}

// chooseMethod offers the enabled methods and waits (bounded) for a pick.
// Aborting here has no side effects; no order exists yet.
func (oc *Orchestrator) chooseMethod(ctx context.Context, userID string) (payment.Method, error) {
	methods, err := oc.Methods.Enabled(ctx)
	if err != nil {
		return payment.Method{}, err
	}
	if len(methods) == 0 {
		return payment.Method{}, ErrNoPaymentMethod
	}
	if len(methods) == 1 {
		return methods[0], nil
	}

	options := make([]string, len(methods))
	for i, m := range methods {
		options[i] = m.Name
	}

	timeout := oc.SelectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idx, err := oc.Messenger.PromptChoice(waitCtx, userID, "Pick a payment method", options)
	if err != nil {
		return payment.Method{}, fmt.Errorf("%w: %v", ErrSelectionAborted, err)
	}
	if idx < 0 || idx >= len(methods) {
		return payment.Method{}, ErrSelectionAborted
	}
	return methods[idx], nil
}

// createOrder runs the gateway request first, then records the order, then
// arms the expiry timer and notifies the buyer. Ordering matters: a gateway
// failure must leave no order behind, and the notification must come after
// the durable record.
func (oc *Orchestrator) createOrder(ctx context.Context, userID, email string, lines []ledger.Line, method payment.Method, prefix, subject string) (*Result, error) {
	now := time.Now().UTC()
	orderNo := newOrderNo(prefix, now)
	total := ledger.SumLines(lines)

	created, err := oc.Gateway.Create(ctx, payment.CreateRequest{
		OrderNo: orderNo,
		Amount:  total,
		Subject: subject,
		Method:  method.Provider,
	})
	if err != nil {
		return nil, err
	}

	o := &ledger.Order{
		OrderNo:   orderNo,
		UserID:    userID,
		Email:     email,
		Lines:     lines,
		MethodID:  method.ID,
		PayURL:    created.PayURL,
		CreatedAt: now,
		ExpiresAt: now.Add(oc.PayTimeout),
	}
	if err := oc.Ledger.Record(ctx, o); err != nil {
		return nil, err
	}
	oc.Scheduler.Schedule(orderNo, o.ExpiresAt)

	qr, err := payment.QRPNG(created.PayURL)
	if err != nil {
		log.Printf("checkout: qr %s: %v", orderNo, err)
		qr = nil
	}

	text := fmt.Sprintf("Order %s created, total %s. Pay within %s:\n%s",
		orderNo, o.Total.StringFixed(2), oc.PayTimeout, created.PayURL)
	if err := oc.Messenger.Notify(ctx, userID, text, qr); err != nil {
		log.Printf("checkout: notify buyer %s: %v", orderNo, err)
	}

	return &Result{Order: o, PayURL: created.PayURL, QR: qr}, nil
}

func newOrderNo(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return prefix + now.Format("20060102150405") + suffix
}
